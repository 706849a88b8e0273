package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// DefaultGatewaySecretHeader 为网关共享密钥的默认请求头。
const DefaultGatewaySecretHeader = "X-Veille-Gateway-Secret"

var errGatewaySecretMissing = errors.New("gateway secret not configured")

// HeaderAuthorizer 信任上游网关注入的请求头：网关完成会话校验后，
// 将用户所属机构 ID 以逗号分隔写入 Header，并在 SecretHeader 中附带共享密钥。
// 密钥不符的请求一律视为未认证，机构头不会被读取。
type HeaderAuthorizer struct {
	Header       string
	SecretHeader string
	Secret       string
}

// Authorize 实现 Authorizer。
func (a HeaderAuthorizer) Authorize(r *http.Request, organizationID string) error {
	if a.Secret == "" {
		return errGatewaySecretMissing
	}
	secretHeader := a.SecretHeader
	if secretHeader == "" {
		secretHeader = DefaultGatewaySecretHeader
	}
	got := r.Header.Get(secretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.Secret)) != 1 {
		return ErrUnauthenticated
	}

	raw := strings.TrimSpace(r.Header.Get(a.Header))
	if raw == "" {
		return ErrUnauthenticated
	}
	for _, org := range strings.Split(raw, ",") {
		if strings.TrimSpace(org) == organizationID {
			return nil
		}
	}
	return ErrForbidden
}
