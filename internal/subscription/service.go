package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"veille/internal/model"
	"veille/internal/textnorm"

	"github.com/samber/lo"
	"gorm.io/datatypes"
)

// ErrInvalid 表示订阅设置未通过校验。
var ErrInvalid = errors.New("invalid subscription")

// Store 定义持久化接口。
type Store interface {
	ReplaceActiveSubscription(ctx context.Context, sub *model.Subscription) error
	GetActiveSubscription(ctx context.Context, organizationID string) (*model.Subscription, error)
}

// Request 表示机构提交的监控设置。
type Request struct {
	OrganizationID     string   `json:"organizationId"`
	Email              string   `json:"email"`
	Cantons            []string `json:"cantons"`
	AlertTypes         []string `json:"alertTypes"`
	AlertCommunes      []string `json:"alertCommunes"`
	AlertKeywords      []string `json:"alertKeywords"`
	EmailNotifications bool     `json:"emailNotifications"`
	AppNotifications   bool     `json:"appNotifications"`
	AlertFrequency     string   `json:"alertFrequency"`
}

// Service 负责校验并保存机构的监控设置。
type Service struct {
	store Store
}

// NewService 创建订阅服务。
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Save 校验请求并替换机构当前的 active 订阅。
func (s *Service) Save(ctx context.Context, req Request) (model.Subscription, error) {
	sub, err := build(req)
	if err != nil {
		return model.Subscription{}, err
	}
	if err := s.store.ReplaceActiveSubscription(ctx, &sub); err != nil {
		return model.Subscription{}, err
	}
	return sub, nil
}

// Get 返回机构当前的 active 订阅。
func (s *Service) Get(ctx context.Context, organizationID string) (*model.Subscription, error) {
	return s.store.GetActiveSubscription(ctx, strings.TrimSpace(organizationID))
}

func build(req Request) (model.Subscription, error) {
	org := strings.TrimSpace(req.OrganizationID)
	if org == "" {
		return model.Subscription{}, fmt.Errorf("%w: organizationId required", ErrInvalid)
	}

	email := strings.TrimSpace(req.Email)
	if req.EmailNotifications || email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return model.Subscription{}, fmt.Errorf("%w: invalid email: %v", ErrInvalid, err)
		}
		email = addr.Address
	}

	cantons := lo.Uniq(lo.Map(req.Cantons, func(c string, _ int) string {
		return strings.ToUpper(strings.TrimSpace(c))
	}))
	cantons = lo.Filter(cantons, func(c string, _ int) bool { return c != "" })
	for _, c := range cantons {
		if len(c) != 2 {
			return model.Subscription{}, fmt.Errorf("%w: invalid canton %s", ErrInvalid, c)
		}
	}

	types := make([]string, 0, len(req.AlertTypes))
	for _, t := range req.AlertTypes {
		folded := textnorm.Fold(t)
		if folded == "" {
			continue
		}
		typ := model.ParseType(folded)
		if typ == model.TypeOther && folded != string(model.TypeOther) {
			return model.Subscription{}, fmt.Errorf("%w: unknown publication type %s", ErrInvalid, t)
		}
		types = append(types, string(typ))
	}

	freq := model.AlertFrequency(strings.ToUpper(strings.TrimSpace(req.AlertFrequency)))
	switch freq {
	case "":
		freq = model.FrequencyDaily
	case model.FrequencyInstant, model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyDisabled:
	default:
		return model.Subscription{}, fmt.Errorf("%w: unknown alert frequency %s", ErrInvalid, req.AlertFrequency)
	}

	return model.Subscription{
		OrganizationID:     org,
		Email:              email,
		Cantons:            datatypes.JSONSlice[string](cantons),
		AlertTypes:         datatypes.JSONSlice[string](lo.Uniq(types)),
		AlertCommunes:      datatypes.JSONSlice[string](cleanList(req.AlertCommunes)),
		AlertKeywords:      datatypes.JSONSlice[string](cleanList(req.AlertKeywords)),
		EmailNotifications: req.EmailNotifications,
		AppNotifications:   req.AppNotifications,
		AlertFrequency:     freq,
	}, nil
}

// cleanList 去除空白项，并按折叠结果去重，保留首次出现的写法。
func cleanList(in []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, v := range in {
		v = strings.Join(strings.Fields(v), " ")
		key := textnorm.Fold(v)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
