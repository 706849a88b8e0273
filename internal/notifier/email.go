package notifier

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"

	"veille/internal/model"
)

// EmailConfig 邮件配置。
type EmailConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	From     string `yaml:"from" json:"from"`
	Subject  string `yaml:"subject" json:"subject"`
	// BaseURL 为站内链接前缀，为空时摘要不附带管理链接。
	BaseURL string `yaml:"base_url" json:"base_url"`
}

// Enabled 判断 SMTP 配置是否完整。
func (c EmailConfig) Enabled() bool {
	return c.Host != "" && c.Port != 0 && c.From != ""
}

// EmailMessage 表示一封邮件。
type EmailMessage struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// EmailSender 抽象发送接口，便于测试替换。
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// SMTPClient 封装 SMTP 发送。
type SMTPClient struct {
	addr string
	auth smtp.Auth
}

func NewSMTPClient(cfg EmailConfig) *SMTPClient {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPClient{addr: addr, auth: auth}
}

func (c *SMTPClient) Send(ctx context.Context, msg EmailMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := buildEmailData(msg)
	return smtp.SendMail(c.addr, c.auth, msg.From, msg.To, []byte(data))
}

// EmailDigestSender 通过邮件发送监控摘要。
type EmailDigestSender struct {
	cfg    EmailConfig
	sender EmailSender
}

var _ DigestSender = (*EmailDigestSender)(nil)

// NewEmailDigestSender 创建 EmailDigestSender，sender 为空时使用 SMTP。
func NewEmailDigestSender(cfg EmailConfig, sender EmailSender) *EmailDigestSender {
	if sender == nil {
		sender = NewSMTPClient(cfg)
	}
	if cfg.Subject == "" {
		cfg.Subject = "Veille : nouvelles publications"
	}
	return &EmailDigestSender{cfg: cfg, sender: sender}
}

// SendDigest 发送一封摘要邮件，列表为空时跳过。
func (n *EmailDigestSender) SendDigest(ctx context.Context, recipient string, pubs []model.Publication, summary CriteriaSummary) error {
	if len(pubs) == 0 {
		return nil
	}
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("send digest: empty recipient")
	}

	msg := EmailMessage{
		From:    n.cfg.From,
		To:      []string{recipient},
		Subject: fmt.Sprintf("%s (%d)", n.cfg.Subject, summary.Total),
		Body:    buildDigestBody(pubs, summary, n.cfg.BaseURL),
	}
	if err := n.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send digest to %s: %w", recipient, err)
	}
	return nil
}

func buildDigestBody(pubs []model.Publication, summary CriteriaSummary, baseURL string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%d nouvelle(s) publication(s) pour vos critères de veille.\n", summary.Total))
	b.WriteString(summary.String())
	b.WriteString("\n")
	for _, p := range pubs {
		b.WriteString(fmt.Sprintf("- [%s] %s", p.PublishedAt.Format("02.01.2006"), p.Title))
		if p.Commune != "" {
			b.WriteString(fmt.Sprintf(" (%s, %s)", p.Commune, p.Canton))
		} else {
			b.WriteString(fmt.Sprintf(" (%s)", p.Canton))
		}
		b.WriteString(fmt.Sprintf(" %s\n  %s\n", p.Type, p.URL))
	}
	if summary.Total > len(pubs) {
		b.WriteString(fmt.Sprintf("\n… et %d autre(s) publication(s).\n", summary.Total-len(pubs)))
	}
	if baseURL != "" {
		b.WriteString(fmt.Sprintf("\nGérer vos alertes : %s/veille/settings\n", strings.TrimRight(baseURL, "/")))
	}
	return b.String()
}

func buildEmailData(msg EmailMessage) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ",")))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject)))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)
	return b.String()
}
