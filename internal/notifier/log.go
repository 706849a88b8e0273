package notifier

import (
	"context"

	"veille/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogDigestSender 仅打印摘要，适合开发阶段或未配置 SMTP 时使用。
type LogDigestSender struct {
	logger zerolog.Logger
}

var _ DigestSender = (*LogDigestSender)(nil)

// NewLogDigestSender 创建日志摘要发送器，未提供 logger 时使用全局 logger。
func NewLogDigestSender(logger *zerolog.Logger) *LogDigestSender {
	if logger == nil {
		l := log.With().Str("component", "notifier").Str("sender", "log").Logger()
		logger = &l
	}
	return &LogDigestSender{logger: *logger}
}

// SendDigest 逐条打印摘要内容。
func (n *LogDigestSender) SendDigest(_ context.Context, recipient string, pubs []model.Publication, summary CriteriaSummary) error {
	if len(pubs) == 0 {
		return nil
	}
	n.logger.Info().
		Str("evt.name", "digest.log").
		Str("recipient", recipient).
		Int("total", summary.Total).
		Strs("cantons", summary.Cantons).
		Msg("digest")
	for _, p := range pubs {
		n.logger.Info().
			Str("evt.name", "digest.log.item").
			Str("recipient", recipient).
			Str("canton", p.Canton).
			Str("commune", p.Commune).
			Str("type", string(p.Type)).
			Str("url", p.URL).
			Msg(p.Title)
	}
	return nil
}
