package notifier

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"veille/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DigestSender 发送单个订阅的摘要。
type DigestSender interface {
	SendDigest(ctx context.Context, recipient string, pubs []model.Publication, summary CriteriaSummary) error
}

// SubscriptionStore 定义调度所需的读写接口。
type SubscriptionStore interface {
	ListAlertSubscriptions(ctx context.Context) ([]model.Subscription, error)
	ListPublicationsSince(ctx context.Context, cantons []string, since *time.Time) ([]model.Publication, error)
	MarkAlertSent(ctx context.Context, id uint, at time.Time) error
}

// Config 为提醒调度配置。
type Config struct {
	WeeklyDay      string `yaml:"weekly_day"`
	MinSpacing     string `yaml:"min_spacing"`
	MaxDigestItems int    `yaml:"max_digest_items"`
}

// Policy 将配置解析为 Policy，空值使用默认值。
func (c Config) Policy() (Policy, error) {
	p := DefaultPolicy()
	if day := strings.ToLower(strings.TrimSpace(c.WeeklyDay)); day != "" {
		wd, ok := weekdays[day]
		if !ok {
			return Policy{}, fmt.Errorf("invalid weekly_day %q", c.WeeklyDay)
		}
		p.WeeklyDay = wd
	}
	if c.MinSpacing != "" {
		d, err := time.ParseDuration(c.MinSpacing)
		if err != nil {
			return Policy{}, fmt.Errorf("min_spacing: %w", err)
		}
		p.MinSpacing = d
	}
	if c.MaxDigestItems > 0 {
		p.MaxDigestItems = c.MaxDigestItems
	}
	return p, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// DispatchReport 汇总一次提醒调度。
type DispatchReport struct {
	Subscriptions int `json:"subscriptions"`
	Sent          int `json:"sent"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
}

// Dispatcher 依次处理订阅：节奏判断、匹配、发送并在成功后记录发送时间。
type Dispatcher struct {
	store  SubscriptionStore
	sender DigestSender
	policy Policy
	now    func() time.Time
	logger zerolog.Logger
}

// NewDispatcher 创建 Dispatcher。
func NewDispatcher(store SubscriptionStore, sender DigestSender, policy Policy) *Dispatcher {
	return &Dispatcher{
		store:  store,
		sender: sender,
		policy: policy,
		now:    time.Now,
		logger: log.With().Str("component", "notifier").Logger(),
	}
}

// Run 执行一次调度。单个订阅失败只记录日志，last_alert_sent 仅在发送成功后更新。
func (d *Dispatcher) Run(ctx context.Context) (DispatchReport, error) {
	if d.store == nil || d.sender == nil {
		return DispatchReport{}, fmt.Errorf("dispatcher missing dependencies")
	}

	subs, err := d.store.ListAlertSubscriptions(ctx)
	if err != nil {
		return DispatchReport{}, fmt.Errorf("list subscriptions: %w", err)
	}

	rep := DispatchReport{Subscriptions: len(subs)}
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("dispatch interrupted: %w", err)
		}
		switch d.dispatchOne(ctx, sub) {
		case resultSent:
			rep.Sent++
		case resultFailed:
			rep.Failed++
		default:
			rep.Skipped++
		}
	}

	d.logger.Info().
		Str("evt.name", "dispatch.run.done").
		Int("subscriptions", rep.Subscriptions).
		Int("sent", rep.Sent).
		Int("skipped", rep.Skipped).
		Int("failed", rep.Failed).
		Msg("alert dispatch finished")
	return rep, nil
}

type dispatchResult int

const (
	resultSkipped dispatchResult = iota
	resultSent
	resultFailed
)

func (d *Dispatcher) dispatchOne(ctx context.Context, sub model.Subscription) dispatchResult {
	logger := d.logger.With().Uint("subscription", sub.ID).Str("organization", sub.OrganizationID).Logger()
	now := d.now()

	if ok, reason := Gate(sub, now, d.policy); !ok {
		logger.Debug().Str("evt.name", "dispatch.skip").Str("reason", reason).Msg("subscription skipped")
		return resultSkipped
	}
	if strings.TrimSpace(sub.Email) == "" {
		logger.Warn().Str("evt.name", "dispatch.skip").Str("reason", "no recipient").Msg("subscription skipped")
		return resultSkipped
	}

	pubs, err := d.store.ListPublicationsSince(ctx, []string(sub.Cantons), sub.LastAlertSent)
	if err != nil {
		logger.Error().Err(err).Str("evt.name", "dispatch.list.failed").Msg("list publications failed")
		return resultFailed
	}
	matched := Match(sub, pubs)
	if len(matched) == 0 {
		logger.Debug().Str("evt.name", "dispatch.skip").Str("reason", "no match").Msg("subscription skipped")
		return resultSkipped
	}

	summary := summarize(sub, len(matched))
	sentAt := now
	if limited, ok := capDigest(matched, d.policy.MaxDigestItems); ok {
		matched = limited
		sentAt = newestPublished(limited)
		logger.Info().Str("evt.name", "dispatch.capped").Int("items", len(matched)).Int("total", summary.Total).Msg("digest capped, remainder deferred")
	}

	if err := d.sender.SendDigest(ctx, sub.Email, matched, summary); err != nil {
		logger.Error().Err(err).Str("evt.name", "dispatch.send.failed").Msg("send digest failed")
		return resultFailed
	}
	if err := d.store.MarkAlertSent(ctx, sub.ID, sentAt); err != nil {
		logger.Error().Err(err).Str("evt.name", "dispatch.mark.failed").Msg("digest sent but last_alert_sent not recorded")
		return resultFailed
	}

	logger.Info().Str("evt.name", "dispatch.sent").Int("items", len(matched)).Int("total", summary.Total).Msg("digest sent")
	return resultSent
}

// capDigest 在超过上限时保留最早发布的 limit 条（与边界同一时间的公告一并保留），
// 其余留给下一轮。结果仍按发布时间倒序。
func capDigest(pubs []model.Publication, limit int) ([]model.Publication, bool) {
	if limit <= 0 || len(pubs) <= limit {
		return pubs, false
	}
	oldest := slices.Clone(pubs)
	slices.SortStableFunc(oldest, func(a, b model.Publication) int {
		return a.PublishedAt.Compare(b.PublishedAt)
	})
	cut := limit
	for cut < len(oldest) && oldest[cut].PublishedAt.Equal(oldest[limit-1].PublishedAt) {
		cut++
	}
	kept := oldest[:cut]
	slices.Reverse(kept)
	return kept, true
}

func newestPublished(pubs []model.Publication) time.Time {
	var newest time.Time
	for _, p := range pubs {
		if p.PublishedAt.After(newest) {
			newest = p.PublishedAt
		}
	}
	return newest
}
