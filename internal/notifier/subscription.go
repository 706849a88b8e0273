package notifier

import (
	"fmt"
	"strings"
	"time"

	"veille/internal/model"
	"veille/internal/textnorm"

	"github.com/samber/lo"
)

// CriteriaSummary 描述摘要对应的订阅条件，随摘要一起发送。
type CriteriaSummary struct {
	Cantons   []string
	Types     []string
	Communes  []string
	Keywords  []string
	Frequency model.AlertFrequency
	// Total 为匹配总数，可能大于摘要中实际列出的条数。
	Total int
}

// String 生成摘要中的条件说明。
func (c CriteriaSummary) String() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Cantons : %s\n", strings.Join(c.Cantons, ", ")))
	if len(c.Types) > 0 {
		b.WriteString(fmt.Sprintf("Types : %s\n", strings.Join(c.Types, ", ")))
	}
	if len(c.Communes) > 0 {
		b.WriteString(fmt.Sprintf("Communes : %s\n", strings.Join(c.Communes, ", ")))
	}
	if len(c.Keywords) > 0 {
		b.WriteString(fmt.Sprintf("Mots-clés : %s\n", strings.Join(c.Keywords, ", ")))
	}
	return b.String()
}

// Policy 为发送节奏策略。
type Policy struct {
	WeeklyDay      time.Weekday
	MinSpacing     time.Duration
	MaxDigestItems int
}

// DefaultPolicy 每周一发送周报，两次提醒至少间隔 12 小时，单封条数不限。
// MaxDigestItems 大于 0 时超出部分顺延到下一轮。
func DefaultPolicy() Policy {
	return Policy{WeeklyDay: time.Monday, MinSpacing: 12 * time.Hour}
}

// Gate 判断订阅此刻是否应当发送，返回 false 时附带跳过原因。
func Gate(sub model.Subscription, now time.Time, p Policy) (bool, string) {
	switch sub.AlertFrequency.Normalize() {
	case model.FrequencyDisabled:
		return false, "disabled"
	case model.FrequencyWeekly:
		if now.Weekday() != p.WeeklyDay {
			return false, "not weekly day"
		}
	}
	if sub.LastAlertSent != nil && now.Sub(*sub.LastAlertSent) < p.MinSpacing {
		return false, "throttled"
	}
	return true, ""
}

// Match 按订阅条件过滤公告：州必须命中；类型、市镇、关键词为可选条件，
// 各自为空时不限制。关键词任一命中即可，匹配不区分大小写与重音。
func Match(sub model.Subscription, pubs []model.Publication) []model.Publication {
	cantons := lo.Map(sub.Cantons, func(c string, _ int) string {
		return strings.ToUpper(strings.TrimSpace(c))
	})
	types := lo.Map(sub.AlertTypes, func(t string, _ int) model.PublicationType {
		return model.ParseType(textnorm.Fold(t))
	})
	keywords := lo.Filter(sub.AlertKeywords, func(k string, _ int) bool {
		return strings.TrimSpace(k) != ""
	})

	out := make([]model.Publication, 0, len(pubs))
	for _, p := range pubs {
		if !lo.Contains(cantons, p.Canton) {
			continue
		}
		if len(types) > 0 && !lo.Contains(types, p.Type) {
			continue
		}
		if len(sub.AlertCommunes) > 0 && !lo.ContainsBy(sub.AlertCommunes, func(c string) bool {
			return textnorm.Equal(c, p.Commune)
		}) {
			continue
		}
		if len(keywords) > 0 {
			text := p.Title + " " + p.Description
			if !lo.ContainsBy(keywords, func(k string) bool { return textnorm.Contains(text, k) }) {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

func summarize(sub model.Subscription, total int) CriteriaSummary {
	return CriteriaSummary{
		Cantons:   []string(sub.Cantons),
		Types:     []string(sub.AlertTypes),
		Communes:  []string(sub.AlertCommunes),
		Keywords:  []string(sub.AlertKeywords),
		Frequency: sub.AlertFrequency.Normalize(),
		Total:     total,
	}
}
