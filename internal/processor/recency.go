package processor

import (
	"time"

	"veille/internal/model"
)

const (
	DefaultWindow = 30 * 24 * time.Hour
	DefaultSkew   = time.Hour
)

// FilterRecent 丢弃早于 now-window 或晚于 now+skew 的记录；window<=0 时取 30 天。
func FilterRecent(pubs []model.Publication, now time.Time, window, skew time.Duration) []model.Publication {
	if window <= 0 {
		window = DefaultWindow
	}
	if skew < 0 {
		skew = 0
	}
	cutoff := now.Add(-window)
	horizon := now.Add(skew)

	kept := make([]model.Publication, 0, len(pubs))
	for _, p := range pubs {
		if p.PublishedAt.Before(cutoff) || p.PublishedAt.After(horizon) {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}
