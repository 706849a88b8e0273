package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"veille/internal/notifier"
	"veille/internal/pipeline"
)

func TestSchedulerRunScrape(t *testing.T) {
	t.Parallel()

	sc := &stubScraper{report: pipeline.Report{Scraped: 4, Created: 2}}
	sched, err := NewScheduler(sc, nil, Config{Scrape: "1h", Timeout: "5s"})
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}

	rep, err := sched.RunScrape(context.Background())
	if err != nil {
		t.Fatalf("RunScrape error: %v", err)
	}
	if rep.Created != 2 {
		t.Fatalf("expected 2 created, got %d", rep.Created)
	}
	if sc.calls.Load() != 1 {
		t.Fatalf("expected scraper called once, got %d", sc.calls.Load())
	}
	if _, err := sched.RunAlerts(context.Background()); err == nil {
		t.Fatalf("expected error when alerts are not configured")
	}
}

func TestSchedulerNoOverlap(t *testing.T) {
	t.Parallel()

	tickCh := make(chan time.Time, 4)
	st := &stubTicker{ch: tickCh}

	sc := &stubScraper{block: make(chan struct{}), started: make(chan struct{}, 4)}
	sched, err := NewScheduler(sc, nil, Config{Scrape: "100ms", Alerts: "off", Timeout: "5s"})
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}
	sched.newTicker = func(time.Duration) ticker { return st }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Start(ctx)
	}()

	// 第一次触发阻塞在抓取中。
	tickCh <- time.Now()
	<-sc.started

	// 运行期间的手动触发被拒绝。
	if _, err := sched.RunScrape(context.Background()); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("expected ErrJobRunning, got %v", err)
	}
	tickCh <- time.Now()

	close(sc.block)
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if sc.calls.Load() != 1 {
		t.Fatalf("expected scraper called once due to overlap prevention, got %d", sc.calls.Load())
	}
}

func TestSchedulerRunAlerts(t *testing.T) {
	t.Parallel()

	al := &stubAlerts{report: notifier.DispatchReport{Subscriptions: 3, Sent: 1, Skipped: 2}}
	sched, err := NewScheduler(&stubScraper{}, al, Config{})
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}

	rep, err := sched.RunAlerts(context.Background())
	if err != nil {
		t.Fatalf("RunAlerts error: %v", err)
	}
	if rep.Sent != 1 || al.calls.Load() != 1 {
		t.Fatalf("unexpected report %+v after %d calls", rep, al.calls.Load())
	}
}

func TestNewSchedulerRejectsInvalidSchedule(t *testing.T) {
	t.Parallel()

	if _, err := NewScheduler(&stubScraper{}, nil, Config{Scrape: "every morning"}); err == nil {
		t.Fatalf("expected error for invalid scrape schedule")
	}
	if _, err := NewScheduler(&stubScraper{}, nil, Config{Timeout: "-1s"}); err == nil {
		t.Fatalf("expected error for invalid timeout")
	}
}

func TestCronNext(t *testing.T) {
	t.Parallel()

	cases := []struct {
		spec  string
		after time.Time
		want  time.Time
	}{
		{"0 5 * * *", time.Date(2024, 6, 10, 4, 30, 0, 0, time.UTC), time.Date(2024, 6, 10, 5, 0, 0, 0, time.UTC)},
		{"0 5 * * *", time.Date(2024, 6, 10, 5, 0, 0, 0, time.UTC), time.Date(2024, 6, 11, 5, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2024, 6, 10, 4, 16, 0, 0, time.UTC), time.Date(2024, 6, 10, 4, 30, 0, 0, time.UTC)},
		{"30 7 * * 1-5", time.Date(2024, 6, 8, 12, 0, 0, 0, time.UTC), time.Date(2024, 6, 10, 7, 30, 0, 0, time.UTC)},
		{"0 8 1 * *", time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)},
		// 日与星期都受限：1 号或任一周一均触发。
		{"0 8 1 * 1", time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)},
		{"0 8 1 * 1", time.Date(2024, 6, 24, 9, 0, 0, 0, time.UTC), time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)},
		{"0 8 13 * 5", time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 9, 6, 8, 0, 0, 0, time.UTC)},
		// 以 * 开头的步长字段仍按交集处理。
		{"0 8 */10 * 0", time.Date(2024, 6, 11, 9, 0, 0, 0, time.UTC), time.Date(2024, 7, 21, 8, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		sched, err := parseCronSpec(tc.spec)
		if err != nil {
			t.Fatalf("parseCronSpec(%q) error: %v", tc.spec, err)
		}
		got, err := sched.next(tc.after)
		if err != nil {
			t.Fatalf("next(%q) error: %v", tc.spec, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("next(%q, %s) = %s, want %s", tc.spec, tc.after, got, tc.want)
		}
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	if d, c, err := parseSchedule("", "2h"); err != nil || d != 2*time.Hour || c != nil {
		t.Fatalf("expected default interval, got %v %v %v", d, c, err)
	}
	if d, c, err := parseSchedule("off", "2h"); err != nil || d != 0 || c != nil {
		t.Fatalf("expected disabled schedule, got %v %v %v", d, c, err)
	}
	for _, bad := range []string{"0 25 * * *", "1-0 * * * *", "* * *", "*/0 * * * *"} {
		if _, _, err := parseSchedule(bad, ""); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

// --- stubs ---

type stubScraper struct {
	report  pipeline.Report
	err     error
	calls   atomic.Int32
	block   chan struct{}
	started chan struct{}
}

func (s *stubScraper) RunFull(ctx context.Context) (pipeline.Report, error) {
	s.calls.Add(1)
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return pipeline.Report{}, ctx.Err()
		}
	}
	return s.report, s.err
}

type stubAlerts struct {
	report notifier.DispatchReport
	calls  atomic.Int32
}

func (s *stubAlerts) Run(context.Context) (notifier.DispatchReport, error) {
	s.calls.Add(1)
	return s.report, nil
}

type stubTicker struct {
	ch chan time.Time
}

func (s *stubTicker) C() <-chan time.Time { return s.ch }
func (s *stubTicker) Stop()               {}
