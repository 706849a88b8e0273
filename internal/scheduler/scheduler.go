package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"veille/internal/notifier"
	"veille/internal/pipeline"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrJobRunning 表示同名任务仍在运行，本次触发被丢弃。
var ErrJobRunning = errors.New("job already running")

// Config 用于调度配置。Scrape/Alerts 接受时间间隔或 cron 表达式，"off" 关闭调度。
type Config struct {
	Scrape  string `yaml:"scrape" json:"scrape"`
	Alerts  string `yaml:"alerts" json:"alerts"`
	Timeout string `yaml:"timeout" json:"timeout"`
}

// ScrapeRunner 执行一次全量抓取。
type ScrapeRunner interface {
	RunFull(ctx context.Context) (pipeline.Report, error)
}

// AlertRunner 执行一次提醒调度。
type AlertRunner interface {
	Run(ctx context.Context) (notifier.DispatchReport, error)
}

type job struct {
	name     string
	interval time.Duration
	cron     *cronSchedule
	running  atomic.Bool
}

func (j *job) scheduled() bool {
	return j.interval > 0 || j.cron != nil
}

// Scheduler 周期性触发抓取与提醒，同一任务不会重叠执行。
type Scheduler struct {
	scraper   ScrapeRunner
	alerts    AlertRunner
	scrapeJob *job
	alertJob  *job
	timeout   time.Duration
	newTicker func(time.Duration) ticker
	now       func() time.Time
	logger    zerolog.Logger
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewScheduler 创建 Scheduler，解析配置的调度表达式与超时。
func NewScheduler(scraper ScrapeRunner, alerts AlertRunner, cfg Config) (*Scheduler, error) {
	scrapeEvery, scrapeCron, err := parseSchedule(cfg.Scrape, "0 5 * * *")
	if err != nil {
		return nil, fmt.Errorf("scrape schedule: %w", err)
	}
	alertEvery, alertCron, err := parseSchedule(cfg.Alerts, "0 7 * * *")
	if err != nil {
		return nil, fmt.Errorf("alerts schedule: %w", err)
	}
	timeout := 10 * time.Minute
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid timeout %q", cfg.Timeout)
		}
		timeout = d
	}

	return &Scheduler{
		scraper:   scraper,
		alerts:    alerts,
		scrapeJob: &job{name: "scrape", interval: scrapeEvery, cron: scrapeCron},
		alertJob:  &job{name: "alerts", interval: alertEvery, cron: alertCron},
		timeout:   timeout,
		newTicker: defaultTicker,
		now:       time.Now,
		logger:    log.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Start 启动调度循环，直到上下文取消。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.scraper == nil {
		return fmt.Errorf("scheduler missing dependencies")
	}

	g, ctx := errgroup.WithContext(ctx)
	if s.scrapeJob.scheduled() {
		g.Go(func() error {
			return s.loop(ctx, s.scrapeJob, func(ctx context.Context) error {
				_, err := s.RunScrape(ctx)
				return err
			})
		})
	}
	if s.alerts != nil && s.alertJob.scheduled() {
		g.Go(func() error {
			return s.loop(ctx, s.alertJob, func(ctx context.Context) error {
				_, err := s.RunAlerts(ctx)
				return err
			})
		})
	}
	return g.Wait()
}

// RunScrape 对外暴露单次抓取，任务运行中时返回 ErrJobRunning。
func (s *Scheduler) RunScrape(ctx context.Context) (pipeline.Report, error) {
	return guarded(ctx, s, s.scrapeJob, s.scraper.RunFull)
}

// RunAlerts 对外暴露单次提醒调度，任务运行中时返回 ErrJobRunning。
func (s *Scheduler) RunAlerts(ctx context.Context) (notifier.DispatchReport, error) {
	if s.alerts == nil {
		return notifier.DispatchReport{}, fmt.Errorf("alerts not configured")
	}
	return guarded(ctx, s, s.alertJob, s.alerts.Run)
}

func guarded[T any](ctx context.Context, s *Scheduler, j *job, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if j.running.Swap(true) {
		return zero, fmt.Errorf("%s: %w", j.name, ErrJobRunning)
	}
	defer j.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(ctx)
}

func (s *Scheduler) loop(ctx context.Context, j *job, run func(context.Context) error) error {
	if j.cron != nil {
		return s.startCron(ctx, j, run)
	}

	tick := s.newTicker(j.interval)
	defer tick.Stop()
	ch := tick.C()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			s.fire(ctx, j, run)
		drain:
			for {
				select {
				case <-ch:
					continue
				default:
					break drain
				}
			}
		}
	}
}

func (s *Scheduler) startCron(ctx context.Context, j *job, run func(context.Context) error) error {
	for {
		next, err := j.cron.next(s.now())
		if err != nil {
			return fmt.Errorf("compute next cron time: %w", err)
		}
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.fire(ctx, j, run)
		}
	}
}

// fire 执行一次任务；任务失败只记录日志，不终止调度。
func (s *Scheduler) fire(ctx context.Context, j *job, run func(context.Context) error) {
	start := s.now()
	err := run(ctx)
	switch {
	case errors.Is(err, ErrJobRunning):
		s.logger.Warn().Str("evt.name", "scheduler.tick.dropped").Str("job", j.name).Msg("previous run still in progress")
	case err != nil:
		s.logger.Error().Err(err).Str("evt.name", "scheduler.job.failed").Str("job", j.name).Dur("took", s.now().Sub(start)).Msg("scheduled job failed")
	default:
		s.logger.Info().Str("evt.name", "scheduler.job.done").Str("job", j.name).Dur("took", s.now().Sub(start)).Msg("scheduled job finished")
	}
}

func defaultTicker(d time.Duration) ticker {
	t := time.NewTicker(d)
	return tickerWrapper{t}
}

type tickerWrapper struct {
	*time.Ticker
}

func (t tickerWrapper) C() <-chan time.Time { return t.Ticker.C }
func (t tickerWrapper) Stop()               { t.Ticker.Stop() }
