package pipeline

import (
	"context"
	"fmt"
	"time"

	"veille/internal/fetcher"
	"veille/internal/model"
	"veille/internal/processor"
	"veille/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config 控制单次抓取运行。
type Config struct {
	// Cantons 为全量扫描的范围，为空表示各适配器配置的全部州。
	Cantons       []string              `yaml:"cantons"`
	RecencyWindow string                `yaml:"recency_window"`
	FutureSkew    string                `yaml:"future_skew"`
	Dedup         processor.DedupConfig `yaml:"dedup"`
}

// Source 为抓取来源，通常是顶层 Aggregator。
type Source interface {
	Name() string
	ScrapeDetailed(ctx context.Context, cantons []string) ([]fetcher.RawPublication, []fetcher.Outcome)
}

// Store 抽象持久化接口，便于测试替换。
type Store interface {
	UpsertPublication(ctx context.Context, pub model.Publication) (storage.UpsertOutcome, error)
}

// Report 汇总一次运行的计数。
type Report struct {
	Scraped    int               `json:"scraped"`
	Invalid    int               `json:"invalid"`
	Normalized int               `json:"normalized"`
	Processed  int               `json:"processed"`
	Created    int               `json:"created"`
	Updated    int               `json:"updated"`
	Skipped    int               `json:"skipped"`
	Failed     int               `json:"failed"`
	Sources    []fetcher.Outcome `json:"-"`
	Duration   time.Duration     `json:"-"`
}

// Runner 串联抓取、归一化、去重、时效过滤与入库。
type Runner struct {
	source  Source
	store   Store
	cantons []string
	window  time.Duration
	skew    time.Duration
	dedup   processor.DedupConfig
	now     func() time.Time
	logger  zerolog.Logger
}

// NewRunner 创建 Runner，非法的时长配置返回错误。
func NewRunner(src Source, store Store, cfg Config) (*Runner, error) {
	window, err := parseDuration(cfg.RecencyWindow, processor.DefaultWindow)
	if err != nil {
		return nil, fmt.Errorf("recency_window: %w", err)
	}
	skew, err := parseDuration(cfg.FutureSkew, processor.DefaultSkew)
	if err != nil {
		return nil, fmt.Errorf("future_skew: %w", err)
	}
	return &Runner{
		source:  src,
		store:   store,
		cantons: cfg.Cantons,
		window:  window,
		skew:    skew,
		dedup:   cfg.Dedup,
		now:     time.Now,
		logger:  log.With().Str("component", "pipeline").Logger(),
	}, nil
}

// RunFull 抓取全部已配置的州。
func (r *Runner) RunFull(ctx context.Context) (Report, error) {
	return r.Run(ctx, r.cantons)
}

// Run 抓取指定州并入库。单条记录写入失败只计入 Failed，不中断整批。
func (r *Runner) Run(ctx context.Context, cantons []string) (Report, error) {
	if r.source == nil || r.store == nil {
		return Report{}, fmt.Errorf("pipeline missing dependencies")
	}
	start := r.now()
	var rep Report

	raws, outcomes := r.source.ScrapeDetailed(ctx, cantons)
	rep.Scraped = len(raws)
	rep.Sources = outcomes

	pubs, errs := processor.NormalizeAll(raws)
	rep.Invalid = len(errs)
	rep.Normalized = len(pubs)
	for _, err := range errs {
		r.logger.Warn().Err(err).Str("evt.name", "pipeline.record.invalid").Msg("record rejected")
	}

	pubs = processor.Dedup(pubs, r.dedup)
	pubs = processor.FilterRecent(pubs, r.now(), r.window, r.skew)
	rep.Processed = len(pubs)

	for _, pub := range pubs {
		if err := ctx.Err(); err != nil {
			rep.Duration = r.now().Sub(start)
			return rep, fmt.Errorf("reconcile interrupted: %w", err)
		}
		outcome, err := r.store.UpsertPublication(ctx, pub)
		if err != nil {
			rep.Failed++
			r.logger.Error().Err(err).Str("evt.name", "pipeline.record.failed").Str("title", pub.Title).Str("url", pub.URL).Msg("persist publication failed")
			continue
		}
		switch outcome {
		case storage.OutcomeCreated:
			rep.Created++
		case storage.OutcomeUpdated:
			rep.Updated++
		default:
			rep.Skipped++
		}
	}

	rep.Duration = r.now().Sub(start)
	r.logger.Info().
		Str("evt.name", "pipeline.run.done").
		Strs("cantons", cantons).
		Int("scraped", rep.Scraped).
		Int("invalid", rep.Invalid).
		Int("processed", rep.Processed).
		Int("created", rep.Created).
		Int("updated", rep.Updated).
		Int("skipped", rep.Skipped).
		Int("failed", rep.Failed).
		Dur("took", rep.Duration).
		Msg("scrape run finished")
	return rep, nil
}

func parseDuration(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
