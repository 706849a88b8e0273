package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Outcome 记录单个适配器的执行结果。
type Outcome struct {
	Adapter  string
	Count    int
	Err      error
	Duration time.Duration
}

// AggregatorOptions 控制并发与超时。
type AggregatorOptions struct {
	// Timeout 为单个适配器的超时，<=0 时默认 2 分钟；嵌套的 Aggregator 不受此限制。
	Timeout     time.Duration
	MaxParallel int
}

// Aggregator 并发调用子适配器并按配置顺序拼接结果。
// 单个适配器失败或超时只记录日志，该适配器本轮结果为空。
type Aggregator struct {
	name     string
	adapters []Adapter
	timeout  time.Duration
	limit    int
	logger   zerolog.Logger
}

var _ Adapter = (*Aggregator)(nil)

// NewAggregator 创建聚合器。
func NewAggregator(name string, adapters []Adapter, opts AggregatorOptions) *Aggregator {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = len(adapters)
	}
	return &Aggregator{
		name:     name,
		adapters: adapters,
		timeout:  opts.Timeout,
		limit:    opts.MaxParallel,
		logger:   log.With().Str("component", "fetcher").Str("aggregator", name).Logger(),
	}
}

// Name 返回聚合器名称。
func (a *Aggregator) Name() string {
	return a.name
}

// Scrape 实现 Adapter，从不返回错误。
func (a *Aggregator) Scrape(ctx context.Context, cantons []string) ([]RawPublication, error) {
	pubs, _ := a.ScrapeDetailed(ctx, cantons)
	return pubs, nil
}

// ScrapeDetailed 返回拼接结果与每个适配器的执行情况。
func (a *Aggregator) ScrapeDetailed(ctx context.Context, cantons []string) ([]RawPublication, []Outcome) {
	results := make([][]RawPublication, len(a.adapters))
	outcomes := make([]Outcome, len(a.adapters))

	var g errgroup.Group
	if a.limit > 0 {
		g.SetLimit(a.limit)
	}
	for i, ad := range a.adapters {
		i, ad := i, ad
		g.Go(func() error {
			start := time.Now()
			pubs, err := a.runAdapter(ctx, ad, cantons)
			outcomes[i] = Outcome{Adapter: ad.Name(), Err: err, Duration: time.Since(start)}
			if err != nil {
				a.logger.Error().Err(err).Str("evt.name", "aggregator.adapter.failed").Str("adapter", ad.Name()).Dur("took", outcomes[i].Duration).Msg("adapter failed, result discarded")
				return nil
			}
			results[i] = pubs
			outcomes[i].Count = len(pubs)
			a.logger.Info().Str("evt.name", "aggregator.adapter.done").Str("adapter", ad.Name()).Int("count", len(pubs)).Dur("took", outcomes[i].Duration).Msg("adapter done")
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, r := range results {
		total += len(r)
	}
	merged := make([]RawPublication, 0, total)
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged, outcomes
}

type scrapeResult struct {
	pubs []RawPublication
	err  error
}

// runAdapter 在超时内执行适配器；不响应 ctx 的适配器同样按超时处理。
func (a *Aggregator) runAdapter(ctx context.Context, ad Adapter, cantons []string) ([]RawPublication, error) {
	actx := ctx
	if _, nested := ad.(*Aggregator); !nested {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	done := make(chan scrapeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- scrapeResult{err: fmt.Errorf("adapter %s panic: %v", ad.Name(), r)}
			}
		}()
		pubs, err := ad.Scrape(actx, cantons)
		done <- scrapeResult{pubs: pubs, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("adapter %s: %w", ad.Name(), res.err)
		}
		return res.pubs, nil
	case <-actx.Done():
		return nil, fmt.Errorf("adapter %s: %w", ad.Name(), actx.Err())
	}
}
