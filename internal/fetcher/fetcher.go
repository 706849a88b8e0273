package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/samber/lo"
)

// Config 定义抓取配置。
type Config struct {
	AdapterTimeout string          `yaml:"adapter_timeout" json:"adapter_timeout"`
	MaxParallel    int             `yaml:"max_parallel" json:"max_parallel"`
	UserAgent      string          `yaml:"user_agent" json:"user_agent"`
	Retries        int             `yaml:"retries" json:"retries"`
	National       NationalConfig  `yaml:"national" json:"national"`
	Gazettes       []GazetteConfig `yaml:"gazettes" json:"gazettes"`
}

// Adapter 为数据源统一接口，每个实现自行负责抓取、分页与错误收敛。
type Adapter interface {
	Name() string
	Scrape(ctx context.Context, cantons []string) ([]RawPublication, error)
}

// RawPublication 为适配器输出的原始记录，尚未归一化。
// Fields 保存来源相关字段，归一化时原样进入 metadata。
type RawPublication struct {
	Source      string
	Title       string
	Description string
	URL         string
	Commune     string
	Canton      string
	Type        string
	PublishedAt time.Time
	Fields      map[string]any
}

const (
	defaultUserAgent = "veille/1.0 (+publication monitor)"
	maxBodyBytes     = 32 << 20
)

// httpGetter 封装带重试的 GET，5xx 与 429 视为暂时性错误。
type httpGetter struct {
	client    *http.Client
	userAgent string
	attempts  uint
	delay     time.Duration
}

func newHTTPGetter(client *http.Client, userAgent string, retries int) *httpGetter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	if retries < 0 {
		retries = 0
	}
	return &httpGetter{client: client, userAgent: userAgent, attempts: uint(retries) + 1, delay: 500 * time.Millisecond}
}

func (h *httpGetter) get(ctx context.Context, rawURL string) ([]byte, error) {
	var body []byte
	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("new request: %w", err))
		}
		req.Header.Set("User-Agent", h.userAgent)

		resp, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("http get: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return retry.Unrecoverable(fmt.Errorf("unexpected status %d", resp.StatusCode))
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		body = data
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(h.attempts),
		retry.Delay(h.delay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	return body, nil
}

// normalizeCantons 去空、转大写、去重。
func normalizeCantons(cantons []string) []string {
	clean := make([]string, 0, len(cantons))
	for _, c := range cantons {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		clean = append(clean, c)
	}
	return lo.Uniq(clean)
}

// inScope 判断 canton 是否在请求范围内，范围为空表示全部。
func inScope(cantons []string, canton string) bool {
	if len(cantons) == 0 {
		return true
	}
	return lo.Contains(cantons, strings.ToUpper(strings.TrimSpace(canton)))
}

// NewFromConfig 按配置组装适配器：全国平台与各州公报聚合器并列于顶层聚合器下。
func NewFromConfig(cfg Config, client *http.Client) (*Aggregator, error) {
	timeout := 2 * time.Minute
	if cfg.AdapterTimeout != "" {
		d, err := time.ParseDuration(cfg.AdapterTimeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid adapter_timeout %q", cfg.AdapterTimeout)
		}
		timeout = d
	}
	opts := AggregatorOptions{Timeout: timeout, MaxParallel: cfg.MaxParallel}

	adapters := make([]Adapter, 0, 2)
	if cfg.National.Enabled {
		adapters = append(adapters, NewNationalPlatform(cfg.National, client, cfg.UserAgent, cfg.Retries))
	}

	gazettes := make([]Adapter, 0, len(cfg.Gazettes))
	for _, gc := range cfg.Gazettes {
		g, err := NewGazette(gc, client, cfg.UserAgent, cfg.Retries)
		if err != nil {
			return nil, err
		}
		gazettes = append(gazettes, g)
	}
	if len(gazettes) > 0 {
		adapters = append(adapters, NewAggregator("cantonal", gazettes, opts))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no source adapters configured")
	}
	return NewAggregator("sources", adapters, opts), nil
}
