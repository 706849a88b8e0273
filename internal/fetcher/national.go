package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"veille/internal/model"
	"veille/internal/textnorm"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html"
)

// NationalConfig 配置全国招标平台。
type NationalConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	BaseURL      string `yaml:"base_url" json:"base_url"`
	SearchPath   string `yaml:"search_path" json:"search_path"`
	MaxPages     int    `yaml:"max_pages" json:"max_pages"`
	LookbackDays int    `yaml:"lookback_days" json:"lookback_days"`
}

const (
	defaultNationalBaseURL = "https://www.simap.ch"
	defaultSearchPath      = "/api/publications/v2/project/project-search"
)

// 多语言字段的取值顺序。
var languageOrder = []string{"fr", "de", "it", "en"}

// NationalPlatform 抓取全国平台的项目检索接口。
// 平台后台会为同一项目轮换 URL，项目编号保持稳定，写入 Fields["projectNumber"]。
type NationalPlatform struct {
	cfg    NationalConfig
	get    *httpGetter
	now    func() time.Time
	logger zerolog.Logger
}

// NewNationalPlatform 创建全国平台适配器。
func NewNationalPlatform(cfg NationalConfig, client *http.Client, userAgent string, retries int) *NationalPlatform {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultNationalBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.SearchPath) == "" {
		cfg.SearchPath = defaultSearchPath
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 30
	}
	return &NationalPlatform{
		cfg:    cfg,
		get:    newHTTPGetter(client, userAgent, retries),
		now:    time.Now,
		logger: log.With().Str("component", "fetcher").Str("adapter", model.SourceNationalPlatform).Logger(),
	}
}

// Name 返回来源标识。
func (n *NationalPlatform) Name() string {
	return model.SourceNationalPlatform
}

// Scrape 按游标分页抓取，遇到超出回看窗口的记录或游标结束时停止。
func (n *NationalPlatform) Scrape(ctx context.Context, cantons []string) ([]RawPublication, error) {
	cantons = normalizeCantons(cantons)
	cutoff := n.now().AddDate(0, 0, -n.cfg.LookbackDays)

	pubs := make([]RawPublication, 0)
	seen := make(map[string]struct{})
	cursor := ""

	n.logger.Debug().Str("evt.name", "national.scrape.start").Strs("cantons", cantons).Time("cutoff", cutoff).Msg("start scrape")

	for page := 1; page <= n.cfg.MaxPages; page++ {
		pageURL, err := n.buildSearchURL(cantons, cutoff, cursor)
		if err != nil {
			return nil, fmt.Errorf("build url: %w", err)
		}

		body, err := n.get.get(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		if !gjson.ValidBytes(body) {
			return nil, fmt.Errorf("page %d: invalid json", page)
		}

		doc := gjson.ParseBytes(body)
		projects := doc.Get("projects").Array()
		reachedCutoff := false
		for _, p := range projects {
			raw, ok := n.toRaw(p)
			if !ok {
				continue
			}
			if raw.PublishedAt.Before(cutoff) {
				reachedCutoff = true
				continue
			}
			if !inScope(cantons, raw.Canton) {
				continue
			}
			key := raw.Fields[model.MetaProjectNumber].(string) + "|" + raw.URL
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			pubs = append(pubs, raw)
		}

		n.logger.Debug().Str("evt.name", "national.scrape.page").Int("page", page).Int("items", len(projects)).Int("cumulative", len(pubs)).Msg("page parsed")

		next := strings.TrimSpace(doc.Get("pagination.lastItem").String())
		if len(projects) == 0 || next == "" || next == cursor || reachedCutoff {
			break
		}
		cursor = next
	}

	n.logger.Info().Str("evt.name", "national.scrape.done").Int("total", len(pubs)).Msg("scrape done")
	return pubs, nil
}

func (n *NationalPlatform) buildSearchURL(cantons []string, cutoff time.Time, cursor string) (string, error) {
	base, err := url.Parse(n.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base: %w", err)
	}
	full, err := base.Parse(n.cfg.SearchPath)
	if err != nil {
		return "", fmt.Errorf("parse path: %w", err)
	}
	q := full.Query()
	for _, c := range cantons {
		q.Add("orderAddressCantons", c)
	}
	q.Set("newestPublicationFrom", cutoff.Format("2006-01-02"))
	if cursor != "" {
		q.Set("lastItem", cursor)
	}
	full.RawQuery = q.Encode()
	return full.String(), nil
}

func (n *NationalPlatform) toRaw(p gjson.Result) (RawPublication, bool) {
	projectNumber := strings.TrimSpace(p.Get("projectNumber").String())
	id := strings.TrimSpace(p.Get("id").String())
	if projectNumber == "" && id == "" {
		return RawPublication{}, false
	}

	published, ok := parsePlatformDate(p.Get("publicationDate").String())
	if !ok {
		return RawPublication{}, false
	}

	pubType := strings.TrimSpace(p.Get("pubType").String())
	typ := model.ParseType(textnorm.Fold(pubType))
	if typ == model.TypeOther {
		typ = model.TypeOfficialPublication
	}

	fields := map[string]any{
		model.MetaProjectNumber: projectNumber,
		"projectId":             id,
		"processType":           p.Get("processType").String(),
		"projectSubType":        p.Get("projectSubType").String(),
		"pubType":               pubType,
	}
	if v := p.Get("procOfficeName"); v.Exists() {
		fields["procOfficeName"] = pickLanguage(v)
	}

	link := n.cfg.BaseURL + "/publications/" + url.PathEscape(id)
	if id == "" {
		link = n.cfg.BaseURL + "/projects/" + url.PathEscape(projectNumber)
	}

	return RawPublication{
		Source:      model.SourceNationalPlatform,
		Title:       pickLanguage(p.Get("title")),
		Description: htmlToText(pickLanguage(p.Get("description"))),
		URL:         link,
		Commune:     pickLanguage(p.Get("orderAddress.city")),
		Canton:      strings.ToUpper(p.Get("orderAddress.cantonId").String()),
		Type:        string(typ),
		PublishedAt: published,
		Fields:      fields,
	}, true
}

// pickLanguage 按语言顺序取多语言对象的第一个非空值，普通字符串直接返回。
func pickLanguage(v gjson.Result) string {
	if !v.Exists() {
		return ""
	}
	if !v.IsObject() {
		return strings.TrimSpace(v.String())
	}
	for _, lang := range languageOrder {
		if s := strings.TrimSpace(v.Get(lang).String()); s != "" {
			return s
		}
	}
	return ""
}

func parsePlatformDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// htmlToText 去除描述中的标记，块级元素之间保留换行。
func htmlToText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	node, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode:
			switch n.Data {
			case "br", "p", "div", "li", "tr":
				b.WriteString("\n")
			case "script", "style":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)

	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
