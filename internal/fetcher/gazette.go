package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"veille/internal/textnorm"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GazetteKind 区分公报发布形式。
type GazetteKind string

const (
	GazettePDF  GazetteKind = "pdf"
	GazetteHTML GazetteKind = "html"
)

// GazetteConfig 配置一个州/市公报来源。
type GazetteConfig struct {
	Name            string      `yaml:"name" json:"name"`
	Canton          string      `yaml:"canton" json:"canton"`
	Kind            GazetteKind `yaml:"kind" json:"kind"`
	ListingURL      string      `yaml:"listing_url" json:"listing_url"`
	DefaultCommune  string      `yaml:"default_commune" json:"default_commune"`
	MaxDocuments    int         `yaml:"max_documents" json:"max_documents"`
	LinkSelector    string      `yaml:"link_selector" json:"link_selector"`
	ItemSelector    string      `yaml:"item_selector" json:"item_selector"`
	TitleSelector   string      `yaml:"title_selector" json:"title_selector"`
	DateSelector    string      `yaml:"date_selector" json:"date_selector"`
	CommuneSelector string      `yaml:"commune_selector" json:"commune_selector"`
	ExcerptSelector string      `yaml:"excerpt_selector" json:"excerpt_selector"`
}

// Gazette 抓取州/市公报：pdf 类型下载列表页中的文档并解析，html 类型直接读取列表条目。
type Gazette struct {
	cfg     GazetteConfig
	listing *url.URL
	get     *httpGetter
	extract func([]byte) (string, error)
	logger  zerolog.Logger
}

// NewGazette 创建公报适配器。
func NewGazette(cfg GazetteConfig, client *http.Client, userAgent string, retries int) (*Gazette, error) {
	cfg.Canton = strings.ToUpper(strings.TrimSpace(cfg.Canton))
	if cfg.Canton == "" {
		return nil, fmt.Errorf("gazette %q: canton required", cfg.Name)
	}
	listing, err := url.Parse(strings.TrimSpace(cfg.ListingURL))
	if err != nil || listing.Host == "" {
		return nil, fmt.Errorf("gazette %q: invalid listing url %q", cfg.Name, cfg.ListingURL)
	}
	if cfg.Name == "" {
		cfg.Name = "gazette-" + strings.ToLower(cfg.Canton)
	}
	if cfg.Kind == "" {
		cfg.Kind = GazettePDF
	}
	if cfg.Kind != GazettePDF && cfg.Kind != GazetteHTML {
		return nil, fmt.Errorf("gazette %q: unsupported kind %q", cfg.Name, cfg.Kind)
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = 5
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = `a[href$=".pdf"]`
	}
	if cfg.Kind == GazetteHTML && cfg.ItemSelector == "" {
		return nil, fmt.Errorf("gazette %q: item_selector required for html kind", cfg.Name)
	}
	return &Gazette{
		cfg:     cfg,
		listing: listing,
		get:     newHTTPGetter(client, userAgent, retries),
		extract: extractPDFText,
		logger:  log.With().Str("component", "fetcher").Str("adapter", cfg.Name).Logger(),
	}, nil
}

// Name 返回来源标识。
func (g *Gazette) Name() string {
	return g.cfg.Name
}

// Canton 返回公报所属州。
func (g *Gazette) Canton() string {
	return g.cfg.Canton
}

// Scrape 仅在请求范围包含本州时抓取。
func (g *Gazette) Scrape(ctx context.Context, cantons []string) ([]RawPublication, error) {
	if !inScope(normalizeCantons(cantons), g.cfg.Canton) {
		return nil, nil
	}

	body, err := g.get.get(ctx, g.listing.String())
	if err != nil {
		return nil, fmt.Errorf("listing: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	if g.cfg.Kind == GazetteHTML {
		pubs := g.parseListingItems(doc)
		g.logger.Info().Str("evt.name", "gazette.scrape.done").Int("total", len(pubs)).Msg("scrape done")
		return pubs, nil
	}

	docs := g.documentLinks(doc)
	pubs := make([]RawPublication, 0)
	for _, info := range docs {
		data, err := g.get.get(ctx, info.URL)
		if err != nil {
			if ctx.Err() != nil {
				return pubs, ctx.Err()
			}
			g.logger.Warn().Err(err).Str("evt.name", "gazette.document.fetch_failed").Str("url", info.URL).Msg("skip document")
			continue
		}
		text, err := g.extract(data)
		if err != nil {
			g.logger.Warn().Err(err).Str("evt.name", "gazette.document.parse_failed").Str("url", info.URL).Msg("skip document")
			continue
		}
		parsed := ParseGazetteText(text, info)
		g.logger.Debug().Str("evt.name", "gazette.document.parsed").Str("url", info.URL).Int("entries", len(parsed)).Msg("document parsed")
		pubs = append(pubs, parsed...)
	}

	g.logger.Info().Str("evt.name", "gazette.scrape.done").Int("documents", len(docs)).Int("total", len(pubs)).Msg("scrape done")
	return pubs, nil
}

// documentLinks 从列表页收集文档链接，日期取自链接文本或其父节点文本。
func (g *Gazette) documentLinks(doc *goquery.Document) []DocumentInfo {
	infos := make([]DocumentInfo, 0)
	seen := make(map[string]struct{})
	doc.Find(g.cfg.LinkSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok {
			return true
		}
		abs := g.resolve(href)
		if abs == "" {
			return true
		}
		if _, dup := seen[abs]; dup {
			return true
		}
		seen[abs] = struct{}{}

		published := findDate(s.Text())
		if published.IsZero() {
			published = findDate(s.Parent().Text())
		}
		infos = append(infos, DocumentInfo{
			Source:         g.cfg.Name,
			Canton:         g.cfg.Canton,
			URL:            abs,
			PublishedAt:    published,
			DefaultCommune: g.cfg.DefaultCommune,
		})
		return len(infos) < g.cfg.MaxDocuments
	})
	return infos
}

func (g *Gazette) parseListingItems(doc *goquery.Document) []RawPublication {
	pubs := make([]RawPublication, 0)
	doc.Find(g.cfg.ItemSelector).Each(func(i int, item *goquery.Selection) {
		title := selectText(item, g.cfg.TitleSelector)
		link := item.Find("a[href]").First()
		if g.cfg.TitleSelector != "" {
			if l := item.Find(g.cfg.TitleSelector).Find("a[href]").First(); l.Length() > 0 {
				link = l
			}
		}
		href, _ := link.Attr("href")
		if title == "" {
			title = strings.TrimSpace(link.Text())
		}
		abs := g.resolve(href)
		if title == "" || abs == "" {
			return
		}

		commune := selectText(item, g.cfg.CommuneSelector)
		if commune == "" {
			commune = g.cfg.DefaultCommune
		}
		excerpt := selectText(item, g.cfg.ExcerptSelector)
		published := findDate(selectText(item, g.cfg.DateSelector))
		if published.IsZero() {
			published = findDate(item.Text())
		}

		pubs = append(pubs, RawPublication{
			Source:      g.cfg.Name,
			Title:       title,
			Description: excerpt,
			URL:         abs,
			Commune:     titleIfUpper(commune),
			Canton:      g.cfg.Canton,
			Type:        string(InferType(title + "\n" + excerpt)),
			PublishedAt: published,
			Fields: map[string]any{
				"listingUrl":  g.listing.String(),
				"listingRank": i + 1,
			},
		})
	})
	return pubs
}

func (g *Gazette) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(textnorm.Fold(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return g.listing.ResolveReference(ref).String()
}

func selectText(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.Join(strings.Fields(s.Find(selector).First().Text()), " ")
}
