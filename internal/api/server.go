package api

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"veille/internal/model"
	"veille/internal/notifier"
	"veille/internal/pipeline"
	"veille/internal/scheduler"
	"veille/internal/storage"
	"veille/internal/subscription"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnauthenticated 表示请求未携带有效会话。
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden 表示用户不属于目标机构。
	ErrForbidden = errors.New("forbidden")
)

// Store 抽象公告读取接口。
type Store interface {
	ListPublications(ctx context.Context, q storage.PublicationQuery) ([]model.Publication, error)
	CountPublications(ctx context.Context, q storage.PublicationQuery) (int64, error)
}

// Jobs 抽象定时任务的手动触发接口。
type Jobs interface {
	RunScrape(ctx context.Context) (pipeline.Report, error)
	RunAlerts(ctx context.Context) (notifier.DispatchReport, error)
}

// Scraper 按指定州执行一次抓取。
type Scraper interface {
	Run(ctx context.Context, cantons []string) (pipeline.Report, error)
}

// Authorizer 校验会话及机构成员关系，返回 ErrUnauthenticated 或 ErrForbidden。
type Authorizer interface {
	Authorize(r *http.Request, organizationID string) error
}

// Subscriptions 读写机构的监控设置。
type Subscriptions interface {
	Save(ctx context.Context, req subscription.Request) (model.Subscription, error)
	Get(ctx context.Context, organizationID string) (*model.Subscription, error)
}

// Options 为可选配置。
type Options struct {
	CronSecret    string
	Authorizer    Authorizer
	Subscriptions Subscriptions
}

// ScrapeRequest 为按需抓取请求体。
type ScrapeRequest struct {
	OrganizationID string   `json:"organizationId"`
	Cantons        []string `json:"cantons"`
}

// ScrapeResponse 为抓取结果。
type ScrapeResponse struct {
	Success   bool `json:"success"`
	Scraped   int  `json:"scraped"`
	Processed int  `json:"processed"`
	Created   int  `json:"created"`
	Updated   int  `json:"updated"`
	Skipped   int  `json:"skipped"`
}

// AlertsResponse 为提醒调度结果。
type AlertsResponse struct {
	Success bool `json:"success"`
	notifier.DispatchReport
}

type server struct {
	store   Store
	jobs    Jobs
	scraper Scraper
	opts    Options
	logger  zerolog.Logger
}

// NewHandler 构造 HTTP 路由。
func NewHandler(store Store, jobs Jobs, scraper Scraper, opts Options) http.Handler {
	s := &server{
		store:   store,
		jobs:    jobs,
		scraper: scraper,
		opts:    opts,
		logger:  log.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/publications", s.listPublications)
		r.Post("/veille/scrape", s.scrapeOnDemand)
		r.Get("/veille/subscription", s.getSubscription)
		r.Put("/veille/subscription", s.saveSubscription)
		r.Group(func(r chi.Router) {
			r.Use(s.requireCronSecret)
			r.Post("/cron/veille", s.cronScrape)
			r.Post("/cron/alerts", s.cronAlerts)
		})
	})

	return r
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("evt.name", "http.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// requireCronSecret 校验 Authorization: Bearer <secret>；未配置密钥视为配置错误。
func (s *server) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.CronSecret == "" {
			s.logger.Error().Str("evt.name", "cron.secret.missing").Msg("cron secret not configured")
			writeError(w, http.StatusInternalServerError, "cron secret not configured")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.opts.CronSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) cronScrape(w http.ResponseWriter, r *http.Request) {
	rep, err := s.jobs.RunScrape(r.Context())
	if err != nil {
		s.writeJobError(w, "scrape", err)
		return
	}
	writeJSON(w, http.StatusOK, toScrapeResponse(rep))
}

func (s *server) cronAlerts(w http.ResponseWriter, r *http.Request) {
	rep, err := s.jobs.RunAlerts(r.Context())
	if err != nil {
		s.writeJobError(w, "alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, AlertsResponse{Success: true, DispatchReport: rep})
}

func (s *server) scrapeOnDemand(w http.ResponseWriter, r *http.Request) {
	if s.opts.Authorizer == nil || s.scraper == nil {
		writeError(w, http.StatusServiceUnavailable, "on-demand scrape disabled")
		return
	}

	var req ScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	req.OrganizationID = strings.TrimSpace(req.OrganizationID)
	cantons, ok := cleanCantons(req.Cantons)
	if req.OrganizationID == "" || !ok {
		writeError(w, http.StatusBadRequest, "organizationId and cantons are required")
		return
	}

	if !s.authorize(w, r, req.OrganizationID) {
		return
	}

	rep, err := s.scraper.Run(r.Context(), cantons)
	if err != nil {
		s.writeJobError(w, "scrape", err)
		return
	}
	writeJSON(w, http.StatusOK, toScrapeResponse(rep))
}

func (s *server) getSubscription(w http.ResponseWriter, r *http.Request) {
	if s.opts.Authorizer == nil || s.opts.Subscriptions == nil {
		writeError(w, http.StatusServiceUnavailable, "subscription settings disabled")
		return
	}
	org := strings.TrimSpace(r.URL.Query().Get("organizationId"))
	if org == "" {
		writeError(w, http.StatusBadRequest, "organizationId is required")
		return
	}
	if !s.authorize(w, r, org) {
		return
	}

	sub, err := s.opts.Subscriptions.Get(r.Context(), org)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		s.logger.Error().Err(err).Str("evt.name", "subscription.get.failed").Str("organization", org).Msg("load subscription failed")
		writeError(w, http.StatusInternalServerError, "load subscription failed")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *server) saveSubscription(w http.ResponseWriter, r *http.Request) {
	if s.opts.Authorizer == nil || s.opts.Subscriptions == nil {
		writeError(w, http.StatusServiceUnavailable, "subscription settings disabled")
		return
	}
	var req subscription.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	req.OrganizationID = strings.TrimSpace(req.OrganizationID)
	if req.OrganizationID == "" {
		writeError(w, http.StatusBadRequest, "organizationId is required")
		return
	}
	if !s.authorize(w, r, req.OrganizationID) {
		return
	}

	sub, err := s.opts.Subscriptions.Save(r.Context(), req)
	if err != nil {
		if errors.Is(err, subscription.ErrInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Str("evt.name", "subscription.save.failed").Str("organization", req.OrganizationID).Msg("save subscription failed")
		writeError(w, http.StatusInternalServerError, "save subscription failed")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// authorize 调用 Authorizer 并写出 401/403/500，通过时返回 true。
func (s *server) authorize(w http.ResponseWriter, r *http.Request, organizationID string) bool {
	err := s.opts.Authorizer.Authorize(r, organizationID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		s.logger.Error().Err(err).Str("evt.name", "authorize.failed").Msg("authorization check failed")
		writeError(w, http.StatusInternalServerError, "authorization failed")
	}
	return false
}

func (s *server) listPublications(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			if v > 100 {
				v = 100
			}
			limit = v
		}
	}
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}

	q := storage.PublicationQuery{Offset: (page - 1) * limit, Limit: limit + 1}
	if c := r.URL.Query().Get("canton"); c != "" {
		q.Cantons = strings.Split(c, ",")
	}

	pubs, err := s.store.ListPublications(r.Context(), q)
	if err != nil {
		s.logger.Error().Err(err).Str("evt.name", "publications.list.failed").Msg("list publications failed")
		writeError(w, http.StatusInternalServerError, "list publications failed")
		return
	}
	total, err := s.store.CountPublications(r.Context(), q)
	if err != nil {
		s.logger.Error().Err(err).Str("evt.name", "publications.count.failed").Msg("count publications failed")
		writeError(w, http.StatusInternalServerError, "list publications failed")
		return
	}

	hasMore := false
	if len(pubs) > limit {
		hasMore = true
		pubs = pubs[:limit]
	}

	w.Header().Set("X-Page", strconv.Itoa(page))
	w.Header().Set("X-Limit", strconv.Itoa(limit))
	w.Header().Set("X-Has-More", strconv.FormatBool(hasMore))
	w.Header().Set("X-Total", strconv.FormatInt(total, 10))
	writeJSON(w, http.StatusOK, pubs)
}

func (s *server) writeJobError(w http.ResponseWriter, job string, err error) {
	if errors.Is(err, scheduler.ErrJobRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Error().Err(err).Str("evt.name", "job.failed").Str("job", job).Msg("triggered job failed")
	writeError(w, http.StatusInternalServerError, job+" failed")
}

func toScrapeResponse(rep pipeline.Report) ScrapeResponse {
	return ScrapeResponse{
		Success:   true,
		Scraped:   rep.Scraped,
		Processed: rep.Processed,
		Created:   rep.Created,
		Updated:   rep.Updated,
		Skipped:   rep.Skipped,
	}
}

// cleanCantons 规范化州代码，列表为空或含非法代码时返回 false。
func cleanCantons(in []string) ([]string, bool) {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToUpper(strings.TrimSpace(c))
		if len(c) != 2 {
			return nil, false
		}
		out = append(out, c)
	}
	return out, len(out) > 0
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
