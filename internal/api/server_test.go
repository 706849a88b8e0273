package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"veille/internal/model"
	"veille/internal/notifier"
	"veille/internal/pipeline"
	"veille/internal/scheduler"
	"veille/internal/storage"
	"veille/internal/subscription"
)

func TestHealth(t *testing.T) {
	t.Parallel()

	h := NewHandler(&stubStore{}, &stubJobs{}, nil, Options{})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestListPublications(t *testing.T) {
	t.Parallel()

	st := &stubStore{pubs: []model.Publication{{Title: "A"}, {Title: "B"}, {Title: "C"}}, total: 7}
	h := NewHandler(st, &stubJobs{}, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/publications?limit=2&page=2&canton=VD,ge", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if st.last.Offset != 2 || st.last.Limit != 3 {
		t.Fatalf("unexpected query: %+v", st.last)
	}
	if len(st.last.Cantons) != 2 {
		t.Fatalf("expected 2 cantons in query, got %v", st.last.Cantons)
	}
	if w.Header().Get("X-Has-More") != "true" || w.Header().Get("X-Total") != "7" {
		t.Fatalf("unexpected headers: %v", w.Header())
	}
	var got []model.Publication
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 publications, got %d", len(got))
	}
}

func TestCronVeille(t *testing.T) {
	t.Parallel()

	jobs := &stubJobs{report: pipeline.Report{Scraped: 10, Processed: 8, Created: 5, Updated: 1, Skipped: 2}}
	h := NewHandler(&stubStore{}, jobs, nil, Options{CronSecret: "s3cret"})

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong secret", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "Basic s3cret", http.StatusUnauthorized},
		{"ok", "Bearer s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/cron/veille", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, w.Code)
		}
	}
	if jobs.scrapes != 1 {
		t.Fatalf("expected exactly one scrape, got %d", jobs.scrapes)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/cron/veille", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var resp ScrapeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := ScrapeResponse{Success: true, Scraped: 10, Processed: 8, Created: 5, Updated: 1, Skipped: 2}
	if resp != want {
		t.Fatalf("response = %+v, want %+v", resp, want)
	}
}

func TestCronWithoutSecretIsConfigurationError(t *testing.T) {
	t.Parallel()

	jobs := &stubJobs{}
	h := NewHandler(&stubStore{}, jobs, nil, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/cron/veille", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"error"`) {
		t.Fatalf("expected error body, got %s", w.Body.String())
	}
	if jobs.scrapes != 0 {
		t.Fatalf("expected no scrape attempted")
	}
}

func TestCronAlertsAndConflict(t *testing.T) {
	t.Parallel()

	jobs := &stubJobs{alerts: notifier.DispatchReport{Subscriptions: 4, Sent: 2, Skipped: 1, Failed: 1}}
	h := NewHandler(&stubStore{}, jobs, nil, Options{CronSecret: "s3cret"})

	req := httptest.NewRequest(http.MethodPost, "/api/cron/alerts", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["success"] != true || body["sent"] != float64(2) || body["failed"] != float64(1) {
		t.Fatalf("unexpected body: %v", body)
	}

	jobs.err = fmt.Errorf("scrape: %w", scheduler.ErrJobRunning)
	req = httptest.NewRequest(http.MethodPost, "/api/cron/veille", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while running, got %d", w.Code)
	}
}

func TestScrapeOnDemand(t *testing.T) {
	t.Parallel()

	authz := &stubAuthorizer{members: map[string]string{"alice": "org-1"}}
	scraper := &stubScraper{report: pipeline.Report{Scraped: 3, Processed: 3, Created: 3}}
	h := NewHandler(&stubStore{}, &stubJobs{}, scraper, Options{Authorizer: authz})

	cases := []struct {
		name   string
		user   string
		body   string
		status int
	}{
		{"bad json", "alice", `{`, http.StatusBadRequest},
		{"missing org", "alice", `{"cantons":["VD"]}`, http.StatusBadRequest},
		{"missing cantons", "alice", `{"organizationId":"org-1"}`, http.StatusBadRequest},
		{"bad canton", "alice", `{"organizationId":"org-1","cantons":["Vaud"]}`, http.StatusBadRequest},
		{"anonymous", "", `{"organizationId":"org-1","cantons":["VD"]}`, http.StatusUnauthorized},
		{"not a member", "alice", `{"organizationId":"org-2","cantons":["VD"]}`, http.StatusForbidden},
		{"ok", "alice", `{"organizationId":"org-1","cantons":["vd","FR"]}`, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/veille/scrape", strings.NewReader(tc.body))
		if tc.user != "" {
			req.Header.Set("X-User", tc.user)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, w.Code, w.Body.String())
		}
	}
	if scraper.calls != 1 {
		t.Fatalf("expected one scrape, got %d", scraper.calls)
	}
	if strings.Join(scraper.cantons, ",") != "VD,FR" {
		t.Fatalf("expected normalized cantons, got %v", scraper.cantons)
	}
}

func TestScrapeOnDemandDisabledWithoutAuthorizer(t *testing.T) {
	t.Parallel()

	h := NewHandler(&stubStore{}, &stubJobs{}, &stubScraper{}, Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/veille/scrape", strings.NewReader(`{"organizationId":"org-1","cantons":["VD"]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestInternalErrorsAreNotExposed(t *testing.T) {
	t.Parallel()

	const detail = "database is locked: /srv/veille/data/veille.db"
	store := &stubStore{err: errors.New(detail)}
	jobs := &stubJobs{err: errors.New(detail)}
	subs := &stubSubscriptions{getErr: errors.New(detail)}
	authz := &stubAuthorizer{members: map[string]string{"alice": "org-1"}}
	h := NewHandler(store, jobs, nil, Options{CronSecret: "s3cret", Authorizer: authz, Subscriptions: subs})

	settingsReq := httptest.NewRequest(http.MethodGet, "/api/veille/subscription?organizationId=org-1", nil)
	settingsReq.Header.Set("X-User", "alice")
	settings := httptest.NewRecorder()
	h.ServeHTTP(settings, settingsReq)

	list := httptest.NewRecorder()
	h.ServeHTTP(list, httptest.NewRequest(http.MethodGet, "/api/publications", nil))

	cronReq := httptest.NewRequest(http.MethodPost, "/api/cron/veille", nil)
	cronReq.Header.Set("Authorization", "Bearer s3cret")
	cron := httptest.NewRecorder()
	h.ServeHTTP(cron, cronReq)

	for name, w := range map[string]*httptest.ResponseRecorder{"publications": list, "cron": cron, "settings": settings} {
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("%s: expected 500, got %d", name, w.Code)
		}
		if strings.Contains(w.Body.String(), "database is locked") {
			t.Fatalf("%s: internal error leaked to client: %s", name, w.Body.String())
		}
		if !strings.Contains(w.Body.String(), `"error"`) {
			t.Fatalf("%s: expected error body, got %s", name, w.Body.String())
		}
	}
}

// --- stubs ---

type stubStore struct {
	pubs  []model.Publication
	total int64
	last  storage.PublicationQuery
	err   error
}

func (s *stubStore) ListPublications(_ context.Context, q storage.PublicationQuery) ([]model.Publication, error) {
	s.last = q
	if s.err != nil {
		return nil, s.err
	}
	if q.Limit > 0 && len(s.pubs) > q.Limit {
		return s.pubs[:q.Limit], nil
	}
	return s.pubs, nil
}

func (s *stubStore) CountPublications(context.Context, storage.PublicationQuery) (int64, error) {
	return s.total, nil
}

type stubJobs struct {
	report  pipeline.Report
	alerts  notifier.DispatchReport
	err     error
	scrapes int
}

func (s *stubJobs) RunScrape(context.Context) (pipeline.Report, error) {
	s.scrapes++
	return s.report, s.err
}

func (s *stubJobs) RunAlerts(context.Context) (notifier.DispatchReport, error) {
	return s.alerts, s.err
}

type stubScraper struct {
	report  pipeline.Report
	calls   int
	cantons []string
}

func (s *stubScraper) Run(_ context.Context, cantons []string) (pipeline.Report, error) {
	s.calls++
	s.cantons = cantons
	return s.report, nil
}

type stubAuthorizer struct {
	members map[string]string
}

func (a *stubAuthorizer) Authorize(r *http.Request, organizationID string) error {
	user := r.Header.Get("X-User")
	if user == "" {
		return ErrUnauthenticated
	}
	if a.members[user] != organizationID {
		return ErrForbidden
	}
	return nil
}

func TestSubscriptionSettings(t *testing.T) {
	t.Parallel()

	subs := &stubSubscriptions{}
	authz := &stubAuthorizer{members: map[string]string{"alice": "org-1"}}
	h := NewHandler(&stubStore{}, &stubJobs{}, nil, Options{Authorizer: authz, Subscriptions: subs})

	do := func(method, target, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("X-User", "alice")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	if w := do(http.MethodGet, "/api/veille/subscription?organizationId=org-1", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before save, got %d", w.Code)
	}
	if w := do(http.MethodPut, "/api/veille/subscription", `{"organizationId":"org-1","cantons":["XX1"]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid settings, got %d", w.Code)
	}
	if w := do(http.MethodPut, "/api/veille/subscription", `{"organizationId":"org-2","cantons":["VD"]}`); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign organization, got %d", w.Code)
	}
	if w := do(http.MethodPut, "/api/veille/subscription", `{"organizationId":"org-1","cantons":["VD"]}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on save, got %d (%s)", w.Code, w.Body.String())
	}
	w := do(http.MethodGet, "/api/veille/subscription?organizationId=org-1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"organization_id":"org-1"`) {
		t.Fatalf("expected saved subscription, got %d %s", w.Code, w.Body.String())
	}
}

type stubSubscriptions struct {
	saved  *model.Subscription
	getErr error
}

func (s *stubSubscriptions) Save(_ context.Context, req subscription.Request) (model.Subscription, error) {
	for _, c := range req.Cantons {
		if len(c) != 2 {
			return model.Subscription{}, fmt.Errorf("%w: invalid canton %s", subscription.ErrInvalid, c)
		}
	}
	sub := model.Subscription{OrganizationID: req.OrganizationID, Active: true}
	s.saved = &sub
	return sub, nil
}

func (s *stubSubscriptions) Get(context.Context, string) (*model.Subscription, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.saved == nil {
		return nil, sql.ErrNoRows
	}
	return s.saved, nil
}
