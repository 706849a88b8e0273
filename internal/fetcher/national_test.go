package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"veille/internal/model"
)

func TestNationalPlatformScrapePaginates(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != defaultSearchPath {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query()["orderAddressCantons"]; len(got) != 1 || got[0] != "VD" {
			t.Errorf("unexpected cantons query %v", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("lastItem") {
		case "":
			fmt.Fprint(w, `{"projects":[
				{"id":"a1","projectNumber":"P1","title":{"de":"Dach","fr":"Réfection toiture"},"description":{"fr":"<p>Travaux de <b>toiture</b></p><p>Lot 1</p>"},"publicationDate":"2026-10-10","pubType":"tender","processType":"open","orderAddress":{"cantonId":"vd","city":{"fr":"Lausanne"}}},
				{"id":"a2","projectNumber":"P2","title":{"fr":"Route cantonale"},"publicationDate":"2026-10-09","pubType":"award","orderAddress":{"cantonId":"VD","city":{"fr":"Nyon"}}}
			],"pagination":{"lastItem":"cursor-1"}}`)
		case "cursor-1":
			fmt.Fprint(w, `{"projects":[
				{"id":"a3","projectNumber":"P3","title":{"fr":"Ancien projet"},"publicationDate":"2026-08-01","pubType":"tender","orderAddress":{"cantonId":"VD","city":{"fr":"Morges"}}}
			],"pagination":{"lastItem":"cursor-2"}}`)
		default:
			t.Errorf("unexpected page request %s", r.URL.RawQuery)
			fmt.Fprint(w, `{"projects":[]}`)
		}
	}))
	defer srv.Close()

	n := NewNationalPlatform(NationalConfig{BaseURL: srv.URL, MaxPages: 5, LookbackDays: 30}, srv.Client(), "", 0)
	n.now = func() time.Time { return now }

	pubs, err := n.Scrape(context.Background(), []string{" vd "})
	if err != nil {
		t.Fatalf("Scrape error: %v", err)
	}
	if len(pubs) != 2 {
		t.Fatalf("expected 2 publications, got %d", len(pubs))
	}
	if calls.Load() != 2 {
		t.Fatalf("expected pagination to stop after cutoff page, got %d calls", calls.Load())
	}

	first := pubs[0]
	if first.Title != "Réfection toiture" {
		t.Fatalf("expected french title, got %q", first.Title)
	}
	if first.Description != "Travaux de toiture\nLot 1" {
		t.Fatalf("expected stripped description, got %q", first.Description)
	}
	if first.Canton != "VD" || first.Commune != "Lausanne" {
		t.Fatalf("unexpected location %s/%s", first.Canton, first.Commune)
	}
	if first.Fields[model.MetaProjectNumber] != "P1" {
		t.Fatalf("expected project number P1, got %v", first.Fields[model.MetaProjectNumber])
	}
	if first.URL != srv.URL+"/publications/a1" {
		t.Fatalf("unexpected url %s", first.URL)
	}
	if first.Type != string(model.TypeOfficialPublication) {
		t.Fatalf("expected official-publication, got %s", first.Type)
	}
	if pubs[1].Type != string(model.TypeDecision) {
		t.Fatalf("expected award mapped to decision, got %s", pubs[1].Type)
	}
	if first.Source != model.SourceNationalPlatform {
		t.Fatalf("unexpected source %s", first.Source)
	}
}

func TestNationalPlatformReturnsErrorOnBadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewNationalPlatform(NationalConfig{BaseURL: srv.URL}, srv.Client(), "", 2)
	if _, err := n.Scrape(context.Background(), nil); err == nil {
		t.Fatalf("expected error on 403")
	}
}

func TestHTTPGetterRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	g := newHTTPGetter(srv.Client(), "test-agent", 2)
	g.delay = time.Millisecond

	body, err := g.get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("unexpected body %q", body)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestHTMLToText(t *testing.T) {
	t.Parallel()

	got := htmlToText("<div>Ligne 1<br>Ligne&nbsp;2</div><script>x()</script>")
	if got != "Ligne 1\nLigne 2" {
		t.Fatalf("unexpected text %q", got)
	}
	if htmlToText("  plain  ") != "plain" {
		t.Fatalf("plain text should be trimmed")
	}
}
