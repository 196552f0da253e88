package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/mirrorrank/internal/catalog"
	"github.com/BadgerOps/mirrorrank/internal/config"
	"github.com/BadgerOps/mirrorrank/internal/engine"
	"github.com/BadgerOps/mirrorrank/internal/mirror"
	"github.com/BadgerOps/mirrorrank/internal/mirrorlist"
	"github.com/BadgerOps/mirrorrank/internal/probe"
	"github.com/BadgerOps/mirrorrank/internal/store"
)

type stubFetcher struct {
	records []mirror.Record
	err     error
}

func (f *stubFetcher) Fetch(context.Context, string, time.Duration) ([]mirror.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

// latencyProber reports a fixed latency per URL; unknown URLs fail.
type latencyProber map[string]time.Duration

func (p latencyProber) Sample(ctx context.Context, rec *mirror.Record) (probe.Sample, error) {
	lat, ok := p[rec.URL]
	if !ok {
		return probe.Sample{}, &probe.ProbeError{Status: mirror.StatusConnectionError, Err: errors.New("refused")}
	}
	return probe.Sample{Latency: lat, Bytes: 1 << 20, Elapsed: time.Second}, nil
}

func (p latencyProber) LatencyOnly(*mirror.Record) bool { return false }

type testEnv struct {
	srv     *Server
	fetcher *stubFetcher
	store   *store.Store
	cfg     *config.Config
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(":memory:", logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("failed to close store: %v", err)
		}
	})

	cfg := config.DefaultConfig()
	cfg.Output.Target = filepath.Join(t.TempDir(), "mirrorlist")
	cfg.GeoIP.Enabled = false

	fetcher := &stubFetcher{records: []mirror.Record{
		{URL: "https://slow.example/", CountryCode: "US", Protocol: mirror.ProtocolHTTPS, Active: true},
		{URL: "https://fast.example/", CountryCode: "DE", Protocol: mirror.ProtocolHTTPS, Active: true},
		{URL: "https://dead.example/", CountryCode: "DE", Protocol: mirror.ProtocolHTTPS, Active: true},
		{URL: "http://plain.example/", CountryCode: "DE", Protocol: mirror.ProtocolHTTP, Active: false},
	}}
	prober := latencyProber{
		"https://slow.example/": 400 * time.Millisecond,
		"https://fast.example/": 20 * time.Millisecond,
	}
	pipeline := engine.NewPipeline(fetcher, probe.NewEngine(prober, logger), mirrorlist.NewWriter(logger), logger,
		engine.WithHistory(st))

	return &testEnv{
		srv:     NewServer(pipeline, fetcher, st, cfg, logger),
		fetcher: fetcher,
		store:   st,
		cfg:     cfg,
	}
}

func (e *testEnv) do(method, target string, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body["error"]
}

func TestHandleAPIMirrors(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		query string
		want  int
	}{
		{"", 4},
		{"?country=de", 3},
		{"?country=DE&active=true", 2},
		{"?protocol=http", 1},
		{"?country=US,DE&protocol=https", 3},
		{"?country=JP", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := env.do("GET", "/api/mirrors"+tt.query, "")
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			var resp MirrorsResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Count != tt.want || len(resp.Mirrors) != tt.want {
				t.Errorf("count = %d (%d mirrors), want %d", resp.Count, len(resp.Mirrors), tt.want)
			}
		})
	}
}

func TestHandleAPIMirrorsBadRequest(t *testing.T) {
	env := setupTestServer(t)

	for _, q := range []string{"?protocol=gopher", "?active=maybe"} {
		w := env.do("GET", "/api/mirrors"+q, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestHandleAPIMirrorsFetchFailure(t *testing.T) {
	env := setupTestServer(t)
	env.fetcher.err = &catalog.FetchError{Kind: catalog.NetworkFailure, URL: "x", Err: errors.New("503 Service Unavailable")}

	w := env.do("GET", "/api/mirrors", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if msg := decodeError(t, w); !strings.Contains(msg, "503") {
		t.Errorf("unexpected error message %q", msg)
	}
}

func TestHandleAPIRank(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("POST", "/api/rank", `{"countries":["US","DE"],"max_mirrors":1,"mode":"delay"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var report engine.Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if report.Candidates != 3 {
		t.Errorf("candidates = %d, want 3", report.Candidates)
	}
	if len(report.Summary.Ranked) != 2 || report.Summary.ExcludedCount != 1 {
		t.Errorf("ranked=%d excluded=%d", len(report.Summary.Ranked), report.Summary.ExcludedCount)
	}
	if len(report.Selected) != 1 || report.Selected[0].URL() != "https://fast.example/" {
		t.Errorf("selected = %+v", report.Selected)
	}
	if report.Summary.ExcludedReasons[mirror.StatusConnectionError] != 1 {
		t.Errorf("excluded reasons = %v", report.Summary.ExcludedReasons)
	}
	if report.Applied {
		t.Error("API rank must not apply")
	}
	if _, err := os.Stat(env.cfg.Output.Target); !os.IsNotExist(err) {
		t.Error("API rank wrote the mirrorlist")
	}

	runs, err := env.store.ListRuns(0)
	if err != nil || len(runs) != 1 || runs[0].UUID != report.RunID {
		t.Errorf("recorded runs = %+v, %v", runs, err)
	}
}

func TestHandleAPIRankEmptyBody(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("POST", "/api/rank", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var report engine.Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	// Defaults: active https mirrors only.
	if report.Candidates != 3 {
		t.Errorf("candidates = %d, want 3", report.Candidates)
	}
}

func TestHandleAPIRankMirrorlistFormat(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("POST", "/api/rank?format=mirrorlist", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	fast := strings.Index(body, "Server = https://fast.example/$repo/os/$arch")
	slow := strings.Index(body, "Server = https://slow.example/$repo/os/$arch")
	if fast < 0 || slow < 0 || fast > slow {
		t.Errorf("unexpected mirrorlist:\n%s", body)
	}
	if strings.Contains(body, "dead.example") {
		t.Error("failed mirror rendered")
	}
}

func TestHandleAPIRankBadRequest(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"countries":`},
		{"unknown mode", `{"mode":"fastest"}`},
		{"bad protocol", `{"protocols":["gopher"]}`},
		{"negative top_n", `{"top_n":-1}`},
		{"negative max_mirrors", `{"max_mirrors":-2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", "/api/rank", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if decodeError(t, w) == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestHandleAPIRankFetchFailure(t *testing.T) {
	env := setupTestServer(t)
	env.fetcher.err = &catalog.FetchError{Kind: catalog.NetworkFailure, URL: "x", Err: errors.New("no route")}

	w := env.do("POST", "/api/rank", `{}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestHandleAPIRuns(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("GET", "/api/runs", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("empty history: %d %s", w.Code, w.Body.String())
	}

	for i := 0; i < 3; i++ {
		if w := env.do("POST", "/api/rank", `{}`); w.Code != http.StatusOK {
			t.Fatalf("rank failed: %d", w.Code)
		}
	}

	w = env.do("GET", "/api/runs?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var runs []store.Run
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatalf("failed to decode runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID <= runs[1].ID {
		t.Errorf("runs = %+v", runs)
	}
	if runs[0].Status != store.RunStatusSuccess || runs[0].Ranked != 2 {
		t.Errorf("latest run = %+v", runs[0])
	}

	if w := env.do("GET", "/api/runs?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestHandleAPIRun(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("POST", "/api/rank", `{}`)
	var report engine.Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}

	for _, id := range []string{report.RunID, "1"} {
		w := env.do("GET", "/api/runs/"+id, "")
		if w.Code != http.StatusOK {
			t.Fatalf("GET run %s: expected 200, got %d", id, w.Code)
		}
		var detail RunDetail
		if err := json.NewDecoder(w.Body).Decode(&detail); err != nil {
			t.Fatalf("failed to decode run: %v", err)
		}
		if detail.Run.UUID != report.RunID || len(detail.Scores) != 3 {
			t.Errorf("detail = %+v", detail)
		}
		if detail.Scores[0].URL != "https://fast.example/" || detail.Scores[0].Rank != 1 {
			t.Errorf("first score = %+v", detail.Scores[0])
		}
	}

	for _, id := range []string{"999", "no-such-run"} {
		if w := env.do("GET", "/api/runs/"+id, ""); w.Code != http.StatusNotFound {
			t.Errorf("GET run %s: expected 404, got %d", id, w.Code)
		}
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	env := setupTestServer(t)
	env.srv.store = nil

	for _, path := range []string{"/api/runs", "/api/runs/1"} {
		if w := env.do("GET", path, ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, w.Code)
		}
	}
}

func TestHandleAPIBackups(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("GET", "/api/backups", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("no backups: %d %s", w.Code, w.Body.String())
	}

	target := env.cfg.Output.Target
	if err := os.WriteFile(target, []byte("Server = https://a.example/$repo/os/$arch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	writer := mirrorlist.NewWriter(slog.New(slog.NewTextHandler(io.Discard, nil)))
	path, err := writer.Backup(target, mirrorlist.OSFS{})
	if err != nil {
		t.Fatalf("Backup() failed: %v", err)
	}

	w = env.do("GET", "/api/backups", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var backups []mirrorlist.Backup
	if err := json.NewDecoder(w.Body).Decode(&backups); err != nil {
		t.Fatalf("failed to decode backups: %v", err)
	}
	if len(backups) != 1 || backups[0].Path != path {
		t.Errorf("backups = %+v, want %s", backups, path)
	}
}

func TestHandleAPIProgress(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("GET", "/api/progress", "")
	var progress engine.Progress
	if err := json.NewDecoder(w.Body).Decode(&progress); err != nil {
		t.Fatalf("failed to decode progress: %v", err)
	}
	if progress.Phase != "idle" {
		t.Errorf("phase before any pass = %q", progress.Phase)
	}

	env.do("POST", "/api/rank", `{}`)

	w = env.do("GET", "/api/progress", "")
	if err := json.NewDecoder(w.Body).Decode(&progress); err != nil {
		t.Fatalf("failed to decode progress: %v", err)
	}
	if progress.Phase != engine.PhaseComplete || progress.Candidates != 3 || progress.Probed != 3 {
		t.Errorf("progress after pass = %+v", progress)
	}
}

func TestHandleAPIProgressStream(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("GET", "/api/progress/stream", "")
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "event: done\ndata: {") {
		t.Errorf("idle stream = %q", w.Body.String())
	}

	env.do("POST", "/api/rank", `{}`)

	w = env.do("GET", "/api/progress/stream", "")
	body := w.Body.String()
	if !strings.Contains(body, "event: done") || !strings.Contains(body, `"phase":"complete"`) {
		t.Errorf("stream after pass = %q", body)
	}
}
