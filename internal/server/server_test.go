package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/server/handler"
	"github.com/alanyoungcy/tradeledger/internal/service"
	"github.com/alanyoungcy/tradeledger/internal/store/memory"
)

const importDir = "imports"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	files     []string
	selectors []domain.ReprocessSelector
}

func (f *fakeRunner) ImportFile(_ context.Context, path string) domain.ImportResult {
	f.files = append(f.files, path)
	var res domain.ImportResult
	res.Add(domain.FileResult{Path: path, Outcome: domain.OutcomeImported, RowsParsed: 2, RowsNew: 2})
	return res
}

func (f *fakeRunner) Reprocess(_ context.Context, sel domain.ReprocessSelector) (domain.ImportResult, error) {
	if sel.Path == "" && sel.Instrument == "" && sel.Range.IsZero() {
		return domain.ImportResult{}, fmt.Errorf("importer: reprocess: %w", domain.ErrEmptySelector)
	}
	f.selectors = append(f.selectors, sel)
	return domain.ImportResult{Files: []domain.FileResult{}}, nil
}

type countingLimiter struct {
	allow int
	calls int
}

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	l.calls++
	return l.calls <= l.allow, nil
}

type testEnv struct {
	handler   http.Handler
	runner    *fakeRunner
	positions *memory.PositionStore
}

func newTestEnv(t *testing.T, cfg Config, limiter domain.RateLimiter) *testEnv {
	t.Helper()
	logger := testLogger()
	positions := memory.NewPositionStore()
	ledger := memory.NewImportLedger()
	runner := &fakeRunner{}

	handlers := Handlers{
		Health:    handler.NewHealthHandler(nil, logger),
		Imports:   handler.NewImportHandler(runner, ledger, importDir, logger),
		Positions: handler.NewPositionHandler(positions, service.NewChartService(positions, nil, nil, time.Minute, logger), logger),
		Dashboard: handler.NewDashboardHandler(service.NewDashboardService(positions, nil, logger), logger),
		Legacy:    handler.NewLegacyHandler(logger),
	}
	return &testEnv{
		handler:   NewHandler(cfg, handlers, limiter, nil, logger),
		runner:    runner,
		positions: positions,
	}
}

func (e *testEnv) do(t *testing.T, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestServer_LegacyRoutesAreGone(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	for _, route := range handler.LegacyRoutes {
		method, path, _ := strings.Cut(route, " ")
		rec := env.do(t, method, path, "", nil)
		if rec.Code != http.StatusGone {
			t.Errorf("%s: status = %d, want 410", route, rec.Code)
			continue
		}
		if kind := decodeBody(t, rec)["kind"]; kind != domain.KindLegacyEndpoint {
			t.Errorf("%s: kind = %v, want %s", route, kind, domain.KindLegacyEndpoint)
		}
	}
	if len(env.runner.files) != 0 {
		t.Errorf("legacy route reached the importer: %v", env.runner.files)
	}
}

func TestServer_AuthSkipsHealth(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: "secret"}, nil)

	if rec := env.do(t, http.MethodGet, "/api/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/positions", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/api/positions", "", map[string]string{"Authorization": "Bearer secret"})
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/positions", "", map[string]string{"X-API-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", rec.Code)
	}
}

func TestServer_ImportFileStaysInImportDir(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	rec := env.do(t, http.MethodPost, "/api/imports/file", `{"file":"fills.csv"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if want := filepath.Join(importDir, "fills.csv"); len(env.runner.files) != 1 || env.runner.files[0] != want {
		t.Errorf("imported = %v, want [%s]", env.runner.files, want)
	}

	for _, body := range []string{`{"file":"../secrets.csv"}`, `{"file":"/etc/passwd"}`, `{"file":""}`, `{"path":"x"}`, `not json`} {
		if rec := env.do(t, http.MethodPost, "/api/imports/file", body, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
	if len(env.runner.files) != 1 {
		t.Errorf("rejected requests reached the importer: %v", env.runner.files)
	}
}

func TestServer_Reprocess(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	rec := env.do(t, http.MethodPost, "/api/imports/reprocess", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty selector status = %d, want 400", rec.Code)
	}
	if kind := decodeBody(t, rec)["kind"]; kind != domain.KindInvalidSelector {
		t.Errorf("kind = %v, want %s", kind, domain.KindInvalidSelector)
	}

	rec = env.do(t, http.MethodPost, "/api/imports/reprocess", `{"instrument":"esz4","from":"2024-03-01","to":"2024-03-02"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	sel := env.runner.selectors[0]
	if sel.Instrument != "ESZ4" {
		t.Errorf("instrument = %q, want ESZ4", sel.Instrument)
	}
	if want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC); !sel.Range.From.Equal(want) {
		t.Errorf("from = %v, want %v", sel.Range.From, want)
	}
	if want := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond); !sel.Range.To.Equal(want) {
		t.Errorf("to = %v, want %v", sel.Range.To, want)
	}

	rec = env.do(t, http.MethodPost, "/api/imports/reprocess", `{"file":"fills.csv"}`, nil)
	if rec.Code != http.StatusOK || env.runner.selectors[1].Path != filepath.Join(importDir, "fills.csv") {
		t.Errorf("file reprocess: status %d, selectors %+v", rec.Code, env.runner.selectors)
	}

	if rec := env.do(t, http.MethodPost, "/api/imports/reprocess", `{"instrument":"ES","from":"yesterday"}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", rec.Code)
	}
}

func TestServer_ManualImportsAreRateLimited(t *testing.T) {
	limiter := &countingLimiter{allow: 1}
	env := newTestEnv(t, Config{ImportRateLimit: 1, ImportRateWindow: time.Minute}, limiter)

	if rec := env.do(t, http.MethodPost, "/api/imports/file", `{"file":"a.csv"}`, nil); rec.Code != http.StatusOK {
		t.Errorf("first status = %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/imports/file", `{"file":"a.csv"}`, nil); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", rec.Code)
	}
	// Read endpoints are not limited.
	if rec := env.do(t, http.MethodGet, "/api/imports", "", nil); rec.Code != http.StatusOK {
		t.Errorf("list status = %d, want 200", rec.Code)
	}
	if limiter.calls != 2 {
		t.Errorf("limiter calls = %d, want 2", limiter.calls)
	}
}

func TestServer_PositionsAndChart(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	group := domain.GroupKey{Instrument: "ESZ4", Account: "SIM101"}
	at := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	pos := domain.Position{
		ID: "p1", Instrument: group.Instrument, Account: group.Account,
		Direction: domain.DirectionLong, Status: domain.PositionStatusOpen,
		EntryTime: at, EntryQuantity: 1, OpenQuantity: 1,
		AvgEntryPrice: decimal.NewFromInt(5000), PointValue: decimal.NewFromInt(50),
	}
	if err := env.positions.ReplacePositions(context.Background(), group, []domain.Position{pos}, nil, nil); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/api/positions?instrument=esz4&account=SIM101", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Positions []domain.Position `json:"positions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Positions) != 1 || list.Positions[0].ID != "p1" {
		t.Errorf("positions = %+v", list.Positions)
	}

	if rec := env.do(t, http.MethodGet, "/api/positions?status=weird", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/positions/p1/chart", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("chart status = %d, body %s", rec.Code, rec.Body)
	}
	var chart service.PositionChart
	if err := json.Unmarshal(rec.Body.Bytes(), &chart); err != nil {
		t.Fatal(err)
	}
	if chart.Position.ID != "p1" || !chart.Window.Missing {
		t.Errorf("chart = %+v", chart)
	}

	if rec := env.do(t, http.MethodGet, "/api/positions/nope/chart", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown chart status = %d, want 404", rec.Code)
	}
}

func TestServer_Dashboard(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	if rec := env.do(t, http.MethodGet, "/api/dashboard", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing account status = %d, want 400", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/dashboard?account=SIM101&date=03/04/2024", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/api/dashboard?account=SIM101&date=2024-03-04", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sum domain.DashboardSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Account != "SIM101" || sum.Positions != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	env := newTestEnv(t, Config{CORSOrigins: []string{"http://localhost:3000"}, APIKey: "secret"}, nil)
	rec := env.do(t, http.MethodOptions, "/api/positions", "", map[string]string{
		"Origin":                         "http://localhost:3000",
		"Access-Control-Request-Method":  http.MethodGet,
		"Access-Control-Request-Headers": "X-API-Key",
	})
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-API-Key") {
		t.Errorf("allow headers = %q, want X-API-Key", got)
	}

	rec = env.do(t, http.MethodOptions, "/api/positions", "", map[string]string{
		"Origin":                        "http://attacker.test",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign preflight status = %d, want 403", rec.Code)
	}
}

func TestServer_HealthReportsFailingDependency(t *testing.T) {
	logger := testLogger()
	h := handler.NewHealthHandler(map[string]handler.HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, logger)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	body := decodeBody(t, rec)
	checks := body["checks"].(map[string]any)
	if checks["postgres"] != "ok" || checks["redis"] != "connection refused" {
		t.Errorf("checks = %v", checks)
	}
}
