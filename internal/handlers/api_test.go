package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/keyframed/relayd/internal/config"
	"github.com/keyframed/relayd/internal/database"
	"github.com/keyframed/relayd/internal/diagnostics"
	"github.com/keyframed/relayd/internal/instrument"
	"github.com/keyframed/relayd/internal/prefetch"
	"github.com/keyframed/relayd/internal/realtime"
	"github.com/keyframed/relayd/internal/reconnect"
	"github.com/keyframed/relayd/internal/settings"
)

// setupTestDB creates a fresh in-memory SQLite database for each test.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	database.DB = db
	if err := db.AutoMigrate(&database.Setting{}, &database.ToolSetting{}, &database.ReconnectRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

type stubConn struct{ connected bool }

func (c *stubConn) Connect(ctx context.Context) error { c.connected = true; return nil }
func (c *stubConn) Close() error                      { c.connected = false; return nil }
func (c *stubConn) Connected() bool                   { return c.connected }

func newTestAPI(t *testing.T) *API {
	t.Helper()
	setupTestDB(t)
	config.Cfg.AuthDisabled = true
	diag := diagnostics.New(diagnostics.LevelInfo)

	sched := reconnect.NewScheduler(diag)
	t.Cleanup(sched.Stop)

	return &API{
		Diag:     diag,
		Probes:   instrument.NewManager(diag, false),
		Sched:    sched,
		Super:    realtime.NewSupervisor(&stubConn{}, realtime.NewRateLimiter(realtime.DefaultRateLimitConfig()), diag),
		Settings: settings.NewService(settings.DBStore{}, diag),
		Prefetch: prefetch.New(http.DefaultClient, config.DefaultStrategyTable(), diag),
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return result
}

func TestToolSettingsRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	rec := doJSON(t, router, http.MethodPut,
		"/api/v1/settings/gallery/user/u1?immediate=true",
		map[string]any{"page_size": 25})
	if rec.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/settings/gallery/user/u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["page_size"]; got != float64(25) {
		t.Errorf("expected page_size 25, got %v", got)
	}
}

func TestToolSettingsResolveMergesLayers(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	database.SetToolSetting("gallery", database.ScopeDefault, "", `{"page_size":50,"theme":"dark"}`)
	database.SetToolSetting("gallery", database.ScopeUser, "u1", `{"page_size":25}`)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/settings/gallery/resolved?user=u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	merged := decode(t, rec)
	if merged["page_size"] != float64(25) {
		t.Errorf("user layer should win: %v", merged["page_size"])
	}
	if merged["theme"] != "dark" {
		t.Errorf("default keys should survive: %v", merged["theme"])
	}
}

func TestToolSettingsValidation(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	rec := doJSON(t, router, http.MethodPut,
		"/api/v1/settings/gallery/galaxy/u1", map[string]any{"x": 1})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown scope: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/settings/gallery/default/x", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("default delete: expected 403, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/settings/gallery/user/nobody", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing row: expected 404, got %d", rec.Code)
	}
}

func TestDiagnosticLevelAndTags(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	rec := doJSON(t, router, http.MethodPut, "/api/v1/diagnostics/level",
		map[string]string{"level": "debug"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if api.Diag.Level() != diagnostics.LevelDebug {
		t.Errorf("level not applied: %v", api.Diag.Level())
	}

	rec = doJSON(t, router, http.MethodPut, "/api/v1/diagnostics/level",
		map[string]string{"level": "shouting"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad level: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPut, "/api/v1/diagnostics/tags",
		map[string][]string{"enable": {"realtime", "prefetch"}, "disable": {"prefetch"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	tags := api.Diag.EnabledTags()
	if len(tags) != 1 || tags[0] != "realtime" {
		t.Errorf("expected only realtime enabled, got %v", tags)
	}
}

func TestDiagnosticRecords(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	api.Diag.Info("test", "first", nil)
	api.Diag.Info("test", "second", nil)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/diagnostics/records?n=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var records []diagnostics.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(records) != 1 || records[0].Message != "second" {
		t.Errorf("expected newest record only, got %+v", records)
	}
}

func TestProbeLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	client := &http.Client{}
	api.Probes.Register(instrument.TypeHTTP,
		instrument.Config{Enabled: true, LogLevel: diagnostics.LevelDebug},
		instrument.NewHTTPProbe(client, api.Diag, api.Sched))

	rec := doJSON(t, router, http.MethodPost, "/api/v1/probes/http/install", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("install: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec)["applied"] != true {
		t.Error("first install should apply")
	}
	if client.Transport == nil {
		t.Error("transport should be wrapped after install")
	}

	// Second install is a no-op
	rec = doJSON(t, router, http.MethodPost, "/api/v1/probes/http/install", nil)
	if decode(t, rec)["applied"] != false {
		t.Error("second install should be a no-op")
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/probes/http/uninstall", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("uninstall: expected 200, got %d", rec.Code)
	}
	if client.Transport != nil {
		t.Error("transport should be restored after uninstall")
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/probes/bogus/install", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown probe: expected 404, got %d", rec.Code)
	}
}

func TestPatchProbeConfig(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	api.Probes.Register(instrument.TypeStorage,
		instrument.Config{Enabled: true, LogLevel: diagnostics.LevelDebug},
		func(cfg instrument.Config) (instrument.Teardown, error) {
			return func() {}, nil
		})

	rec := doJSON(t, router, http.MethodPatch, "/api/v1/probes/storage",
		map[string]any{"log_level": "verbose", "tags": []string{"storage"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	cfg, _ := api.Probes.GetConfig(instrument.TypeStorage)
	if cfg.LogLevel != diagnostics.LevelVerbose {
		t.Errorf("log level not applied: %v", cfg.LogLevel)
	}
	if len(cfg.Tags) != 1 || cfg.Tags[0] != "storage" {
		t.Errorf("tags not applied: %v", cfg.Tags)
	}

	rec = doJSON(t, router, http.MethodPatch, "/api/v1/probes/storage",
		map[string]any{"log_level": "shouting"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad level: expected 400, got %d", rec.Code)
	}
}

func TestRequestReconnectQueuesIntent(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/reconnect/request",
		map[string]string{"source": "ops", "reason": "stale connection", "priority": "high"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if api.Sched.Status().Pending != 1 {
		t.Errorf("intent should be pending, got %+v", api.Sched.Status())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/reconnect/request",
		map[string]string{"priority": "urgent"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad priority: expected 400, got %d", rec.Code)
	}
}

func TestReconnectAudit(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	for _, id := range []string{"d1", "d2", "d3"} {
		database.DB.Create(&database.ReconnectRecord{DispatchID: id, Source: "test", Reason: "r", Priority: "medium"})
	}

	rec := doJSON(t, router, http.MethodGet, "/api/v1/reconnect/audit?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var records []database.ReconnectRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 records, got %d", len(records))
	}
}

func TestPrefetchCapabilitiesSelectStrategy(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	rec := doJSON(t, router, http.MethodPut, "/api/v1/prefetch/capabilities",
		map[string]any{"memory_gb": 16, "cpu_count": 12, "connection": "fast"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["strategy"]; got != prefetch.StrategyAggressive {
		t.Errorf("expected aggressive, got %v", got)
	}
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t)
	router := api.Router()

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	if body["database"] != "connected" {
		t.Errorf("expected database connected, got %v", body["database"])
	}
}
