package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"github.com/loykin/keepalive/internal/auth"
	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/record"
	"github.com/loykin/keepalive/internal/supervisor"
	"github.com/loykin/keepalive/internal/watchdog"
)

type fakeSupervisor struct{ st supervisor.Status }

func (f fakeSupervisor) Status() supervisor.Status { return f.st }

type fakeWatchdog struct{ st watchdog.Status }

func (f fakeWatchdog) Status() watchdog.Status { return f.st }

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestCleanReason(t *testing.T) {
	if got := cleanReason("  fixed\nby ops\x00 ", 50); got != "fixed by ops" {
		t.Fatalf("cleanReason = %q", got)
	}
	if got := cleanReason(strings.Repeat("x", 300), 10); len(got) != 10 {
		t.Fatalf("reason not truncated: %d", len(got))
	}
}

func TestStatusCombinesSources(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mp := filepath.Join(t.TempDir(), "maintenance_mode.json")
	if err := record.ActivateMaintenance(mp, "heartbeat missing", time.Now()); err != nil {
		t.Fatal(err)
	}
	code := 1
	r := NewRouter("/keepalive",
		WithSupervisor(fakeSupervisor{supervisor.Status{Name: "bot", State: supervisor.StateBackoff, Attempt: 2, LastExitCode: &code}}),
		WithWatchdog(fakeWatchdog{watchdog.Status{Condition: watchdog.Missing, Polls: 3}}),
		WithMaintenancePath(mp),
		WithResources(func() (metrics.ResourceSample, bool) { return metrics.ResourceSample{PID: 42, MemoryMB: 12.5}, true }),
	)
	rec := doReq(t, r.Handler(), http.MethodGet, "/keepalive/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Supervisor  supervisor.Status      `json:"supervisor"`
		Watchdog    watchdog.Status        `json:"watchdog"`
		Maintenance maintenanceResp        `json:"maintenance"`
		Resources   metrics.ResourceSample `json:"resources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Supervisor.State != supervisor.StateBackoff || got.Supervisor.Attempt != 2 {
		t.Fatalf("unexpected supervisor %+v", got.Supervisor)
	}
	if got.Watchdog.Condition != watchdog.Missing || got.Watchdog.Polls != 3 {
		t.Fatalf("unexpected watchdog %+v", got.Watchdog)
	}
	if !got.Maintenance.Active || got.Maintenance.Reason != "heartbeat missing" {
		t.Fatalf("unexpected maintenance %+v", got.Maintenance)
	}
	if got.Resources.PID != 42 {
		t.Fatalf("unexpected resources %+v", got.Resources)
	}
}

func TestStatusOmitsUnsetSources(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := doReq(t, NewRouter("").Handler(), http.MethodGet, "/status")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if rec := doReq(t, NewRouter("").Handler(), http.MethodGet, "/maintenance"); rec.Code != http.StatusNotFound {
		t.Fatalf("maintenance endpoints should be absent, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name string
		sup  supervisor.State
		cond watchdog.Condition
		want int
	}{
		{"running healthy", supervisor.StateRunning, watchdog.Healthy, http.StatusOK},
		{"backoff is still alive", supervisor.StateBackoff, watchdog.Degraded, http.StatusOK},
		{"stopped", supervisor.StateStopped, watchdog.Healthy, http.StatusServiceUnavailable},
		{"stale", supervisor.StateRunning, watchdog.Expired, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRouter("",
				WithSupervisor(fakeSupervisor{supervisor.Status{State: tc.sup}}),
				WithWatchdog(fakeWatchdog{watchdog.Status{Condition: tc.cond, Polls: 1, Reason: "r"}}),
			)
			if rec := doReq(t, r.Handler(), http.MethodGet, "/healthz"); rec.Code != tc.want {
				t.Fatalf("code = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestMaintenanceClear(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mp := filepath.Join(t.TempDir(), "m.json")
	if err := record.ActivateMaintenance(mp, "heartbeat expired (age 200s > 120s)", time.Now()); err != nil {
		t.Fatal(err)
	}
	h := NewRouter("", WithMaintenancePath(mp), WithAuth(auth.NewMiddleware(auth.Config{Token: "s3cret"}))).Handler()
	rec := doReq(t, h, http.MethodGet, "/maintenance")
	if !strings.Contains(rec.Body.String(), `"active":true`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	rec = doReq(t, h, http.MethodPost, "/maintenance/clear?reason=worker+fixed")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous clear: code %d", rec.Code)
	}
	if active, _ := record.MaintenanceActive(mp); !active {
		t.Fatalf("anonymous request cleared maintenance")
	}

	req := httptest.NewRequest(http.MethodPost, "/maintenance/clear?reason=worker+fixed", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear failed: %d %s", rec.Code, rec.Body.String())
	}
	m, err := record.ReadMaintenance(mp)
	if err != nil {
		t.Fatal(err)
	}
	if m.Active || m.Reason != "worker fixed" {
		t.Fatalf("unexpected record %+v", m)
	}
}

func TestMaintenanceClearAbsentWithoutAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mp := filepath.Join(t.TempDir(), "m.json")
	if err := record.ActivateMaintenance(mp, "r", time.Now()); err != nil {
		t.Fatal(err)
	}
	for _, r := range []*Router{
		NewRouter("", WithMaintenancePath(mp)),
		NewRouter("", WithMaintenancePath(mp), WithAuth(auth.NewMiddleware(auth.Config{}))),
	} {
		h := r.Handler()
		if rec := doReq(t, h, http.MethodPost, "/maintenance/clear"); rec.Code != http.StatusNotFound {
			t.Fatalf("clear without auth: code %d, want 404", rec.Code)
		}
		if rec := doReq(t, h, http.MethodGet, "/maintenance"); rec.Code != http.StatusOK {
			t.Fatalf("read endpoint: code %d", rec.Code)
		}
	}
	if active, _ := record.MaintenanceActive(mp); !active {
		t.Fatalf("maintenance was cleared")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := doReq(t, NewRouter("/x").Handler(), http.MethodGet, "/x/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics code %d", rec.Code)
	}
}
