package observability_test

import (
	"WardProtocol/internal/observability"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestReadiness_RequiresDependencies(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before ready: got %d, want 503", rec.Code)
	}

	h.SetReady(true)
	h.SetDependency("postgres", true)
	h.SetDependency("feed", false)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("feed down: got %d, want 503", rec.Code)
	}
	var body struct {
		Down []string `json:"down"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Down) != 1 || body.Down[0] != "feed" {
		t.Errorf("down: got %v, want [feed]", body.Down)
	}

	h.SetDependency("feed", true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("all up: got %d, want 200", rec.Code)
	}
}

func TestLiveness_AlwaysOK(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("got %d, want 200", rec.Code)
	}
}

func TestLogger_ComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "monitor", zerolog.InfoLevel)
	logger.Debug().Msg("hidden")
	logger.Info().Str("tx_hash", "ABC").Msg("default detected")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "monitor" {
		t.Errorf("component: got %v, want monitor", line["component"])
	}
	if line["tx_hash"] != "ABC" {
		t.Errorf("tx_hash: got %v, want ABC", line["tx_hash"])
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"":      zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := observability.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestObservePool(t *testing.T) {
	m := observability.NewMetricsWith(prometheus.NewRegistry())
	m.ObservePool("pool-1", 500_000, 200_000)

	if got := testutil.ToFloat64(m.PoolCoverageRatio.WithLabelValues("pool-1")); got != 2.5 {
		t.Errorf("coverage ratio: got %v, want 2.5", got)
	}
	if got := testutil.ToFloat64(m.PoolAvailable.WithLabelValues("pool-1")); got != 500_000 {
		t.Errorf("available: got %v, want 500000", got)
	}
}
