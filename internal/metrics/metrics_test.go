package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymcloud/accessd/internal/metrics"
)

func TestMetrics_ExposesDecisions(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.Decision("deny", "anti_passback", 2*time.Millisecond)
	m.CommandTransition("unlock", "claimed")
	m.CommandsExpired(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	assert.Contains(t, string(body), `accessd_decisions_total{outcome="deny",reason="anti_passback"} 1`)
	assert.Contains(t, string(body), `accessd_command_transitions_total{command_type="unlock",status="claimed"} 1`)
	assert.Contains(t, string(body), `accessd_commands_expired_total 3`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics
	m.Decision("allow", "granted", time.Millisecond)
	m.CommandTransition("unlock", "acked")
	m.HTTPRequest("GET", "/healthz", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
