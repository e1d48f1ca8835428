// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Verifies counters move and that a nil Metrics is safe to call

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ConversationCounters(t *testing.T) {
	m := New()

	m.ConversationStarted()
	m.ConversationStarted()
	m.ConversationRemoved()
	m.ConversationTerminated("manual")
	m.ConversationTerminated("manual")
	m.ConversationTerminated("inactivity")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.conversationsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.conversationsTerminated.WithLabelValues("manual")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conversationsTerminated.WithLabelValues("inactivity")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Frame("delta")
	m.Notification("delivered")
	m.HTTPRequest("/chat", "200", 15*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `relay_frames_total{type="delta"} 1`))
	assert.True(t, strings.Contains(body, `relay_notifications_total{outcome="delivered"} 1`))
	assert.True(t, strings.Contains(body, "relay_http_request_duration_seconds"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ConversationStarted()
		m.ConversationRemoved()
		m.ConversationTerminated("shutdown")
		m.Notification("failed")
		m.Frame("end")
		m.HTTPRequest("/reset", "200", time.Second)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
