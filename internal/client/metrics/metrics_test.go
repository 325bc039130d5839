package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Mutations.WithLabelValues("realtime", "applied").Inc()
	m.Mutations.WithLabelValues("realtime", "applied").Inc()
	m.SetRealtimeConnected(true)
	m.SetPollActive(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Mutations.WithLabelValues("realtime", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RealtimeConnected))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PollActive))
}

func TestMetrics_SetStateIsExclusive(t *testing.T) {
	m := NewNop()
	m.SetState("SYNCING_ONLINE", "SYNCING_ONLINE", "SYNCING_OFFLINE")
	m.SetState("SYNCING_OFFLINE", "SYNCING_ONLINE", "SYNCING_OFFLINE")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.State.WithLabelValues("SYNCING_ONLINE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.State.WithLabelValues("SYNCING_OFFLINE")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewNop()
	m.DecryptFailures.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gophsync_decrypt_failures_total 1")
}
