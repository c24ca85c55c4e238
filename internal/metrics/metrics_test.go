package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	m := New(reg)

	m.EventHandled("materials", "created", "changed")
	m.EventHandled("materials", "created", "changed")
	m.DerivedWrite("sessions")
	m.Aggregated("best_effort", "ok", 3*time.Millisecond)
	m.AggregationConflict()
	m.QueueDepth(4)
	m.Retry()

	require.Equal(t, 2.0, testutil.ToFloat64(m.handled.WithLabelValues("materials", "created", "changed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.derived.WithLabelValues("sessions")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.conflicts))
	require.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "trackit_job_aggregations_total")
	require.Contains(t, string(body), "go_goroutines")
}

func TestDiscard_Independent(t *testing.T) {
	t.Parallel()
	a, b := Discard(), Discard()
	a.Retry()
	require.Equal(t, 0.0, testutil.ToFloat64(b.retries))
}
