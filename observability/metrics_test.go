package observability

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Handler_Exposes_Counters(t *testing.T) {
	req := require.New(t)
	m := NewMetrics()

	m.Published.Inc()
	m.Rejected.WithLabelValues(ReasonUnauthorized).Add(2)

	req.Equal(1.0, testutil.ToFloat64(m.Published))
	req.Equal(2.0, testutil.ToFloat64(m.Rejected.WithLabelValues(ReasonUnauthorized)))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	req.NoError(err)
	req.Contains(string(body), "relay_messages_published_total 1")
	req.Contains(string(body), `relay_requests_rejected_total{reason="unauthorized"} 2`)
}

func TestNewMetrics_Instances_Are_Independent(t *testing.T) {
	// Each instance has its own registry, no duplicate registration panic
	a, b := NewMetrics(), NewMetrics()
	a.Delivered.Inc()
	require.Zero(t, testutil.ToFloat64(b.Delivered))
}
