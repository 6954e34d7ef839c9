package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersBuildInfo(t *testing.T) {
	m := New("test-version", "go1.99")

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if f.GetName() == "meshconnect_build_info" {
			found = true
		}
	}
	assert.True(t, found, "expected meshconnect_build_info to be registered")
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New("test-version", "go1.99")
	m.ConnectionCount.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "meshconnect_connections 3")
}

func TestSetReachabilityZeroesOtherLabels(t *testing.T) {
	m := New("test-version", "go1.99")
	states := []string{"a", "b", "c"}
	m.SetReachability("ipv4", states, "b")

	assert.Equal(t, float64(0), testutil.ToFloat64(m.ReachabilityState.WithLabelValues("ipv4", "a")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReachabilityState.WithLabelValues("ipv4", "b")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ReachabilityState.WithLabelValues("ipv4", "c")))
}
