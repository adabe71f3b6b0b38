package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"event-extract/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	healthy atomic.Bool
}

func (s *fakeStatus) Healthy() bool   { return s.healthy.Load() }
func (s *fakeStatus) Summary() string { return "state=idle\ncommitted_offsets=0:41\n" }

func newTestServer(t *testing.T) (*httptest.Server, *fakeStatus, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register("extract", reg))

	st := &fakeStatus{}
	st.healthy.Store(true)

	srv := httptest.NewServer(NewHandler(m, st, reg).Routes())
	t.Cleanup(srv.Close)
	return srv, st, m
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealth(t *testing.T) {
	srv, st, _ := newTestServer(t)

	tests := []struct {
		name    string
		healthy bool
		code    int
		body    string
	}{
		{"healthy", true, http.StatusOK, "ok"},
		{"failed", false, http.StatusServiceUnavailable, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st.healthy.Store(tt.healthy)
			code, body := get(t, srv.URL+"/health")
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestStats(t *testing.T) {
	srv, _, m := newTestServer(t)
	atomic.AddInt64(&m.RecordsAcceptedTotal, 12)

	code, body := get(t, srv.URL+"/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "records_accepted_total=12\n")
	assert.True(t, strings.HasSuffix(body, "committed_offsets=0:41\n"))
}

func TestMetrics(t *testing.T) {
	srv, _, m := newTestServer(t)
	atomic.AddInt64(&m.CyclesTotal, 3)

	code, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "extract_cycles_total 3")
	assert.Contains(t, body, "extract_cycle_duration_seconds_bucket")
}
