package server

import (
	"io"
	"net/http"

	"event-extract/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status 는 파이프라인 상태 (worker.Coordinator 가 구현).
type Status interface {
	Healthy() bool
	Summary() string
}

type Handler struct {
	metrics  *metrics.Metrics
	status   Status
	gatherer prometheus.Gatherer
}

func NewHandler(m *metrics.Metrics, status Status, g prometheus.Gatherer) *Handler {
	return &Handler{
		metrics:  m,
		status:   status,
		gatherer: g,
	}
}

// Routes
//
//   - /health  : 오케스트레이터 health check. Failed 면 503
//   - /stats   : 내부 카운터 + checkpoint 요약 (사람이 보는 용도)
//   - /metrics : Prometheus scrape
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/stats", h.HandleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// HandleHealth
//
// 상태 확인은 atomic load 하나라서 cycle 진행 중에도 바로 응답한다.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !h.status.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "failed")
		return
	}
	_, _ = io.WriteString(w, "ok")
}

// HandleStats 는 key=value 줄 단위 텍스트.
func (h *Handler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
	_, _ = io.WriteString(w, h.status.Summary())
}
