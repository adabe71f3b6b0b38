package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 는 extractor 상태를 나타내는 카운터 모음이다.
// 모든 필드는 atomic 으로만 읽고 쓴다.
type Metrics struct {
	// ======================
	// Cycle 레벨 지표
	// ======================

	// CyclesTotal
	// - scheduler 가 실행한 cycle 수 (성공/실패/빈 cycle 모두 포함).
	CyclesTotal int64

	// CyclesEmptyTotal
	// - 읽은 레코드가 0건이라 sink/checkpoint 를 건드리지 않은 cycle 수.
	// - source timeout / unavailable 로 빈 cycle 이 된 경우도 여기에 들어간다.
	CyclesEmptyTotal int64

	// CyclesFailedTotal
	// - sink 또는 checkpoint 단계에서 실패해서 checkpoint 가 전진하지 못한 cycle 수.
	// - 다음 cycle 이 같은 구간을 다시 읽으므로, 이 값이 늘면 중복 unit 이 생길 수 있다.
	CyclesFailedTotal int64

	// ======================
	// Record 레벨 지표
	// ======================

	// RecordsReadTotal
	// - source 에서 읽은 레코드 수 (중복 제거 전).
	RecordsReadTotal int64

	// RecordsAcceptedTotal
	// - filter 를 통과해서 batch 에 들어간 이벤트 수.
	RecordsAcceptedTotal int64

	// RecordsFilteredTotal
	// - 디코딩은 됐지만 event_type 이 허용 목록에 없어서 버려진 이벤트 수.
	RecordsFilteredTotal int64

	// DecodeFailuresTotal
	// - payload 가 JSON object 가 아니라서 Malformed 로 분류된 레코드 수.
	// - cycle 을 중단시키지 않는다. 원본은 DLQ 로 간다.
	DecodeFailuresTotal int64

	// DuplicatesDroppedTotal
	// - 이미 commit 된 offset 이하라서 버린 레코드 수 (source 의 재전송).
	DuplicatesDroppedTotal int64

	// ======================
	// Source 지표
	// ======================

	// SourceTimeoutsTotal
	// - ReadTimeout 안에 아무것도 읽지 못한 cycle 수.
	SourceTimeoutsTotal int64

	// SourceErrorsTotal
	// - broker 에 닿지 못하는 등 source.ErrUnavailable 로 끝난 read 수.
	SourceErrorsTotal int64

	// ======================
	// Sink 지표
	// ======================

	// SinkUnitsWrittenTotal / SinkRowsWrittenTotal
	// - 성공적으로 기록된 parquet unit 수와 그 안의 row 수.
	SinkUnitsWrittenTotal int64
	SinkRowsWrittenTotal  int64

	// SinkErrorsTotal
	// - unit 쓰기에 최종 실패한 횟수 (재시도 다 쓰고 실패).
	SinkErrorsTotal int64

	// S3PutErrorsTotal
	// - S3 PutObject 호출이 실패한 "시도(attempt)" 횟수.
	// - 재시도가 있으므로 한 번의 unit 쓰기에서도 여러 번 증가할 수 있다.
	S3PutErrorsTotal int64

	// ======================
	// Checkpoint 지표
	// ======================

	// CheckpointCommitsTotal
	// - offset 을 전진시킨 commit 수.
	CheckpointCommitsTotal int64

	// CheckpointErrorsTotal
	// - 재시도까지 실패한 commit 수.
	CheckpointErrorsTotal int64

	// ======================
	// DLQ (Dead Letter Queue) 지표
	// ======================

	// DLQEventsEnqueuedTotal
	// - 로컬 DLQ 파일로 저장된 malformed 레코드 수.
	DLQEventsEnqueuedTotal int64

	// DLQEventsReuploadedTotal
	// - DLQ 파일을 S3 로 올리는 데 성공한 파일의 레코드 수.
	DLQEventsReuploadedTotal int64

	// DLQEventsDroppedTotal
	// - 용량 제한에 걸려 저장하지 못하고 버린 레코드 수.
	// - 0 이 아니면 malformed 원본을 영구적으로 잃기 시작했다는 뜻.
	DLQEventsDroppedTotal int64

	// DLQFilesExpiredTotal
	// - TTL(DLQMaxAge) 또는 용량 제한으로 삭제된 DLQ 파일 수.
	DLQFilesExpiredTotal int64

	// DLQFilesCurrent / DLQSizeBytes
	// - 현재 로컬 DLQ 디렉토리의 파일 수와 전체 용량 (gauge).
	DLQFilesCurrent int64
	DLQSizeBytes    int64

	// cycleDuration 은 cycle 소요 시간 분포.
	cycleDuration prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "extract_cycle_duration_seconds",
			Help:    "Duration of one micro-batch cycle.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// ObserveCycle 는 cycle 하나의 소요 시간을 기록한다.
func (m *Metrics) ObserveCycle(d time.Duration) {
	m.cycleDuration.Observe(d.Seconds())
}

type counter struct {
	name  string
	help  string
	kind  prometheus.ValueType
	value func(*Metrics) *int64
}

// counters 는 /stats 와 /metrics 가 공유하는 목록. 순서가 곧 /stats 출력 순서.
var counters = []counter{
	{"cycles_total", "Micro-batch cycles run.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.CyclesTotal }},
	{"cycles_empty_total", "Cycles that read no records.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.CyclesEmptyTotal }},
	{"cycles_failed_total", "Cycles that did not advance the checkpoint.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.CyclesFailedTotal }},

	{"records_read_total", "Records read from the source.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.RecordsReadTotal }},
	{"records_accepted_total", "Events kept by the filter.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.RecordsAcceptedTotal }},
	{"records_filtered_total", "Events dropped by the filter.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.RecordsFilteredTotal }},
	{"decode_failures_total", "Malformed payloads.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.DecodeFailuresTotal }},
	{"duplicates_dropped_total", "Re-delivered records at or below the checkpoint.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.DuplicatesDroppedTotal }},

	{"source_timeouts_total", "Reads that timed out with no records.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.SourceTimeoutsTotal }},
	{"source_errors_total", "Reads that failed because the source was unavailable.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.SourceErrorsTotal }},

	{"sink_units_written_total", "Output units written.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.SinkUnitsWrittenTotal }},
	{"sink_rows_written_total", "Rows written across all units.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.SinkRowsWrittenTotal }},
	{"sink_errors_total", "Unit writes that failed after retries.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.SinkErrorsTotal }},
	{"s3_put_errors_total", "Failed S3 PutObject attempts.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.S3PutErrorsTotal }},

	{"checkpoint_commits_total", "Checkpoint commits that advanced offsets.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.CheckpointCommitsTotal }},
	{"checkpoint_errors_total", "Checkpoint commits that failed after retries.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.CheckpointErrorsTotal }},

	{"dlq_events_enqueued_total", "Malformed records saved to the local DLQ.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.DLQEventsEnqueuedTotal }},
	{"dlq_events_reuploaded_total", "DLQ records uploaded to S3.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.DLQEventsReuploadedTotal }},
	{"dlq_events_dropped_total", "Malformed records dropped because the DLQ was full.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.DLQEventsDroppedTotal }},
	{"dlq_files_expired_total", "DLQ files removed by TTL or capacity.", prometheus.CounterValue, func(m *Metrics) *int64 { return &m.DLQFilesExpiredTotal }},
	{"dlq_files_current", "DLQ files on disk.", prometheus.GaugeValue, func(m *Metrics) *int64 { return &m.DLQFilesCurrent }},
	{"dlq_size_bytes", "DLQ bytes on disk.", prometheus.GaugeValue, func(m *Metrics) *int64 { return &m.DLQSizeBytes }},
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(1024)

	for _, c := range counters {
		fmt.Fprintf(&sb, "%s=%d\n", c.name, atomic.LoadInt64(c.value(m)))
	}
	return sb.String()
}

// Collector
// ------------------------------------------------------------
// atomic 카운터를 scrape 시점에 그대로 읽어서 내보낸다.
// 카운터를 prometheus 타입으로 이중 관리하지 않기 위해 const metric 을 쓴다.
type Collector struct {
	m     *Metrics
	descs []*prometheus.Desc
}

// NewCollector 는 namespace 아래 모든 카운터를 내보내는 Collector.
func NewCollector(namespace string, m *Metrics) *Collector {
	descs := make([]*prometheus.Desc, len(counters))
	for i, c := range counters {
		descs[i] = prometheus.NewDesc(prometheus.BuildFQName(namespace, "", c.name), c.help, nil, nil)
	}
	return &Collector{m: m, descs: descs}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
	c.m.cycleDuration.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for i, ctr := range counters {
		v := atomic.LoadInt64(ctr.value(c.m))
		ch <- prometheus.MustNewConstMetric(c.descs[i], ctr.kind, float64(v))
	}
	c.m.cycleDuration.Collect(ch)
}

// Register 는 Collector 를 reg 에 등록한다.
func (m *Metrics) Register(namespace string, reg prometheus.Registerer) error {
	return reg.Register(NewCollector(namespace, m))
}
