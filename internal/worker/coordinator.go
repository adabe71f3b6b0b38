// internal/worker/coordinator.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"event-extract/internal/checkpoint"
	"event-extract/internal/filter"
	"event-extract/internal/metrics"
	"event-extract/internal/model"
	"event-extract/internal/scheduler"
	"event-extract/internal/schema"
	"event-extract/internal/sink"
	"event-extract/internal/source"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// State 는 Coordinator 의 현재 단계.
type State int32

const (
	StateIdle State = iota
	StateReading
	StateProcessing
	StateCommitting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateProcessing:
		return "processing"
	case StateCommitting:
		return "committing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CycleError 는 한 cycle 의 실패. checkpoint 는 전진하지 않았고
// 다음 cycle 이 같은 구간을 다시 읽는다.
type CycleError struct {
	Stage string // "sink" | "checkpoint"
	Err   error
}

func (e *CycleError) Error() string { return fmt.Sprintf("cycle failed at %s: %v", e.Stage, e.Err) }
func (e *CycleError) Unwrap() error { return e.Err }

// FatalError 는 Coordinator 를 Failed 로 만든 오류. 프로세스는 종료해야 한다.
type FatalError struct {
	Component string // "checkpoint" | "sink" | "source"
	Err       error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: %v", e.Component, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// CycleStats 는 cycle 하나의 결과 요약.
type CycleStats struct {
	CycleID        string
	RecordsRead    int
	Duplicates     int
	DecodeFailures int
	Filtered       int
	Accepted       int
	Unit           string // 기록한 unit 이름 (없으면 "")
	DLQFile        string
	Committed      bool
	Duration       time.Duration
}

// Options 는 cycle 동작 파라미터.
type Options struct {
	Topic              string
	MaxRecordsPerCycle int
	ReadTimeout        time.Duration
	CommitTimeout      time.Duration
	DecodeWorkers      int

	// SourceAlertAfter 번 연속으로 source 를 읽지 못하면 매 cycle error 로그.
	SourceAlertAfter int
	// SinkMaxFailures 번 연속 sink 실패 → Failed. 0 이면 무제한.
	SinkMaxFailures int

	CommitRetry checkpoint.RetryPolicy

	// DLQDrainPerCycle 은 cycle 끝마다 처리할 DLQ 파일 수.
	DLQDrainPerCycle int
}

func (o Options) withDefaults() Options {
	if o.MaxRecordsPerCycle <= 0 {
		o.MaxRecordsPerCycle = 10000
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 5 * time.Second
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = 60 * time.Second
	}
	if o.DecodeWorkers <= 0 {
		o.DecodeWorkers = runtime.NumCPU()
	}
	if o.SourceAlertAfter <= 0 {
		o.SourceAlertAfter = 6
	}
	if o.CommitRetry == (checkpoint.RetryPolicy{}) {
		o.CommitRetry = checkpoint.DefaultRetryPolicy
	}
	if o.DLQDrainPerCycle <= 0 {
		o.DLQDrainPerCycle = 3
	}
	return o
}

// Coordinator
// ------------------------------------------------------------
// micro-batch 한 cycle 의 전체 흐름을 제어한다.
//
//	Idle → Reading → Processing → Committing → Idle
//	                                   └──────→ Failed (terminal)
//
//   - Reading: checkpoint 다음 구간을 source 에서 읽는다 (ReadTimeout)
//   - Processing: decode + filter 를 worker pool 에서 병렬로, 결과는 index 로 모아 순서 유지
//   - Committing: sink 에 unit 을 쓰고, 성공한 뒤에만 checkpoint 를 전진
//
// sink 기록과 checkpoint 사이에서 죽으면 재시작 후 같은 구간을 다시 읽어
// 같은 이름의 unit 을 다시 쓴다 (at-least-once).
//
// RunCycle 은 scheduler goroutine 에서만 호출된다. State/Healthy/Committed 는
// 다른 goroutine(HTTP)에서 읽어도 안전하다.
type Coordinator struct {
	opts    Options
	src     source.Source
	filter  *filter.Filter
	sink    sink.Sink
	store   checkpoint.Store
	dlq     *DLQ
	metrics *metrics.Metrics

	state atomic.Int32
	fatal *FatalError

	started        bool
	committed      model.Offsets
	sourceFailures int
	sinkFailures   int

	snapMu   sync.RWMutex
	snapshot model.Offsets
}

// NewCoordinator 는 구성 요소를 묶는다. dlq 는 nil 가능.
func NewCoordinator(
	opts Options,
	src source.Source,
	f *filter.Filter,
	snk sink.Sink,
	store checkpoint.Store,
	dlq *DLQ,
	m *metrics.Metrics,
) *Coordinator {
	if m == nil {
		m = metrics.New()
	}
	return &Coordinator{
		opts:    opts.withDefaults(),
		src:     src,
		filter:  f,
		sink:    snk,
		store:   store,
		dlq:     dlq,
		metrics: m,
	}
}

// State 는 현재 단계.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Healthy 는 Failed 가 아니면 true.
func (c *Coordinator) Healthy() bool { return c.State() != StateFailed }

// Committed 는 마지막으로 commit 된 offset 의 복사본.
func (c *Coordinator) Committed() model.Offsets {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot.Clone()
}

// Summary 는 /stats 에 붙는 상태 요약.
func (c *Coordinator) Summary() string {
	committed := c.Committed()
	parts := make([]string, 0, len(committed))
	for _, p := range committed.Partitions() {
		parts = append(parts, strconv.FormatInt(int64(p), 10)+":"+strconv.FormatInt(committed[p], 10))
	}
	return fmt.Sprintf("state=%s\ncommitted_offsets=%s\n", c.State(), strings.Join(parts, ","))
}

func (c *Coordinator) setState(s State) {
	if c.State() == StateFailed {
		return
	}
	c.state.Store(int32(s))
}

func (c *Coordinator) fail(component string, err error) *FatalError {
	c.fatal = &FatalError{Component: component, Err: err}
	c.state.Store(int32(StateFailed))
	return c.fatal
}

func (c *Coordinator) setCommitted(o model.Offsets) {
	c.committed = o
	c.snapMu.Lock()
	c.snapshot = o.Clone()
	c.snapMu.Unlock()
}

// Start 는 checkpoint 를 한 번 읽는다. 읽을 수 없으면 Failed.
func (c *Coordinator) Start(ctx context.Context) error {
	offsets, err := c.store.Load(ctx)
	if err != nil {
		return c.fail("checkpoint", fmt.Errorf("load checkpoint: %w", err))
	}
	c.setCommitted(offsets)
	c.started = true

	log.Info().
		Str("component", "coordinator").
		Str("topic", c.opts.Topic).
		Interface("committed", offsets).
		Msg("checkpoint loaded")
	return nil
}

// Run 은 Start 후 scheduler 로 cycle 을 반복한다.
// 종료 신호면 nil, Failed 가 되면 *FatalError.
func (c *Coordinator) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	return sched.Run(ctx, func(ctx context.Context) error {
		_, err := c.RunCycle(ctx)

		var fe *FatalError
		if errors.As(err, &fe) {
			return fe
		}

		// DLQ starvation 방지: 매 cycle 끝에 몇 개씩 처리
		if c.dlq != nil {
			c.dlq.Drain(ctx, c.opts.DLQDrainPerCycle)
		}
		return nil
	})
}

// RunCycle
// ------------------------------------------------------------
// cycle 하나를 실행한다.
//   - 빈 cycle / source 장애 → (stats, nil)
//   - sink / checkpoint 일시 실패 → *CycleError (checkpoint 그대로)
//   - 복구 불가 → *FatalError (State 는 Failed)
func (c *Coordinator) RunCycle(ctx context.Context) (stats CycleStats, err error) {
	if c.fatal != nil {
		return stats, c.fatal
	}
	if !c.started {
		return stats, errors.New("coordinator not started")
	}

	start := time.Now()
	stats.CycleID = uuid.NewString()
	atomic.AddInt64(&c.metrics.CyclesTotal, 1)

	defer func() {
		stats.Duration = time.Since(start)
		c.metrics.ObserveCycle(stats.Duration)
		c.setState(StateIdle)
		c.logCycle(stats, err)
	}()

	// --- 1) Reading ---
	c.setState(StateReading)
	recs, ok := c.read(ctx)
	if !ok || len(recs) == 0 {
		atomic.AddInt64(&c.metrics.CyclesEmptyTotal, 1)
		return stats, nil
	}
	stats.RecordsRead = len(recs)
	atomic.AddInt64(&c.metrics.RecordsReadTotal, int64(len(recs)))

	// --- 2) Processing ---
	c.setState(StateProcessing)
	batch, letters := c.process(recs, &stats)

	if len(letters) > 0 && c.dlq != nil {
		name, derr := c.dlq.Save(letters, stats.CycleID)
		if derr != nil {
			log.Error().Str("component", "dlq").Err(derr).Int("events", len(letters)).Msg("dlq save failed")
		}
		stats.DLQFile = name
	}

	if batch.Empty() {
		// 전부 이미 commit 된 레코드였다
		return stats, nil
	}

	// --- 3) Committing ---
	// shutdown 신호가 와도 commit 은 끝까지 (CommitTimeout 으로만 제한)
	c.setState(StateCommitting)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CommitTimeout)
	defer cancel()

	if len(batch.Events) > 0 {
		unit := sink.NewUnit(batch)
		stats.Unit = unit.Name

		if werr := c.sink.Write(cctx, unit); werr != nil {
			atomic.AddInt64(&c.metrics.SinkErrorsTotal, 1)
			atomic.AddInt64(&c.metrics.CyclesFailedTotal, 1)
			c.sinkFailures++
			if c.opts.SinkMaxFailures > 0 && c.sinkFailures >= c.opts.SinkMaxFailures {
				return stats, c.fail("sink", fmt.Errorf("%d consecutive write failures: %w", c.sinkFailures, werr))
			}
			return stats, &CycleError{Stage: "sink", Err: werr}
		}
		c.sinkFailures = 0
		atomic.AddInt64(&c.metrics.SinkUnitsWrittenTotal, 1)
		atomic.AddInt64(&c.metrics.SinkRowsWrittenTotal, int64(len(unit.Rows)))
	}

	next := batch.Advance(c.committed)
	cerr := checkpoint.CommitWithRetry(cctx, c.store, next, c.opts.CommitRetry, func(err error, wait time.Duration) {
		log.Warn().
			Str("component", "checkpoint").
			Str("cycle_id", stats.CycleID).
			Dur("backoff", wait).
			Err(err).
			Msg("checkpoint commit failed, retrying")
	})
	if cerr != nil {
		atomic.AddInt64(&c.metrics.CheckpointErrorsTotal, 1)
		atomic.AddInt64(&c.metrics.CyclesFailedTotal, 1)
		if checkpoint.Permanent(cerr) {
			return stats, c.fail("checkpoint", cerr)
		}
		return stats, &CycleError{Stage: "checkpoint", Err: cerr}
	}

	c.setCommitted(next)
	stats.Committed = true
	atomic.AddInt64(&c.metrics.CheckpointCommitsTotal, 1)
	return stats, nil
}

// read 는 ReadTimeout 안에서 source 를 읽는다.
// 읽지 못하면 ok=false (빈 cycle 로 취급).
func (c *Coordinator) read(ctx context.Context) ([]model.RawRecord, bool) {
	readCtx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
	defer cancel()

	recs, err := c.src.Read(readCtx, c.committed.Clone(), c.opts.MaxRecordsPerCycle)
	if err == nil {
		if c.sourceFailures >= c.opts.SourceAlertAfter {
			log.Info().
				Str("component", "source").
				Int("failed_cycles", c.sourceFailures).
				Msg("source recovered")
		}
		c.sourceFailures = 0
		return recs, true
	}

	// shutdown 중 취소된 read 는 장애가 아니다
	if ctx.Err() != nil {
		return nil, false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		atomic.AddInt64(&c.metrics.SourceTimeoutsTotal, 1)
	} else {
		atomic.AddInt64(&c.metrics.SourceErrorsTotal, 1)
	}
	c.sourceFailures++

	ev := log.Warn()
	if c.sourceFailures >= c.opts.SourceAlertAfter {
		ev = log.Error()
	}
	ev.Str("component", "source").
		Int("consecutive_failures", c.sourceFailures).
		Err(err).
		Msg("source unavailable")
	return nil, false
}

type decoded struct {
	ev       model.DecodedEvent
	err      error
	accepted bool
}

// minChunk 보다 작게 쪼개면 goroutine 비용이 decode 비용보다 커진다.
const minChunk = 64

// process 는 중복 제거 → 병렬 decode/filter → 순서대로 batch 조립.
func (c *Coordinator) process(recs []model.RawRecord, stats *CycleStats) (*model.Batch, []model.DeadLetter) {
	fresh := recs[:0:0]
	for _, r := range recs {
		if last, ok := c.committed[r.Partition]; ok && r.Offset <= last {
			stats.Duplicates++
			continue
		}
		fresh = append(fresh, r)
	}
	if stats.Duplicates > 0 {
		atomic.AddInt64(&c.metrics.DuplicatesDroppedTotal, int64(stats.Duplicates))
	}

	results := c.decodeAll(fresh)

	batch := &model.Batch{
		Topic:  c.opts.Topic,
		Ranges: make(map[int32]model.OffsetRange),
	}
	var letters []model.DeadLetter

	for i, r := range fresh {
		if batch.Topic == "" {
			batch.Topic = r.Topic
		}

		rg, ok := batch.Ranges[r.Partition]
		if !ok {
			rg = model.OffsetRange{First: r.Offset, Last: r.Offset}
		}
		if r.Offset < rg.First {
			rg.First = r.Offset
		}
		if r.Offset > rg.Last {
			rg.Last = r.Offset
		}
		batch.Ranges[r.Partition] = rg

		res := results[i]
		switch {
		case res.err != nil:
			stats.DecodeFailures++
			letters = append(letters, model.DeadLetter{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset,
				Timestamp: r.Timestamp.UTC().Format(model.TimestampLayout),
				Payload:   string(r.Value),
				Error:     res.err.Error(),
			})
		case res.accepted:
			stats.Accepted++
			batch.Events = append(batch.Events, res.ev)
		default:
			stats.Filtered++
		}
	}

	atomic.AddInt64(&c.metrics.DecodeFailuresTotal, int64(stats.DecodeFailures))
	atomic.AddInt64(&c.metrics.RecordsAcceptedTotal, int64(stats.Accepted))
	atomic.AddInt64(&c.metrics.RecordsFilteredTotal, int64(stats.Filtered))
	return batch, letters
}

// decodeAll 은 recs 를 연속 구간으로 나눠 worker pool 에서 처리한다.
// 결과는 입력과 같은 index 에 기록되므로 partition 내 순서가 유지된다.
func (c *Coordinator) decodeAll(recs []model.RawRecord) []decoded {
	out := make([]decoded, len(recs))
	if len(recs) == 0 {
		return out
	}

	workers := c.opts.DecodeWorkers
	chunk := (len(recs) + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for lo := 0; lo < len(recs); lo += chunk {
		hi := min(lo+chunk, len(recs))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				ev, err := schema.DecodeRecord(recs[i])
				out[i] = decoded{ev: ev, err: err, accepted: err == nil && c.filter.Accept(ev)}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// logCycle 은 cycle 마다 한 줄.
func (c *Coordinator) logCycle(stats CycleStats, err error) {
	var ev *zerolog.Event
	var fe *FatalError
	switch {
	case errors.As(err, &fe):
		ev = log.Error().Err(err).Str("failed_component", fe.Component)
	case err != nil:
		ev = log.Warn().Err(err)
	default:
		ev = log.Info()
	}

	ev.Str("component", "coordinator").
		Str("cycle_id", stats.CycleID).
		Int("records_read", stats.RecordsRead).
		Int("duplicates_dropped", stats.Duplicates).
		Int("decode_failures", stats.DecodeFailures).
		Int("filtered", stats.Filtered).
		Int("accepted", stats.Accepted).
		Int64("duration_ms", stats.Duration.Milliseconds()).
		Str("unit", stats.Unit).
		Bool("committed", stats.Committed).
		Msg("cycle")
}
