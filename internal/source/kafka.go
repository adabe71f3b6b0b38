// internal/source/kafka.go
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"event-extract/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig 는 Kafka source 설정.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	Start    StartOffset
	ClientID string

	// FetchMaxWait 는 broker 가 fetch 응답을 붙잡고 있는 최대 시간.
	FetchMaxWait time.Duration
}

// Kafka
// ------------------------------------------------------------
// franz-go direct partition consumer.
//
// consumer group 을 쓰지 않는다. 진행 상황은 오직 checkpoint store 에 있고
// 매 Read 마다 Coordinator 가 넘겨주는 from 이 기준이다.
//
//   - next[p]: client 가 다음에 돌려줄 offset (지금까지 넘겨준 마지막 + 1)
//   - from[p]+1 != next[p] 이면 (이전 cycle 이 sink/commit 에 실패) SetOffsets 로 되감는다
//   - 매 Read 시작 시 ListEndOffsets 로 high watermark 를 찍고, 그 지점까지만 기다린다
//     (따라잡은 상태면 poll 없이 바로 빈 결과)
type Kafka struct {
	topic string
	start StartOffset

	cl  *kgo.Client
	adm *kadm.Client

	mu     sync.Mutex
	base   map[int32]int64 // checkpoint 없는 partition 의 시작 offset (처음 본 시점에 고정)
	next   map[int32]int64
	closed bool
}

// NewKafka 는 client 를 만든다. broker 연결은 첫 Read 에서 이루어진다.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: empty topic")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.WithLogger(&kgoLogger{}),
		// retention 으로 지워진 offset 을 요청하면 남아있는 가장 앞에서 이어간다
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		// commit/abort marker 도 받아서 high watermark 까지의 진행을 판단한다 (observe)
		kgo.KeepControlRecords(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.FetchMaxWait > 0 {
		opts = append(opts, kgo.FetchMaxWait(cfg.FetchMaxWait))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	start := cfg.Start
	if start == "" {
		start = StartEarliest
	}

	log.Info().
		Str("component", "source").
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("start", string(start)).
		Msg("kafka source created")

	return &Kafka{
		topic: cfg.Topic,
		start: start,
		cl:    cl,
		adm:   kadm.NewClient(cl),
		base:  make(map[int32]int64),
		next:  make(map[int32]int64),
	}, nil
}

func (k *Kafka) Read(ctx context.Context, from model.Offsets, max int) ([]model.RawRecord, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil, ErrClosed
	}

	end, err := k.listOffsets(ctx, k.adm.ListEndOffsets)
	if err != nil {
		return nil, err
	}

	want, err := k.resolve(ctx, from, end)
	if err != nil {
		return nil, err
	}
	k.assign(want)

	pending := make(map[int32]int64)
	for p, w := range want {
		if w < end[p] {
			pending[p] = end[p]
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var out []model.RawRecord
	for len(pending) > 0 && (max <= 0 || len(out) < max) {
		n := -1
		if max > 0 {
			n = max - len(out)
		}
		fetches := k.cl.PollRecords(ctx, n)
		if fetches.IsClientClosed() {
			return out, ErrClosed
		}

		var fetchErr error
		fetches.EachError(func(topic string, p int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			log.Warn().Str("component", "source").Str("topic", topic).Int32("partition", p).Err(err).Msg("kafka fetch error")
			fetchErr = err
		})

		fetches.EachRecord(func(r *kgo.Record) {
			if rec, ok := k.observe(r, r.Attrs.IsControl(), pending); ok {
				out = append(out, rec)
			}
		})

		if ctx.Err() != nil {
			break
		}
		if fetchErr != nil && len(out) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, fetchErr)
		}
	}

	if len(out) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return out, nil
}

// observe 는 poll 된 레코드 하나를 반영한다.
// transaction marker(control record)는 offset 만 차지하므로 결과에는 넣지 않고
// 위치만 전진시킨다. 마지막 offset 이 marker 인 partition 도 pending 에서 빠진다.
func (k *Kafka) observe(r *kgo.Record, control bool, pending map[int32]int64) (model.RawRecord, bool) {
	// 되감기 이전 위치의 레코드가 섞여 들어오면 버린다
	if r.Offset < k.next[r.Partition] {
		return model.RawRecord{}, false
	}
	k.next[r.Partition] = r.Offset + 1
	if hw, ok := pending[r.Partition]; ok && r.Offset+1 >= hw {
		delete(pending, r.Partition)
	}
	if control {
		return model.RawRecord{}, false
	}
	return model.RawRecord{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
		Value:     r.Value,
	}, true
}

type listFunc func(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)

// listOffsets 는 topic 의 partition 별 offset 을 조회한다.
func (k *Kafka) listOffsets(ctx context.Context, list listFunc) (map[int32]int64, error) {
	listed, err := list(ctx, k.topic)
	if err == nil {
		err = listed.Error()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: list offsets %s: %v", ErrUnavailable, k.topic, err)
	}

	out := make(map[int32]int64)
	listed.Each(func(o kadm.ListedOffset) {
		out[o.Partition] = o.Offset
	})
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: topic %s has no partitions", ErrUnavailable, k.topic)
	}
	return out, nil
}

// resolve 는 partition 별로 이번 Read 가 시작할 offset 을 정한다.
func (k *Kafka) resolve(ctx context.Context, from model.Offsets, end map[int32]int64) (map[int32]int64, error) {
	want := make(map[int32]int64, len(end))

	var missing bool
	for p := range end {
		if off, ok := from[p]; ok {
			want[p] = off + 1
			continue
		}
		if _, ok := k.base[p]; !ok {
			missing = true
		}
	}

	if missing {
		starts := end
		if k.start == StartEarliest {
			s, err := k.listOffsets(ctx, k.adm.ListStartOffsets)
			if err != nil {
				return nil, err
			}
			starts = s
		}
		for p := range end {
			if _, ok := from[p]; ok {
				continue
			}
			if _, ok := k.base[p]; !ok {
				k.base[p] = starts[p]
			}
		}
	}

	for p := range end {
		if _, ok := want[p]; !ok {
			want[p] = k.base[p]
		}
	}
	return want, nil
}

// assign 은 client 의 fetch 위치를 want 에 맞춘다.
func (k *Kafka) assign(want map[int32]int64) {
	add := make(map[int32]kgo.Offset)
	set := make(map[int32]kgo.EpochOffset)

	for p, w := range want {
		cur, assigned := k.next[p]
		switch {
		case !assigned:
			add[p] = kgo.NewOffset().At(w)
		case cur != w:
			set[p] = kgo.EpochOffset{Epoch: -1, Offset: w}
			log.Info().
				Str("component", "source").
				Int32("partition", p).
				Int64("from", cur).
				Int64("to", w).
				Msg("rewinding partition to checkpoint")
		}
		k.next[p] = w
	}

	if len(add) > 0 {
		k.cl.AddConsumePartitions(map[string]map[int32]kgo.Offset{k.topic: add})
	}
	if len(set) > 0 {
		// SetOffsets 는 해당 partition 에 버퍼된 fetch 를 버린다
		k.cl.SetOffsets(map[string]map[int32]kgo.EpochOffset{k.topic: set})
	}
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true
	k.cl.Close()
	log.Info().Str("component", "source").Msg("kafka source closed")
	return nil
}

// kgoLogger 는 franz-go 내부 로그를 zerolog 로 보낸다.
type kgoLogger struct{}

func (*kgoLogger) Level() kgo.LogLevel {
	switch zerolog.GlobalLevel() {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return kgo.LogLevelDebug
	case zerolog.InfoLevel:
		return kgo.LogLevelInfo
	case zerolog.WarnLevel:
		return kgo.LogLevelWarn
	default:
		return kgo.LogLevelError
	}
}

func (*kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	var lvl zerolog.Level
	switch level {
	case kgo.LogLevelError:
		lvl = zerolog.ErrorLevel
	case kgo.LogLevelWarn:
		lvl = zerolog.WarnLevel
	case kgo.LogLevelInfo:
		lvl = zerolog.InfoLevel
	default:
		lvl = zerolog.DebugLevel
	}

	ev := log.WithLevel(lvl).Str("component", "kafka")
	if len(keyvals) > 0 {
		ev = ev.Fields(keyvals)
	}
	ev.Msg(msg)
}
