// internal/source/memory.go
package source

import (
	"context"
	"sync"
	"time"

	"event-extract/internal/model"
)

// Memory
// ------------------------------------------------------------
// 프로세스 내부 partition 로그. 테스트와 로컬 replay 용.
// 상태를 들고 있지 않으므로 같은 from 으로 Read 하면 항상 같은 결과가 나온다
// (latest 시작점만 partition 을 처음 볼 때 고정된다).
type Memory struct {
	topic string
	start StartOffset

	mu          sync.Mutex
	logs        map[int32][]model.RawRecord
	base        map[int32]int64
	unavailable error
	closed      bool
	now         func() time.Time
}

// NewMemory 는 partitions 개의 빈 partition 을 가진 로그를 만든다.
func NewMemory(topic string, partitions int, start StartOffset) *Memory {
	m := &Memory{
		topic: topic,
		start: start,
		logs:  make(map[int32][]model.RawRecord, partitions),
		base:  make(map[int32]int64, partitions),
		now:   time.Now,
	}
	for p := 0; p < partitions; p++ {
		m.logs[int32(p)] = nil
	}
	return m
}

// Append 는 partition 끝에 레코드를 붙이고 부여된 offset 을 돌려준다.
func (m *Memory) Append(partition int32, value []byte) int64 {
	return m.AppendAt(partition, value, m.now())
}

// AppendAt 은 ingestion 시각을 지정해서 붙인다.
func (m *Memory) AppendAt(partition int32, value []byte, ts time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	off := int64(len(m.logs[partition]))
	m.logs[partition] = append(m.logs[partition], model.RawRecord{
		Topic:     m.topic,
		Partition: partition,
		Offset:    off,
		Timestamp: ts,
		Value:     append([]byte(nil), value...),
	})
	return off
}

// SetUnavailable 이 nil 이 아니면 이후 Read 는 그 오류를 반환한다 (broker 장애 흉내).
func (m *Memory) SetUnavailable(err error) {
	m.mu.Lock()
	m.unavailable = err
	m.mu.Unlock()
}

// End 는 partition 의 다음 offset (= 길이).
func (m *Memory) End(partition int32) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.logs[partition]))
}

func (m *Memory) Read(ctx context.Context, from model.Offsets, max int) ([]model.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.unavailable != nil {
		return nil, m.unavailable
	}

	var out []model.RawRecord
	for _, p := range m.partitions() {
		next, ok := from[p]
		if ok {
			next++
		} else {
			next = m.startOf(p)
		}

		log := m.logs[p]
		for off := next; off < int64(len(log)); off++ {
			if max > 0 && len(out) >= max {
				return out, nil
			}
			out = append(out, log[off])
		}
	}
	return out, nil
}

func (m *Memory) startOf(p int32) int64 {
	if m.start != StartLatest {
		return 0
	}
	b, ok := m.base[p]
	if !ok {
		b = int64(len(m.logs[p]))
		m.base[p] = b
	}
	return b
}

func (m *Memory) partitions() []int32 {
	o := make(model.Offsets, len(m.logs))
	for p := range m.logs {
		o[p] = 0
	}
	return o.Partitions()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
