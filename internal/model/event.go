// internal/model/event.go
package model

import (
	"sort"
	"time"
)

// TimestampLayout 는 출력 row 의 timestamp 컬럼 문자열 형식이다.
// 항상 UTC 기준, 밀리초 정밀도.
const TimestampLayout = "2006-01-02 15:04:05.000"

// 알려진(스키마) 필드 이름. payload 의 key 와 대소문자까지 정확히 일치해야 한다.
const (
	FieldAccept    = "Accept"
	FieldHost      = "Host"
	FieldUserAgent = "User-Agent"
	FieldEventType = "event_type"
)

// RawRecord
// ------------------------------------------------------------
// source(Kafka) 에서 읽은 레코드 1건. 읽은 이후에는 변경하지 않는다.
// Coordinator 가 한 cycle 동안만 소유한다.
type RawRecord struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time // source 가 부여한 ingestion(arrival) 시각
	Value     []byte    // 원본 payload
}

// DecodedEvent
// ------------------------------------------------------------
// Validator 가 RawRecord 로부터 만든 구조화된 이벤트.
// payload 에 없거나 문자열이 아닌 필드는 nil 로 남긴다 (기본값 채우지 않음).
type DecodedEvent struct {
	Accept    *string
	Host      *string
	UserAgent *string
	EventType *string

	Raw       []byte
	Timestamp time.Time
	Partition int32
	Offset    int64
}

// OutputRow
// ------------------------------------------------------------
// sink(Parquet)에 저장되는 row. 컬럼 순서와 nullability 는
// downstream 호환을 위해 절대 바꾸지 않는다.
//
//	raw_event, timestamp, Accept, Host, User-Agent, event_type
type OutputRow struct {
	RawEvent  string  `parquet:"raw_event"`
	Timestamp string  `parquet:"timestamp"`
	Accept    *string `parquet:"Accept,optional"`
	Host      *string `parquet:"Host,optional"`
	UserAgent *string `parquet:"User-Agent,optional"`
	EventType *string `parquet:"event_type,optional"`
}

// Row 는 이벤트를 출력 스키마로 projection 한다.
func (e DecodedEvent) Row() OutputRow {
	return OutputRow{
		RawEvent:  string(e.Raw),
		Timestamp: e.Timestamp.UTC().Format(TimestampLayout),
		Accept:    e.Accept,
		Host:      e.Host,
		UserAgent: e.UserAgent,
		EventType: e.EventType,
	}
}

// Offsets 는 partition 별 "마지막으로 처리 완료된" offset 이다.
// map 에 없는 partition 은 아직 checkpoint 가 없다는 뜻 (start sentinel 적용).
type Offsets map[int32]int64

// Clone 은 독립적인 복사본을 만든다.
func (o Offsets) Clone() Offsets {
	out := make(Offsets, len(o))
	for p, off := range o {
		out[p] = off
	}
	return out
}

// Equal 은 두 offset 맵이 같은 partition 집합과 값을 가지는지 비교한다.
func (o Offsets) Equal(other Offsets) bool {
	if len(o) != len(other) {
		return false
	}
	for p, off := range o {
		v, ok := other[p]
		if !ok || v != off {
			return false
		}
	}
	return true
}

// Partitions 는 정렬된 partition 목록을 반환한다.
func (o Offsets) Partitions() []int32 {
	ps := make([]int32, 0, len(o))
	for p := range o {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}

// OffsetRange 는 한 cycle 이 한 partition 에서 소비한 offset 구간 [First, Last].
type OffsetRange struct {
	First int64
	Last  int64
}

// Batch
// ------------------------------------------------------------
// 두 tick 사이에 모인 accepted 이벤트와, 그 cycle 이 소비한 partition 별 구간.
// 필터에서 떨어진 레코드도 Ranges 에는 포함된다 (checkpoint 는 읽은 만큼 전진).
type Batch struct {
	Topic  string
	Events []DecodedEvent
	Ranges map[int32]OffsetRange
}

// Empty 는 이번 cycle 에 읽은 레코드가 하나도 없는지 여부.
func (b *Batch) Empty() bool {
	return len(b.Ranges) == 0
}

// Advance 는 기존 committed offset 에 이 batch 의 구간을 반영한 새 offset 맵을 만든다.
func (b *Batch) Advance(committed Offsets) Offsets {
	next := committed.Clone()
	for p, r := range b.Ranges {
		if cur, ok := next[p]; !ok || r.Last > cur {
			next[p] = r.Last
		}
	}
	return next
}

// Rows 는 accepted 이벤트들을 출력 row 로 변환한다.
func (b *Batch) Rows() []OutputRow {
	rows := make([]OutputRow, len(b.Events))
	for i := range b.Events {
		rows[i] = b.Events[i].Row()
	}
	return rows
}

// FirstTimestamp 는 batch 안에서 가장 이른 ingestion 시각.
// 출력 unit 의 날짜 파티션(dt=)을 결정하는 데 쓰이므로 replay 해도 동일해야 한다.
func (b *Batch) FirstTimestamp() time.Time {
	var first time.Time
	for i := range b.Events {
		ts := b.Events[i].Timestamp
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
	}
	return first
}

// DeadLetter
// ------------------------------------------------------------
// 디코딩에 실패한 레코드를 로컬 DLQ 에 JSONL 로 남길 때의 한 줄.
type DeadLetter struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
	Error     string `json:"error"`
}
