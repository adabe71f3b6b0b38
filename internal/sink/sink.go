// internal/sink/sink.go
package sink

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"event-extract/internal/model"

	"github.com/cespare/xxhash/v2"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

// Extension 은 unit 파일 확장자.
const Extension = ".parquet"

// Unit
// ------------------------------------------------------------
// 한 cycle 의 accepted row 묶음. sink 에 통째로 기록되거나 전혀 기록되지 않는다.
//
//   - Name: topic 과 partition 별 offset 구간으로부터 결정적으로 만든 이름.
//     같은 구간을 다시 처리하면(commit 실패 후 replay) 같은 이름이 나오므로
//     이전 시도의 결과를 덮어쓴다.
//   - Partition: "dt=YYYY-MM-DD" (batch 첫 레코드의 UTC 날짜)
type Unit struct {
	Name      string
	Partition string
	Rows      []model.OutputRow
}

// Path 는 sink root 기준 상대 경로. "dt=2024-05-01/events-1a2b....parquet"
func (u Unit) Path() string {
	return u.Partition + "/" + u.Name + Extension
}

// NewUnit 은 batch 를 출력 unit 으로 만든다.
func NewUnit(b *model.Batch) Unit {
	return Unit{
		Name:      UnitName(b.Topic, b.Ranges),
		Partition: "dt=" + b.FirstTimestamp().UTC().Format("2006-01-02"),
		Rows:      b.Rows(),
	}
}

// UnitName 은 "<topic>-<xxhash64 hex>" 형태의 이름을 만든다.
// hash 입력은 "p:first-last" 를 partition 오름차순으로 이은 문자열.
func UnitName(topic string, ranges map[int32]model.OffsetRange) string {
	ps := make(model.Offsets, len(ranges))
	for p := range ranges {
		ps[p] = 0
	}

	var sb strings.Builder
	sb.WriteString(topic)
	for _, p := range ps.Partitions() {
		r := ranges[p]
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatInt(int64(p), 10))
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatInt(r.First, 10))
		sb.WriteByte('-')
		sb.WriteString(strconv.FormatInt(r.Last, 10))
	}
	return fmt.Sprintf("%s-%016x", topic, xxhash.Sum64String(sb.String()))
}

// Sink 는 unit 을 내구성 있게 기록한다.
// Write 가 nil 을 반환하면 그 unit 은 이후 어떤 crash 에도 살아남는다.
type Sink interface {
	Write(ctx context.Context, u Unit) error
	Close() error
}

// ParseCompression 은 parquet 압축 codec 이름을 해석한다.
func ParseCompression(name string) (compress.Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zstd":
		return &parquet.Zstd, nil
	case "snappy":
		return &parquet.Snappy, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "none", "uncompressed":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("parquet compression type %q not recognised", name)
	}
}

// Encode 는 rows 를 parquet 파일 하나로 w 에 쓴다.
// 컬럼 순서/nullability 는 model.OutputRow 의 struct tag 가 정한다.
func Encode(w io.Writer, rows []model.OutputRow, codec compress.Codec) error {
	if codec == nil {
		codec = &parquet.Zstd
	}
	pw := parquet.NewGenericWriter[model.OutputRow](w, parquet.Compression(codec))
	if _, err := pw.Write(rows); err != nil {
		return fmt.Errorf("parquet write: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("parquet close: %w", err)
	}
	return nil
}
