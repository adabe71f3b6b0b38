// internal/schema/validator.go
package schema

import (
	"bytes"
	"errors"
	"fmt"

	"event-extract/internal/model"

	json "github.com/goccy/go-json"
)

// DecodeErrorKind 는 디코딩 실패 분류.
type DecodeErrorKind int

const (
	// Malformed: JSON 이 아니거나, 최상위 값이 object 가 아닌 payload.
	// 재시도하지 않는다 (같은 바이트는 몇 번을 다시 읽어도 실패).
	Malformed DecodeErrorKind = iota + 1
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// ErrMalformed 는 errors.Is 비교용 sentinel.
var ErrMalformed = errors.New("malformed payload")

// DecodeError 는 레코드 단위 오류다. cycle 을 중단시키지 않는다.
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode: %s", e.Kind)
	}
	return fmt.Sprintf("decode: %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is 는 Malformed 종류의 오류를 ErrMalformed 와 동일하게 취급한다.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed && e.Kind == Malformed
}

func malformed(err error) *DecodeError {
	return &DecodeError{Kind: Malformed, Err: err}
}

// 스키마 (모든 필드 nullable string):
//
//	root
//	|-- Accept: string (nullable = true)
//	|-- Host: string (nullable = true)
//	|-- User-Agent: string (nullable = true)
//	|-- event_type: string (nullable = true)

// Decode
// ------------------------------------------------------------
// 임의의 바이트를 JSON object 로 파싱해서 DecodedEvent 로 만든다.
//
//   - key 는 대소문자 구분, 정확히 일치하는 것만 사용
//   - 모르는 key 는 무시
//   - 없는 key → nil
//   - 문자열이 아닌 값 (숫자/bool/object/array/null) → nil
//     필드 하나가 이상하다고 레코드 전체를 버리지 않는다.
//
// 반환되는 이벤트의 Raw 는 입력 슬라이스를 그대로 참조한다.
func Decode(raw []byte) (model.DecodedEvent, error) {
	var ev model.DecodedEvent

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ev, malformed(errors.New("empty payload"))
	}
	if trimmed[0] != '{' {
		return ev, malformed(errors.New("top-level value is not an object"))
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return ev, malformed(err)
	}

	ev.Raw = raw
	ev.Accept = stringField(obj, model.FieldAccept)
	ev.Host = stringField(obj, model.FieldHost)
	ev.UserAgent = stringField(obj, model.FieldUserAgent)
	ev.EventType = stringField(obj, model.FieldEventType)
	return ev, nil
}

// DecodeRecord 는 Decode 후 source 메타데이터(timestamp/partition/offset)를 채운다.
func DecodeRecord(rec model.RawRecord) (model.DecodedEvent, error) {
	ev, err := Decode(rec.Value)
	if err != nil {
		return ev, err
	}
	ev.Timestamp = rec.Timestamp
	ev.Partition = rec.Partition
	ev.Offset = rec.Offset
	return ev, nil
}

// stringField: JSON string 일 때만 값을 돌려준다.
// null 을 string 으로 Unmarshal 하면 에러 없이 빈 값이 되므로 첫 바이트로 먼저 거른다.
func stringField(obj map[string]json.RawMessage, key string) *string {
	v, ok := obj[key]
	if !ok {
		return nil
	}
	v = bytes.TrimSpace(v)
	if len(v) == 0 || v[0] != '"' {
		return nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil
	}
	return &s
}
