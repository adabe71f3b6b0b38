// internal/source/source.go
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"event-extract/internal/model"
)

var (
	// ErrUnavailable: broker 에 닿지 못했거나 topic metadata 를 얻지 못함.
	// Coordinator 는 빈 cycle 로 처리하고 다음 tick 에 다시 시도한다.
	ErrUnavailable = errors.New("source unavailable")

	// ErrClosed: Close 이후 Read.
	ErrClosed = errors.New("source closed")
)

// StartOffset 은 checkpoint 가 없는 partition 을 어디서부터 읽을지 정한다.
type StartOffset string

const (
	StartEarliest StartOffset = "earliest"
	StartLatest   StartOffset = "latest"
)

// ParseStartOffset 은 "earliest" / "latest" 만 허용한다 (대소문자 무시).
func ParseStartOffset(s string) (StartOffset, error) {
	switch StartOffset(strings.ToLower(strings.TrimSpace(s))) {
	case "", StartEarliest:
		return StartEarliest, nil
	case StartLatest:
		return StartLatest, nil
	default:
		return "", fmt.Errorf("invalid start offset %q (want earliest|latest)", s)
	}
}

// Source
// ------------------------------------------------------------
// partition 으로 나뉜 append-only 로그.
//
// Read 는 partition 별로 from[p] 보다 큰 offset 의 레코드를 최대 max 건 돌려준다.
// from 에 없는 partition 은 StartOffset 에서 시작한다.
// 같은 partition 안에서는 offset 오름차순.
//
// ctx 가 끝날 때까지 아무것도 못 읽으면 (nil, ctx.Err()).
// 새 레코드가 없으면 (nil, nil).
type Source interface {
	Read(ctx context.Context, from model.Offsets, max int) ([]model.RawRecord, error)
	Close() error
}
