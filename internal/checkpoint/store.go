// internal/checkpoint/store.go
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"event-extract/internal/model"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrCorrupt: checkpoint 가 깨졌거나 일부만 기록된 상태.
	// 잘못된 offset 에서 조용히 재개하는 것보다 프로세스를 죽이는 편이 낫다 (fatal).
	ErrCorrupt = errors.New("checkpoint corrupt")

	// ErrRegression: 어떤 partition 의 offset 이 뒤로 가는 commit.
	// 정상 흐름에서는 나올 수 없으므로 재시도하지 않는다.
	ErrRegression = errors.New("checkpoint offset regression")

	// ErrClosed: Close 이후 호출.
	ErrClosed = errors.New("checkpoint store closed")
)

// Store
// ------------------------------------------------------------
// partition 별 마지막 처리 완료 offset 을 내구성 있게 보관한다.
//
//   - Load: 저장된 offset. checkpoint 가 아직 없으면 빈 map (start sentinel 은 source 가 적용)
//   - Commit: 모든 partition 을 한 번에 갱신 (전부 or 전무).
//     저장값과 같으면 no-op, 뒤로 가면 ErrRegression.
//
// Commit 과 Load 는 서로 배타적으로 실행된다.
type Store interface {
	Load(ctx context.Context) (model.Offsets, error)
	Commit(ctx context.Context, offsets model.Offsets) error
	Close() error
}

// Permanent 는 재시도해도 소용없는 오류인지 판단한다.
func Permanent(err error) bool {
	return errors.Is(err, ErrCorrupt) || errors.Is(err, ErrRegression) || errors.Is(err, ErrClosed)
}

// checkRegression 은 next 가 current 보다 뒤로 가는 partition 이 있는지 본다.
// current 에 있던 partition 이 next 에서 빠지는 것도 regression 으로 취급한다.
func checkRegression(current, next model.Offsets) error {
	for p, cur := range current {
		n, ok := next[p]
		if !ok {
			return fmt.Errorf("%w: partition %d dropped (was %d)", ErrRegression, p, cur)
		}
		if n < cur {
			return fmt.Errorf("%w: partition %d %d -> %d", ErrRegression, p, cur, n)
		}
	}
	return nil
}

// RetryPolicy 는 CommitWithRetry 의 backoff 설정.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy: 일시적인 디스크/IO 오류를 몇 초 정도 버틴다.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxElapsedTime:  15 * time.Second,
}

func (p RetryPolicy) backOff() backoff.BackOff {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = p.InitialInterval
	boff.MaxInterval = p.MaxInterval
	boff.MaxElapsedTime = p.MaxElapsedTime
	return boff
}

// CommitWithRetry
// ------------------------------------------------------------
// 일시적인 오류는 exponential backoff 로 재시도한다.
// ErrCorrupt / ErrRegression / ErrClosed 는 바로 반환 (Permanent).
// onRetry 는 재시도 직전마다 호출된다 (nil 가능).
func CommitWithRetry(
	ctx context.Context,
	s Store,
	offsets model.Offsets,
	policy RetryPolicy,
	onRetry func(err error, wait time.Duration),
) error {
	op := func() error {
		err := s.Commit(ctx, offsets)
		if err != nil && Permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.RetryNotify(op, backoff.WithContext(policy.backOff(), ctx), onRetry)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Backend 이름.
const (
	BackendFile   = "file"
	BackendPebble = "pebble"
)

// Open 은 backend 에 맞는 Store 를 연다.
func Open(backend, dir, topic string) (Store, error) {
	switch backend {
	case "", BackendFile:
		return OpenFile(dir, topic)
	case BackendPebble:
		return OpenPebble(dir, topic, nil)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", backend)
	}
}
