package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval 는 trigger 주기 기본값 (processingTime = 10 seconds).
const DefaultInterval = 10 * time.Second

// CycleFunc 는 한 번의 처리 cycle.
// error 를 반환하면 scheduler 는 즉시 멈추고 그 error 를 그대로 돌려준다.
// 따라서 재시도 가능한 오류는 cycle 안에서 처리하고 nil 을 반환해야 한다.
type CycleFunc func(ctx context.Context) error

// Scheduler
// ------------------------------------------------------------
// 고정 주기 micro-batch trigger.
//
//   - 첫 cycle 은 시작 즉시 실행
//   - 다음 cycle 은 "이전 cycle 이 끝난 시점"부터 interval 뒤에 실행
//     (wall-clock slot 기준이 아니므로 cycle 끼리 절대 겹치지 않는다)
//   - cycle 이 interval 보다 오래 걸리면 놓친 tick 은 쌓지 않고 버린다(skip)
//
// cycle 은 Run 을 호출한 goroutine 에서 순차 실행되므로
// 같은 partition 집합에 대해 두 cycle 이 동시에 도는 일은 없다.
type Scheduler struct {
	interval time.Duration

	ticks   atomic.Int64
	skipped atomic.Int64
}

// New 는 interval 주기의 Scheduler 를 만든다. 0 이하이면 DefaultInterval.
func New(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{interval: interval}
}

// Interval 은 설정된 trigger 주기.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Ticks 는 지금까지 실행된 cycle 수.
func (s *Scheduler) Ticks() int64 { return s.ticks.Load() }

// Skipped 는 cycle 이 길어져서 버려진 tick 수.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

// Run 은 ctx 가 취소될 때까지 cycle 을 반복한다.
// 취소는 cycle 경계에서만 확인한다. 진행 중인 cycle 은 끝까지 돈다
// (cycle 내부에서 ctx 를 어떻게 다룰지는 cycle 의 책임).
func (s *Scheduler) Run(ctx context.Context, cycle CycleFunc) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		// timer 와 ctx 가 동시에 준비된 경우 select 는 임의로 고르므로 한 번 더 확인
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		s.ticks.Add(1)

		if err := cycle(ctx); err != nil {
			return err
		}

		if elapsed := time.Since(start); elapsed > s.interval {
			missed := int64(elapsed / s.interval)
			s.skipped.Add(missed)
			log.Warn().
				Str("component", "scheduler").
				Dur("elapsed", elapsed).
				Dur("interval", s.interval).
				Int64("skipped_ticks", missed).
				Msg("cycle overran trigger interval")
		}

		// timer.C 는 위 select 에서 이미 비웠으므로 바로 Reset 가능
		timer.Reset(s.interval)
	}
}
