// internal/checkpoint/pebble.go
package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	"event-extract/internal/model"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// PebbleStore
// ------------------------------------------------------------
// Pebble(LSM KV) 기반 checkpoint.
//
// Key 형식:
//
//	checkpoint/<topic>/<partition 10자리 zero-pad>  → offset (8 byte big-endian)
//
// 한 번의 Commit 은 하나의 pebble.Batch 로 묶어서 pebble.Sync 로 커밋하므로
// 모든 partition 이 함께 반영되거나 전혀 반영되지 않는다.
type PebbleStore struct {
	db     *pebble.DB
	prefix []byte

	mu      sync.RWMutex
	current model.Offsets
}

// OpenPebble 은 dir 에 Pebble DB 를 연다 (없으면 생성).
func OpenPebble(dir, topic string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble checkpoint %s: %w", dir, err)
	}
	log.Info().Str("component", "checkpoint").Str("path", dir).Msg("pebble checkpoint opened")

	return &PebbleStore{
		db:     db,
		prefix: []byte("checkpoint/" + topic + "/"),
	}, nil
}

func (s *PebbleStore) key(p int32) []byte {
	return append(append([]byte{}, s.prefix...), []byte(fmt.Sprintf("%010d", p))...)
}

// upperBound 는 prefix 바로 다음 key ('/' 다음 문자 '0').
func (s *PebbleStore) upperBound() []byte {
	ub := append([]byte{}, s.prefix...)
	ub[len(ub)-1]++
	return ub
}

// Load 는 topic prefix 아래 모든 partition offset 을 읽는다.
func (s *PebbleStore) Load(_ context.Context) (model.Offsets, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, ErrClosed
	}

	offsets, err := s.read()
	if err != nil {
		return nil, err
	}
	s.current = offsets
	return offsets.Clone(), nil
}

func (s *PebbleStore) read() (model.Offsets, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: s.prefix,
		UpperBound: s.upperBound(),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	offsets := model.Offsets{}
	for iter.First(); iter.Valid(); iter.Next() {
		k := bytes.TrimPrefix(iter.Key(), s.prefix)
		n, err := strconv.ParseInt(string(k), 10, 32)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad partition key %q", ErrCorrupt, iter.Key())
		}
		p := int32(n)
		v := iter.Value()
		if len(v) != 8 {
			return nil, fmt.Errorf("%w: partition %d value is %d bytes", ErrCorrupt, p, len(v))
		}
		off := int64(binary.BigEndian.Uint64(v))
		if off < 0 {
			return nil, fmt.Errorf("%w: partition %d negative offset", ErrCorrupt, p)
		}
		offsets[p] = off
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	return offsets, nil
}

// Commit 은 모든 partition 을 하나의 batch 로 기록한다.
func (s *PebbleStore) Commit(_ context.Context, offsets model.Offsets) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrClosed
	}

	if s.current == nil {
		cur, err := s.read()
		if err != nil {
			return err
		}
		s.current = cur
	}

	if s.current.Equal(offsets) {
		return nil
	}
	if err := checkRegression(s.current, offsets); err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	var buf [8]byte
	for _, p := range offsets.Partitions() {
		binary.BigEndian.PutUint64(buf[:], uint64(offsets[p]))
		if err := b.Set(s.key(p), buf[:], nil); err != nil {
			return fmt.Errorf("pebble batch set: %w", err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}

	s.current = offsets.Clone()
	return nil
}

// Close 는 DB 를 닫는다. 여러 번 호출해도 안전.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	log.Info().Str("component", "checkpoint").Msg("pebble checkpoint closed")
	return err
}
