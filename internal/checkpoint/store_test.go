package checkpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"event-extract/internal/model"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topic = "events"

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	fs, err := OpenFile(t.TempDir(), topic)
	require.NoError(t, err)

	ps, err := OpenPebble("", topic, &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = fs.Close()
		_ = ps.Close()
	})
	return map[string]Store{"file": fs, "pebble": ps}
}

func TestStore_LoadEmpty(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Load(context.Background())
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStore_CommitAndLoad(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(ctx)
			require.NoError(t, err)

			require.NoError(t, s.Commit(ctx, model.Offsets{0: 41, 1: 7}))
			require.NoError(t, s.Commit(ctx, model.Offsets{0: 41, 1: 9, 2: 0}))

			got, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, model.Offsets{0: 41, 1: 9, 2: 0}, got)
		})
	}
}

func TestStore_CommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			offsets := model.Offsets{0: 5}
			require.NoError(t, s.Commit(ctx, offsets))
			require.NoError(t, s.Commit(ctx, offsets))
			require.NoError(t, s.Commit(ctx, offsets.Clone()))

			got, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, offsets, got)
		})
	}
}

func TestStore_RejectsRegression(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Commit(ctx, model.Offsets{0: 10, 1: 3}))

			err := s.Commit(ctx, model.Offsets{0: 9, 1: 3})
			assert.ErrorIs(t, err, ErrRegression)

			err = s.Commit(ctx, model.Offsets{0: 10})
			assert.ErrorIs(t, err, ErrRegression, "dropping a partition")

			got, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, model.Offsets{0: 10, 1: 3}, got)
		})
	}
}

func TestStore_ClosedStore(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Close())
			assert.ErrorIs(t, s.Commit(ctx, model.Offsets{0: 1}), ErrClosed)
			_, err := s.Load(ctx)
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenFile(dir, topic)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, model.Offsets{3: 100}))
	require.NoError(t, s.Close())

	s2, err := OpenFile(dir, topic)
	require.NoError(t, err)
	got, err := s2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Offsets{3: 100}, got)
}

func TestFileStore_Corrupt(t *testing.T) {
	ctx := context.Background()

	valid := func(t *testing.T, dir string) []byte {
		s, err := OpenFile(dir, topic)
		require.NoError(t, err)
		require.NoError(t, s.Commit(ctx, model.Offsets{0: 1}))
		data, err := os.ReadFile(s.Path())
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name    string
		content func(t *testing.T, dir string) []byte
	}{
		{"empty file", func(*testing.T, string) []byte { return nil }},
		{"not json", func(*testing.T, string) []byte { return []byte("offsets=1") }},
		{"truncated", func(t *testing.T, dir string) []byte {
			d := valid(t, dir)
			return d[:len(d)/2]
		}},
		{"wrong version", func(*testing.T, string) []byte {
			return []byte(`{"version":9,"topic":"events","offsets":{},"checksum":""}`)
		}},
		{"other topic", func(*testing.T, string) []byte {
			return []byte(`{"version":1,"topic":"clicks","offsets":{},"checksum":""}`)
		}},
		{"checksum mismatch", func(*testing.T, string) []byte {
			return []byte(`{"version":1,"topic":"events","offsets":{"0":5},"checksum":"deadbeef"}`)
		}},
		{"bad partition key", func(*testing.T, string) []byte {
			return []byte(`{"version":1,"topic":"events","offsets":{"x":5},"checksum":""}`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			data := tt.content(t, dir)
			require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), data, 0o644))

			s, err := OpenFile(dir, topic)
			require.NoError(t, err)
			_, err = s.Load(ctx)
			assert.ErrorIs(t, err, ErrCorrupt)
			assert.True(t, Permanent(err))
		})
	}
}

func TestFileStore_RemovesStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "."+fileName+".tmp-123")
	require.NoError(t, os.WriteFile(stale, []byte("{"), 0o644))

	_, err := OpenFile(dir, topic)
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_CommitLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenFile(dir, topic)
	require.NoError(t, err)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.Commit(ctx, model.Offsets{0: i}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fileName, entries[0].Name())
}

func TestPebbleStore_TopicsAreIsolated(t *testing.T) {
	ctx := context.Background()
	mem := vfs.NewMem()

	a, err := OpenPebble("", "events", &pebble.Options{FS: mem})
	require.NoError(t, err)
	require.NoError(t, a.Commit(ctx, model.Offsets{0: 10}))
	require.NoError(t, a.Close())

	b, err := OpenPebble("", "events2", &pebble.Options{FS: mem})
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPebbleStore_Corrupt(t *testing.T) {
	value := func(v uint64) []byte {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		return b
	}
	tests := []struct {
		name  string
		key   string
		value []byte
	}{
		{"trailing junk in partition", "checkpoint/events/0000000001x", value(5)},
		{"non numeric partition", "checkpoint/events/abc", value(5)},
		{"negative partition", "checkpoint/events/-1", value(5)},
		{"short value", "checkpoint/events/0000000001", []byte{1, 2}},
		{"negative offset", "checkpoint/events/0000000001", value(1 << 63)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := OpenPebble("", "events", &pebble.Options{FS: vfs.NewMem()})
			require.NoError(t, err)
			defer s.Close()
			require.NoError(t, s.db.Set([]byte(tt.key), tt.value, pebble.Sync))

			_, err = s.Load(context.Background())
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestOpen_Backends(t *testing.T) {
	s, err := Open(BackendFile, t.TempDir(), topic)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(BackendPebble, t.TempDir(), topic)
	require.NoError(t, err)
	assert.IsType(t, &PebbleStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open("etcd", t.TempDir(), topic)
	assert.Error(t, err)
}

// flakyStore 는 처음 n 번의 Commit 을 실패시킨다.
type flakyStore struct {
	Store
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyStore) Commit(ctx context.Context, o model.Offsets) error {
	if f.calls.Add(1) <= f.failures {
		return f.err
	}
	return f.Store.Commit(ctx, o)
}

var fastRetry = RetryPolicy{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsedTime:  time.Second,
}

func TestCommitWithRetry(t *testing.T) {
	ctx := context.Background()
	transient := errors.New("disk busy")

	t.Run("transient errors are retried", func(t *testing.T) {
		inner, err := OpenFile(t.TempDir(), topic)
		require.NoError(t, err)
		f := &flakyStore{Store: inner, failures: 2, err: transient}

		var retries int
		err = CommitWithRetry(ctx, f, model.Offsets{0: 1}, fastRetry, func(error, time.Duration) { retries++ })
		require.NoError(t, err)
		assert.Equal(t, 2, retries)
		assert.Equal(t, int32(3), f.calls.Load())
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		inner, err := OpenFile(t.TempDir(), topic)
		require.NoError(t, err)
		f := &flakyStore{Store: inner, failures: 100, err: ErrCorrupt}

		err = CommitWithRetry(ctx, f, model.Offsets{0: 1}, fastRetry, nil)
		assert.ErrorIs(t, err, ErrCorrupt)
		assert.Equal(t, int32(1), f.calls.Load())
	})

	t.Run("gives up after max elapsed time", func(t *testing.T) {
		inner, err := OpenFile(t.TempDir(), topic)
		require.NoError(t, err)
		f := &flakyStore{Store: inner, failures: 1 << 30, err: transient}

		policy := fastRetry
		policy.MaxElapsedTime = 30 * time.Millisecond
		err = CommitWithRetry(ctx, f, model.Offsets{0: 1}, policy, nil)
		assert.ErrorIs(t, err, transient)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		inner, err := OpenFile(t.TempDir(), topic)
		require.NoError(t, err)
		f := &flakyStore{Store: inner, failures: 1 << 30, err: transient}

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err = CommitWithRetry(cctx, f, model.Offsets{0: 1}, fastRetry, nil)
		assert.Error(t, err)
		assert.LessOrEqual(t, f.calls.Load(), int32(1))
	})
}
