package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"event-extract/internal/metrics"
	"event-extract/internal/model"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (u *fakeUploader) UploadFile(_ context.Context, key string, f io.ReadSeeker, _ int64) error {
	if u.err != nil {
		return u.err
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.objects == nil {
		u.objects = map[string][]byte{}
	}
	u.objects[key] = b
	return nil
}

func (u *fakeUploader) keys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.objects))
	for k := range u.objects {
		out = append(out, k)
	}
	return out
}

func letters(n int) []model.DeadLetter {
	out := make([]model.DeadLetter, n)
	for i := range out {
		out[i] = model.DeadLetter{
			Topic:     testTopic,
			Partition: 0,
			Offset:    int64(i),
			Timestamp: "2024-05-01 00:00:00.000",
			Payload:   "not json",
			Error:     "malformed payload",
		}
	}
	return out
}

func newTestDLQ(t *testing.T, cfg DLQConfig, up Uploader) (*DLQ, *metrics.Metrics) {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "t1"
	}
	m := metrics.New()
	d, err := NewDLQ(cfg, m, up)
	require.NoError(t, err)
	return d, m
}

func decodeFile(t *testing.T, path string) []model.DeadLetter {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	var out []model.DeadLetter
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		var dl model.DeadLetter
		require.NoError(t, json.Unmarshal(sc.Bytes(), &dl))
		out = append(out, dl)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestEncodeDeadLetters(t *testing.T) {
	in := letters(3)
	data, err := EncodeDeadLetters(in)
	require.NoError(t, err)

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	plain, err := io.ReadAll(gz)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(plain)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], `"offset":2`)
	assert.Contains(t, lines[0], `"payload":"not json"`)
}

func TestDLQ_Save(t *testing.T) {
	d, m := newTestDLQ(t, DLQConfig{}, nil)

	name, err := d.Save(letters(2), "cycle-1")
	require.NoError(t, err)
	require.NotEmpty(t, name)
	assert.True(t, isDLQData(name))

	path := filepath.Join(d.cfg.Dir, name)
	assert.Equal(t, letters(2), decodeFile(t, path))

	raw, err := os.ReadFile(path + dlqMetaExt)
	require.NoError(t, err)
	var meta dlqMeta
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, dlqMeta{NumEvents: 2, Topic: testTopic, CycleID: "cycle-1"}, meta)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), atomic.LoadInt64(&m.DLQSizeBytes))
	assert.Equal(t, int64(1), atomic.LoadInt64(&m.DLQFilesCurrent))
	assert.Equal(t, int64(2), atomic.LoadInt64(&m.DLQEventsEnqueuedTotal))

	// 빈 입력은 파일을 만들지 않는다
	name, err = d.Save(nil, "cycle-2")
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestDLQ_CapacityEvictsOldest(t *testing.T) {
	data, err := EncodeDeadLetters(letters(1))
	require.NoError(t, err)
	one := int64(len(data))

	d, m := newTestDLQ(t, DLQConfig{MaxSizeBytes: 2*one + one/2}, nil)
	base := time.Unix(1_700_000_000, 0)

	var names []string
	for i := 0; i < 3; i++ {
		d.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		name, err := d.Save(letters(1), "")
		require.NoError(t, err)
		names = append(names, name)
	}

	assert.NoFileExists(t, filepath.Join(d.cfg.Dir, names[0]))
	assert.NoFileExists(t, filepath.Join(d.cfg.Dir, names[0]+dlqMetaExt))
	assert.FileExists(t, filepath.Join(d.cfg.Dir, names[1]))
	assert.FileExists(t, filepath.Join(d.cfg.Dir, names[2]))
	assert.Equal(t, int64(2), atomic.LoadInt64(&m.DLQFilesCurrent))
	assert.Equal(t, int64(1), atomic.LoadInt64(&m.DLQFilesExpiredTotal))
}

func TestDLQ_DropsWhenSingleFileTooLarge(t *testing.T) {
	d, m := newTestDLQ(t, DLQConfig{MaxSizeBytes: 8}, nil)

	name, err := d.Save(letters(5), "")
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Equal(t, int64(5), atomic.LoadInt64(&m.DLQEventsDroppedTotal))
	assert.Zero(t, atomic.LoadInt64(&m.DLQFilesCurrent))
}

func TestDLQ_TTLExpiry(t *testing.T) {
	d, m := newTestDLQ(t, DLQConfig{MaxAge: time.Hour}, nil)
	base := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return base }

	name, err := d.Save(letters(1), "")
	require.NoError(t, err)

	// TTL 전 + uploader 없음 → 그대로 둔다
	assert.False(t, d.ProcessOne(context.Background()))
	assert.FileExists(t, filepath.Join(d.cfg.Dir, name))

	d.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.True(t, d.ProcessOne(context.Background()))
	assert.NoFileExists(t, filepath.Join(d.cfg.Dir, name))
	assert.Equal(t, int64(1), atomic.LoadInt64(&m.DLQFilesExpiredTotal))
	assert.Zero(t, atomic.LoadInt64(&m.DLQFilesCurrent))
	assert.Zero(t, atomic.LoadInt64(&m.DLQSizeBytes))
}

func TestDLQ_UploadAndDrain(t *testing.T) {
	up := &fakeUploader{}
	d, m := newTestDLQ(t, DLQConfig{Prefix: "dlq/"}, up)
	d.now = func() time.Time { return time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC) }

	for i := 0; i < 3; i++ {
		_, err := d.Save(letters(2), "")
		require.NoError(t, err)
	}

	assert.Equal(t, 2, d.Drain(context.Background(), 2))
	assert.Equal(t, 1, d.Drain(context.Background(), 5))
	assert.Zero(t, d.Drain(context.Background(), 5))

	keys := up.keys()
	require.Len(t, keys, 3)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "dlq/dt=2024-05-01/hr=13/"), k)
	}
	assert.Equal(t, int64(6), atomic.LoadInt64(&m.DLQEventsReuploadedTotal))
	assert.Zero(t, atomic.LoadInt64(&m.DLQFilesCurrent))
}

func TestDLQ_UploadFailureKeepsFile(t *testing.T) {
	up := &fakeUploader{err: errors.New("s3 down")}
	d, _ := newTestDLQ(t, DLQConfig{Prefix: "dlq"}, up)

	name, err := d.Save(letters(1), "")
	require.NoError(t, err)

	assert.False(t, d.ProcessOne(context.Background()))
	assert.FileExists(t, filepath.Join(d.cfg.Dir, name))
}

func TestDLQ_CorruptFileGoesToCorruptPrefix(t *testing.T) {
	up := &fakeUploader{}
	d, _ := newTestDLQ(t, DLQConfig{Prefix: "dlq"}, up)

	name := "1700000000_t1_000001" + dlqExt
	require.NoError(t, os.WriteFile(filepath.Join(d.cfg.Dir, name), []byte("garbage"), 0o600))

	assert.True(t, d.ProcessOne(context.Background()))
	keys := up.keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "dlq/corrupt/dt="), keys[0])
}

func TestNewDLQ_RestoresBacklog(t *testing.T) {
	dir := t.TempDir()
	first, _ := newTestDLQ(t, DLQConfig{Dir: dir}, nil)
	_, err := first.Save(letters(1), "")
	require.NoError(t, err)
	_, err = first.Save(letters(1), "")
	require.NoError(t, err)

	// data 없는 meta 와 쓰다 만 임시 파일
	orphan := filepath.Join(dir, "1600000000_t1_000009"+dlqExt+dlqMetaExt)
	require.NoError(t, os.WriteFile(orphan, []byte(`{}`), 0o600))
	tmp := filepath.Join(dir, ".x.jsonl.gz.tmp-123")
	require.NoError(t, os.WriteFile(tmp, []byte("x"), 0o600))

	_, m := newTestDLQ(t, DLQConfig{Dir: dir}, nil)
	assert.Equal(t, int64(2), atomic.LoadInt64(&m.DLQFilesCurrent))
	assert.Positive(t, atomic.LoadInt64(&m.DLQSizeBytes))
	assert.NoFileExists(t, orphan)
	assert.NoFileExists(t, tmp)
}

func TestDLQFileNaming(t *testing.T) {
	now := time.Unix(1_764_721_594, 0)
	name := dlqFilename(now, "extract1")
	assert.True(t, strings.HasPrefix(name, "1764721594_extract1_"), name)
	assert.True(t, strings.HasSuffix(name, dlqExt))

	sec, ok := unixFromFilename(name)
	assert.True(t, ok)
	assert.Equal(t, int64(1_764_721_594), sec)

	tests := []struct {
		name string
		ok   bool
	}{
		{"abc_x_000001.jsonl.gz", false},
		{"noprefix.jsonl.gz", false},
		{"0_x_000001.jsonl.gz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := unixFromFilename(tt.name)
			assert.Equal(t, tt.ok, ok)
		})
	}

	assert.Equal(t, "dlq/dt=2024-05-01/hr=04/f.jsonl.gz",
		dlqKey("dlq/", time.Date(2024, 5, 1, 4, 30, 0, 0, time.UTC), "f.jsonl.gz"))
	assert.False(t, isDLQData(".tmp.jsonl.gz"))
	assert.False(t, isDLQData("a.jsonl.gz.meta.json"))
}
