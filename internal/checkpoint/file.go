// internal/checkpoint/file.go
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"event-extract/internal/fileutil"
	"event-extract/internal/model"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	fileVersion = 1
	fileName    = "offsets.json"
)

// fileDoc 는 디스크에 기록되는 checkpoint 문서.
//
//	{"version":1,"topic":"events","offsets":{"0":41,"1":7},
//	 "updated_at":"...","checksum":"9c1f..."}
//
// checksum 은 offsets 의 canonical 문자열에 대한 xxhash64.
// 부분 기록/손상된 파일을 조용히 믿지 않기 위한 용도.
type fileDoc struct {
	Version   int              `json:"version"`
	Topic     string           `json:"topic"`
	Offsets   map[string]int64 `json:"offsets"`
	UpdatedAt time.Time        `json:"updated_at"`
	Checksum  string           `json:"checksum"`
}

// FileStore
// ------------------------------------------------------------
// 로컬 파일 기반 checkpoint.
// 매 Commit 은 fileutil.WriteAtomic 으로 문서 전체를 교체하므로
// reader 는 이전 문서 또는 새 문서 중 하나만 보게 된다.
type FileStore struct {
	dir   string
	path  string
	topic string

	mu      sync.RWMutex
	current model.Offsets
	closed  bool
}

// OpenFile 은 dir 아래 checkpoint 파일을 연다. 디렉토리가 없으면 만든다.
// 이전 실행이 남긴 임시 파일은 정리한다 (rename 전 crash 의 흔적).
func OpenFile(dir, topic string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint dir: %w", err)
	}

	if n, err := fileutil.RemoveStaleTemps(dir); err != nil {
		return nil, fmt.Errorf("checkpoint dir: %w", err)
	} else if n > 0 {
		log.Warn().Str("component", "checkpoint").Int("files", n).Msg("removed stale checkpoint temp files")
	}

	return &FileStore{
		dir:   dir,
		path:  filepath.Join(dir, fileName),
		topic: topic,
	}, nil
}

// Path 는 checkpoint 파일 경로.
func (s *FileStore) Path() string { return s.path }

// Load 는 디스크의 checkpoint 를 읽는다.
// 파일이 없으면 빈 map. 파일이 있는데 읽을 수 없으면 ErrCorrupt.
func (s *FileStore) Load(_ context.Context) (model.Offsets, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	offsets, err := s.read()
	if err != nil {
		return nil, err
	}
	s.current = offsets
	return offsets.Clone(), nil
}

func (s *FileStore) read() (model.Offsets, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return model.Offsets{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorrupt, s.path)
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if doc.Version != fileVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorrupt, s.path, doc.Version)
	}
	if doc.Topic != s.topic {
		return nil, fmt.Errorf("%w: %s: checkpoint belongs to topic %q, not %q", ErrCorrupt, s.path, doc.Topic, s.topic)
	}

	offsets := make(model.Offsets, len(doc.Offsets))
	for k, v := range doc.Offsets {
		p, err := strconv.ParseInt(k, 10, 32)
		if err != nil || p < 0 {
			return nil, fmt.Errorf("%w: %s: bad partition key %q", ErrCorrupt, s.path, k)
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: %s: negative offset %d for partition %d", ErrCorrupt, s.path, v, p)
		}
		offsets[int32(p)] = v
	}

	if sum := checksum(doc.Topic, offsets); sum != doc.Checksum {
		return nil, fmt.Errorf("%w: %s: checksum mismatch", ErrCorrupt, s.path)
	}
	return offsets, nil
}

// Commit 은 offsets 를 원자적으로 기록한다.
func (s *FileStore) Commit(_ context.Context, offsets model.Offsets) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
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

	doc := fileDoc{
		Version:   fileVersion,
		Topic:     s.topic,
		Offsets:   make(map[string]int64, len(offsets)),
		UpdatedAt: time.Now().UTC(),
		Checksum:  checksum(s.topic, offsets),
	}
	for p, off := range offsets {
		doc.Offsets[strconv.FormatInt(int64(p), 10)] = off
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := fileutil.WriteAtomic(s.dir, fileName, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	s.current = offsets.Clone()
	return nil
}

// Close 이후 Load/Commit 은 ErrClosed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// checksum: "topic|p:off,p:off,..." (partition 오름차순) 의 xxhash64.
func checksum(topic string, offsets model.Offsets) string {
	var sb strings.Builder
	sb.WriteString(topic)
	sb.WriteByte('|')
	for i, p := range offsets.Partitions() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatInt(int64(p), 10))
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatInt(offsets[p], 10))
	}
	return strconv.FormatUint(xxhash.Sum64String(sb.String()), 16)
}
