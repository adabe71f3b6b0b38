// internal/worker/dlq.go
package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"event-extract/internal/fileutil"
	"event-extract/internal/metrics"
	"event-extract/internal/model"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// Uploader 는 DLQ 파일을 원격 저장소로 올린다 (sink.S3 가 구현).
type Uploader interface {
	UploadFile(ctx context.Context, key string, f io.ReadSeeker, size int64) error
}

// DLQConfig 는 로컬 DLQ 설정.
type DLQConfig struct {
	Dir          string
	Prefix       string // 원격 key prefix
	InstanceID   string
	MaxAge       time.Duration // 0 이면 TTL 없음
	MaxSizeBytes int64         // 0 이면 용량 제한 없음
}

// DLQ
// ------------------------------------------------------------
// 디코딩에 실패한 원본 레코드를 로컬 디스크에 gzip JSONL 로 남긴다.
//
//   - cycle 하나의 malformed 레코드 → 파일 하나 (+ .meta.json sidecar)
//   - 용량을 넘으면 가장 오래된 파일부터 지운다
//   - TTL 은 파일명 prefix 의 unix timestamp 기준
//   - Uploader 가 있으면 ProcessOne 이 가장 오래된 파일을 올리고 지운다
//
// checkpoint 는 DLQ 저장 성공 여부와 무관하게 전진한다.
// malformed 레코드는 재처리해도 결과가 같기 때문이다.
type DLQ struct {
	cfg      DLQConfig
	metrics  *metrics.Metrics
	uploader Uploader
	now      func() time.Time

	mu        sync.Mutex // Save / ProcessOne 직렬화
	sizeBytes int64
}

type dlqMeta struct {
	NumEvents int64  `json:"num_events"`
	Topic     string `json:"topic"`
	CycleID   string `json:"cycle_id,omitempty"`
}

// NewDLQ 는 디렉토리를 만들고 기존 파일을 스캔해서
// DLQSizeBytes / DLQFilesCurrent 를 복원한다.
// data 없이 남은 .meta.json 과 쓰다 만 임시 파일은 정리한다.
func NewDLQ(cfg DLQConfig, m *metrics.Metrics, uploader Uploader) (*DLQ, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("dlq dir: %w", err)
	}
	if _, err := fileutil.RemoveStaleTemps(cfg.Dir); err != nil {
		return nil, fmt.Errorf("dlq dir: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}

	d := &DLQ{
		cfg:      cfg,
		metrics:  m,
		uploader: uploader,
		now:      time.Now,
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("dlq dir: %w", err)
	}

	var total, count int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()

		if strings.HasSuffix(name, dlqMetaExt) {
			dataName := strings.TrimSuffix(name, dlqMetaExt)
			if _, err := os.Stat(filepath.Join(cfg.Dir, dataName)); os.IsNotExist(err) {
				_ = os.Remove(filepath.Join(cfg.Dir, name))
			}
			continue
		}
		if !isDLQData(name) {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	d.sizeBytes = total
	atomic.AddInt64(&m.DLQSizeBytes, total)
	atomic.AddInt64(&m.DLQFilesCurrent, count)

	if count > 0 {
		log.Info().
			Str("component", "dlq").
			Int64("files", count).
			Int64("bytes", total).
			Msg("dlq backlog found")
	}
	return d, nil
}

// Save 는 한 cycle 의 malformed 레코드를 파일 하나로 저장하고 그 이름을 돌려준다.
// 용량이 부족해서 버린 경우 ("", nil).
func (d *DLQ) Save(letters []model.DeadLetter, cycleID string) (string, error) {
	if len(letters) == 0 {
		return "", nil
	}

	data, err := EncodeDeadLetters(letters)
	if err != nil {
		return "", fmt.Errorf("encode dead letters: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	size := int64(len(data))
	if !d.ensureCapacity(size) {
		log.Error().
			Str("component", "dlq").
			Int64("bytes", size).
			Int("events", len(letters)).
			Msg("dlq full, dropping dead letters")
		atomic.AddInt64(&d.metrics.DLQEventsDroppedTotal, int64(len(letters)))
		return "", nil
	}

	name := dlqFilename(d.now(), d.cfg.InstanceID)
	if err := fileutil.WriteAtomic(d.cfg.Dir, name, bytes.NewReader(data)); err != nil {
		return "", err
	}

	meta, _ := json.Marshal(dlqMeta{NumEvents: int64(len(letters)), Topic: letters[0].Topic, CycleID: cycleID})
	_ = os.WriteFile(filepath.Join(d.cfg.Dir, name+dlqMetaExt), meta, 0o600)

	d.sizeBytes += size
	atomic.AddInt64(&d.metrics.DLQSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, 1)
	atomic.AddInt64(&d.metrics.DLQEventsEnqueuedTotal, int64(len(letters)))

	return name, nil
}

// ensureCapacity 는 MaxSizeBytes 를 넘지 않도록 가장 오래된 파일부터 지운다.
// 지울 파일이 더 없는데도 모자라면 false. (mu 보유 상태에서 호출)
func (d *DLQ) ensureCapacity(incoming int64) bool {
	max := d.cfg.MaxSizeBytes
	if max <= 0 {
		return true
	}

	for d.sizeBytes+incoming > max {
		oldest := d.pickOldest()
		if oldest == "" {
			return false
		}
		d.remove(oldest)
		atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)
		log.Warn().Str("component", "dlq").Str("file", oldest).Msg("dlq capacity, removed oldest file")
	}
	return true
}

// remove 는 data/meta 를 지우고 카운터를 맞춘다. (mu 보유 상태에서 호출)
func (d *DLQ) remove(name string) {
	dataPath := filepath.Join(d.cfg.Dir, name)

	if info, err := os.Stat(dataPath); err == nil {
		d.sizeBytes -= info.Size()
		atomic.AddInt64(&d.metrics.DLQSizeBytes, -info.Size())
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + dlqMetaExt)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, -1)
}

// ProcessOne
// ------------------------------------------------------------
// 가장 오래된 파일 하나를 처리한다.
//   - TTL 초과 → 삭제
//   - Uploader 가 있으면 업로드 후 삭제 (gzip/JSONL 검증 실패 파일은 corrupt/ 아래로)
//   - Uploader 가 없으면 TTL 이 지날 때까지 보관
//
// 실제로 파일 하나를 치웠으면 true.
func (d *DLQ) ProcessOne(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	name := d.pickOldest()
	if name == "" {
		return false
	}
	dataPath := filepath.Join(d.cfg.Dir, name)

	if d.cfg.MaxAge > 0 {
		if sec, ok := unixFromFilename(name); ok {
			age := d.now().Sub(time.Unix(sec, 0))
			if age > d.cfg.MaxAge {
				d.remove(name)
				atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)
				log.Info().Str("component", "dlq").Str("file", name).Dur("age", age).Msg("dlq ttl expired")
				return true
			}
		}
		// 파일명에서 unix 를 못 읽으면 TTL 판단은 건너뛴다
	}

	if d.uploader == nil {
		return false
	}

	f, err := os.Open(dataPath)
	if err != nil {
		log.Warn().Str("component", "dlq").Str("file", name).Err(err).Msg("dlq open failed")
		if errors.Is(err, os.ErrNotExist) {
			d.remove(name)
			return true
		}
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}
	size := info.Size()

	prefix := d.cfg.Prefix
	if !validateFile(f) {
		prefix = strings.TrimRight(prefix, "/") + "/corrupt"
	}
	key := dlqKey(prefix, d.now(), name)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}
	if err := d.uploader.UploadFile(ctx, key, f, size); err != nil {
		log.Warn().Str("component", "dlq").Str("key", key).Err(err).Msg("dlq upload failed")
		return false
	}

	numEvents := int64(1)
	if raw, err := os.ReadFile(dataPath + dlqMetaExt); err == nil {
		var meta dlqMeta
		if json.Unmarshal(raw, &meta) == nil && meta.NumEvents > 0 {
			numEvents = meta.NumEvents
		}
	}

	d.remove(name)
	atomic.AddInt64(&d.metrics.DLQEventsReuploadedTotal, numEvents)
	log.Info().Str("component", "dlq").Str("key", key).Int64("events", numEvents).Msg("dlq uploaded")
	return true
}

// Drain 은 ProcessOne 을 최대 n 번 호출한다. 처리할 게 없으면 바로 멈춘다.
func (d *DLQ) Drain(ctx context.Context, n int) int {
	done := 0
	for i := 0; i < n; i++ {
		if !d.ProcessOne(ctx) {
			break
		}
		done++
	}
	return done
}

// validateFile 은 gzip 을 풀어 첫 JSONL 라인이 JSON object 인지 본다.
func validateFile(f io.ReadSeeker) bool {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var tmp map[string]any
	return json.Unmarshal(line, &tmp) == nil
}

// pickOldest 는 파일명(=timestamp) 기준으로 가장 오래된 data 파일.
func (d *DLQ) pickOldest() string {
	entries, err := os.ReadDir(d.cfg.Dir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isDLQData(e.Name()) {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return ""
	}
	sort.Strings(files)
	return files[0]
}
