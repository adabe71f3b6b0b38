// internal/sink/local.go
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"event-extract/internal/fileutil"
	"event-extract/internal/pool"

	"github.com/parquet-go/parquet-go/compress"
	"github.com/rs/zerolog/log"
)

// Local
// ------------------------------------------------------------
// <dir>/dt=YYYY-MM-DD/<name>.parquet 로 unit 을 기록한다.
// 인코딩은 메모리 버퍼에서 끝내고, 파일은 fileutil.WriteAtomic 으로 교체한다.
// 따라서 디렉토리를 읽는 쪽은 완성된 unit 만 보게 된다.
type Local struct {
	dir   string
	codec compress.Codec
}

// NewLocal 은 dir 을 만들고, 이전 실행이 남긴 임시 파일을 정리한다.
func NewLocal(dir string, codec compress.Codec) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}
	n, err := fileutil.RemoveStaleTemps(dir)
	if err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}
	if n > 0 {
		log.Warn().Str("component", "sink").Int("files", n).Msg("removed partial unit files")
	}

	log.Info().Str("component", "sink").Str("dir", dir).Msg("local sink ready")
	return &Local{dir: dir, codec: codec}, nil
}

// Dir 은 출력 root.
func (l *Local) Dir() string { return l.dir }

func (l *Local) Write(ctx context.Context, u Unit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	if err := Encode(buf, u.Rows, l.codec); err != nil {
		return fmt.Errorf("encode unit %s: %w", u.Name, err)
	}

	dir := filepath.Join(l.dir, u.Partition)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("partition dir: %w", err)
	}
	if err := fileutil.WriteAtomic(dir, u.Name+Extension, buf); err != nil {
		return fmt.Errorf("write unit %s: %w", u.Name, err)
	}
	// 새 dt= 디렉토리 자체도 부모에 내구화
	fileutil.SyncDir(l.dir)
	return nil
}

func (l *Local) Close() error { return nil }
