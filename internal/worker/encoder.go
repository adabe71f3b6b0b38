// internal/worker/encoder.go
package worker

import (
	"event-extract/internal/model"
	"event-extract/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// EncodeDeadLetters 는 malformed 레코드들을 JSONL → gzip 으로 직렬화한다.
//
//   - goccy/json 인코더를 gzip writer 에 직결
//   - gzip.Writer + bytes.Buffer 는 pool 에서 재사용
//   - 결과는 새 []byte 로 복사해서 호출자에게 소유권을 넘긴다
//     (pool 버퍼를 그대로 반환하면 다음 사용자가 덮어쓴다)
func EncodeDeadLetters(letters []model.DeadLetter) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	gz := pool.GzipPool.Get().(*gzip.Writer)
	defer pool.GzipPool.Put(gz)
	gz.Reset(buf)

	enc := json.NewEncoder(gz)
	for i := range letters {
		if err := enc.Encode(&letters[i]); err != nil {
			_ = gz.Close()
			return nil, err
		}
	}

	// Close 시점에 gzip footer 가 기록된다
	if err := gz.Close(); err != nil {
		return nil, err
	}

	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return data, nil
}
