package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// 매 cycle 마다 parquet unit 인코딩 결과, DLQ gzip 결과 등
// 큰 버퍼 할당이 반복된다. 아래 Pool 들은 그 버퍼를 재사용한다.
// ---------------------------------------------------------------

var (
	// BufferPool:
	//   - parquet / gzip 인코딩 결과를 담는 임시 버퍼
	//   - 초기 용량 256KB
	//   - MaxBufferCap 초과 버퍼는 풀에 넣지 않음
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용 (매번 new 하면 비용 매우 큼)
	//   - DLQ 는 자주 쓰지 않지만 한 번 쓸 때 크므로 BestSpeed
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Pool에 되돌려줄 최대 버퍼 용량.
// 10k 레코드 cycle 의 parquet 결과가 대략 이 안에 들어온다.
const MaxBufferCap = 8 * 1024 * 1024 // 8MB

// GetBuffer 는 비어있는 버퍼를 꺼낸다.
func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer:
//   - MaxBufferCap 이하이면 풀에 재사용
//   - 초대형 결과는 풀로 돌리지 않음 → GC 에 위임
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
