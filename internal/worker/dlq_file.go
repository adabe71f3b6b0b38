// internal/worker/dlq_file.go
package worker

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// DLQ 파일명 규칙:
//
//	<unix>_<instance>_<counter>.jsonl.gz
//
// 예:
//
//	1764721594_extract1_000042.jsonl.gz
//
// unix 자릿수가 같은 동안은 문자열 정렬 = 시간 정렬이므로
// pickOldest 는 이름만 보고 가장 오래된 파일을 고른다.
// TTL 판단도 mtime 이 아니라 이 prefix 를 쓴다.
const (
	dlqExt     = ".jsonl.gz"
	dlqMetaExt = ".meta.json"
)

var dlqCounter uint64

// nextCounter 는 1e6 에서 다시 0 으로 돈다.
// wrap-around 되어도 unix·instance 조합이 있어 이름이 겹치지 않는다.
func nextCounter() uint64 {
	return atomic.AddUint64(&dlqCounter, 1) % 1_000_000
}

func dlqFilename(now time.Time, instanceID string) string {
	return fmt.Sprintf("%d_%s_%06d%s", now.Unix(), instanceID, nextCounter(), dlqExt)
}

// dlqKey 는 S3 object key.
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>   (UTC)
func dlqKey(prefix string, now time.Time, filename string) string {
	now = now.UTC()
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s",
		strings.TrimRight(prefix, "/"), now.Format("2006-01-02"), now.Format("15"), filename)
}

// unixFromFilename 은 파일명 prefix 의 unix seconds.
func unixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}

func isDLQData(name string) bool {
	return name != "" && name[0] != '.' && strings.HasSuffix(name, dlqExt)
}
