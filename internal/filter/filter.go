package filter

import (
	"sort"
	"strings"

	"event-extract/internal/model"
)

// DefaultEventTypes 는 별도 설정이 없을 때 통과시키는 event_type 값.
var DefaultEventTypes = []string{"purchase_sword", "join_guild"}

// Filter 는 event_type 기준의 순수(pure) predicate 이다.
// 생성 후에는 읽기만 하므로 여러 goroutine 에서 동시에 써도 안전하다.
type Filter struct {
	accepted map[string]struct{}
}

// New 는 주어진 category 들만 통과시키는 Filter 를 만든다.
// 빈 문자열/공백은 무시한다. 아무것도 남지 않으면 모든 이벤트가 걸러진다.
func New(types ...string) *Filter {
	f := &Filter{accepted: make(map[string]struct{}, len(types))}
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		f.accepted[t] = struct{}{}
	}
	return f
}

// Accept 는 event_type 이 존재하고 허용 목록에 정확히 일치할 때만 true.
func (f *Filter) Accept(ev model.DecodedEvent) bool {
	if ev.EventType == nil {
		return false
	}
	_, ok := f.accepted[*ev.EventType]
	return ok
}

// Types 는 허용 목록을 정렬해서 돌려준다 (로그 출력용).
func (f *Filter) Types() []string {
	out := make([]string, 0, len(f.accepted))
	for t := range f.accepted {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
