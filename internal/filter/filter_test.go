package filter

import (
	"testing"

	"event-extract/internal/model"

	"github.com/stretchr/testify/assert"
)

func ev(eventType *string) model.DecodedEvent {
	return model.DecodedEvent{EventType: eventType}
}

func strp(s string) *string { return &s }

func TestAccept(t *testing.T) {
	f := New(DefaultEventTypes...)

	tests := []struct {
		name  string
		event model.DecodedEvent
		want  bool
	}{
		{"purchase_sword", ev(strp("purchase_sword")), true},
		{"join_guild", ev(strp("join_guild")), true},
		{"absent event_type", ev(nil), false},
		{"empty event_type", ev(strp("")), false},
		{"other category", ev(strp("login")), false},
		{"case differs", ev(strp("Purchase_Sword")), false},
		{"prefix only", ev(strp("purchase")), false},
		{"padded", ev(strp(" join_guild")), false},
		{"other fields set but no type", model.DecodedEvent{Host: strp("a")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Accept(tt.event))
			// 여러 번 평가해도 결과가 같아야 한다.
			assert.Equal(t, tt.want, f.Accept(tt.event))
		})
	}
}

func TestNew_Configurable(t *testing.T) {
	f := New("login", " ", "", " logout ")

	assert.True(t, f.Accept(ev(strp("login"))))
	assert.True(t, f.Accept(ev(strp("logout"))))
	assert.False(t, f.Accept(ev(strp("purchase_sword"))))
	assert.Equal(t, []string{"login", "logout"}, f.Types())
}

func TestNew_EmptySetRejectsEverything(t *testing.T) {
	f := New()
	assert.False(t, f.Accept(ev(strp("purchase_sword"))))
	assert.False(t, f.Accept(ev(strp(""))))
	assert.Empty(t, f.Types())
}
