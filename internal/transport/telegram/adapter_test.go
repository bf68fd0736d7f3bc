package telegram

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "lmsbot/internal/transport"
)

func TestClassifySendError(t *testing.T) {
	t.Parallel()
	other := errors.New("telegram: Bad Request: can't parse entities")
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{name: "blocked", err: tele.ErrBlockedByUser, unavailable: true},
		{name: "deactivated", err: tele.ErrUserIsDeactivated, unavailable: true},
		{name: "chat not found", err: tele.ErrChatNotFound, unavailable: true},
		{name: "parse error", err: other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classifySendError(tt.err)
			if errors.Is(got, kit.ErrRecipientUnavailable) != tt.unavailable {
				t.Fatalf("classifySendError(%v) = %v", tt.err, got)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("cause lost: %v", got)
			}
		})
	}
}

func TestToUpdate(t *testing.T) {
	t.Parallel()
	if _, ok := toUpdate(&tele.Message{Chat: &tele.Chat{ID: -100}, Text: "channel post"}); ok {
		t.Fatalf("message without sender converted")
	}
	up, ok := toUpdate(&tele.Message{
		ID:     7,
		Chat:   &tele.Chat{ID: 42, Type: tele.ChatPrivate},
		Sender: &tele.User{ID: 42, Username: "ann", FirstName: "Ann"},
		Text:   "/check",
	})
	if !ok || up.Kind != kit.UpdateMessage {
		t.Fatalf("toUpdate() = %+v, %v", up, ok)
	}
	m := up.Message
	if m.ChatID != 42 || m.FromID != 42 || m.FromName != "Ann" || m.Text != "/check" || !m.IsPrivate {
		t.Fatalf("message = %+v", m)
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("é", 300)
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "status", n: 256, want: "status"},
		{name: "exact", in: strings.Repeat("a", 256), n: 256, want: strings.Repeat("a", 256)},
		{name: "ascii", in: strings.Repeat("a", 300), n: 256, want: strings.Repeat("a", 256)},
		{name: "two byte", in: long, n: 256, want: strings.Repeat("é", 256)},
		{name: "mixed", in: "показать уведомления", n: 8, want: "показать"},
		{name: "emoji", in: "📬📬📬", n: 2, want: "📬📬"},
		{name: "empty", in: "", n: 256, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := truncateRunes(tt.in, tt.n)
			if got != tt.want {
				t.Fatalf("truncateRunes() = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("truncateRunes() returned invalid UTF-8 %q", got)
			}
		})
	}
}
