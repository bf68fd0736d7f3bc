package bot

import (
	"reflect"
	"testing"
)

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "/track", want: []string{"/track"}},
		{in: "  /register a@b.c  secret ", want: []string{"/register", "a@b.c", "secret"}},
		{in: `/register a@b.c "pass with spaces"`, want: []string{"/register", "a@b.c", "pass with spaces"}},
		{in: `/register a@b.c 'it"s'`, want: []string{"/register", "a@b.c", `it"s`}},
		{in: `/register a@b.c p\ w`, want: []string{"/register", "a@b.c", "p w"}},
		{in: `/register a@b.c C:\temp\pw`, want: []string{"/register", "a@b.c", `C:\temp\pw`}},
		{in: `/register a@b.c "say \"hi\" \\ ok"`, want: []string{"/register", "a@b.c", `say "hi" \ ok`}},
		{in: `/register a@b.c ""`, want: []string{"/register", "a@b.c", ""}},
		{in: "/register a@b.c пароль", want: []string{"/register", "a@b.c", "пароль"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := tokenizeCommandLine(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("tokenizeCommandLine(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCommandWord(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "/track", want: "track", ok: true},
		{in: "/Track@lms_bot", want: "track", ok: true},
		{in: "/", ok: false},
		{in: "/@bot", ok: false},
		{in: "hello", ok: false},
	}
	for _, tt := range tests {
		got, ok := commandWord(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("commandWord(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNewReqID(t *testing.T) {
	t.Parallel()
	a, b := newReqID(), newReqID()
	if len(a) != 12 || a == b {
		t.Fatalf("newReqID() = %q, %q", a, b)
	}
}
