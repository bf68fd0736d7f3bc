package telegram

import (
	"strings"
	"testing"
)

func TestSplitTextShortPassThrough(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q, want [hello]", got)
	}
}

func TestSplitTextPrefersNewline(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10, "")
	if len(got) != 2 {
		t.Fatalf("chunks = %d (%q), want 2", len(got), got)
	}
	if got[0] != strings.Repeat("a", 6) || got[1] != strings.Repeat("b", 6) {
		t.Fatalf("unexpected chunks: %q", got)
	}
}

func TestSplitTextAvoidsCuttingHTMLTag(t *testing.T) {
	t.Parallel()
	s := "abcdef<b>x</b>"
	got := splitText(s, 8, "HTML")
	if got[0] != "abcdef" {
		t.Fatalf("first chunk = %q, want %q", got[0], "abcdef")
	}
	if strings.Join(got, "") != s {
		t.Fatalf("chunks lost content: %q", got)
	}
}

func TestSplitTextRuneSafe(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("ж", 25)
	got := splitText(s, 10, "")
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	for _, c := range got {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk too long: %d runes", len([]rune(c)))
		}
	}
}
