package richtext

import "testing"

func TestEscapingHelpers(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		got  H
		want string
	}{
		{"esc", Esc(`a<b>&"c"`), "a&lt;b&gt;&amp;&#34;c&#34;"},
		{"bold", B("x<y"), "<b>x&lt;y</b>"},
		{"italic", I("Lesson"), "<i>Lesson</i>"},
		{"link", Link("Open LMS", `https://lyceum.yandex.ru/?a=1&b="2"`), `<a href="https://lyceum.yandex.ru/?a=1&amp;b=&#34;2&#34;">Open LMS</a>`},
	}
	for _, tc := range cases {
		if tc.got.String() != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestJoinSkipsBlank(t *testing.T) {
	t.Parallel()
	got := Lines(B("a"), "", "  ", Esc("b"))
	if got != "<b>a</b>\nb" {
		t.Fatalf("Lines() = %q", got)
	}
}
