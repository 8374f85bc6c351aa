package orchestrator

import "testing"

func TestCleanTitle(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`"Trip planning"`, "Trip planning"},
		{"Weather\nand more lines", "Weather"},
		{"  padded  ", "padded"},
		{"a very long rambling title that keeps going", "a very long ram"},
		{"短标题", "短标题"},
		{"", ""},
	}
	for _, c := range cases {
		if got := cleanTitle(c.in); got != c.want {
			t.Fatalf("cleanTitle(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("一二三四五", 3); got != "一二三" {
		t.Fatalf("got %q", got)
	}
	if got := truncateRunes("abc", 10); got != "abc" {
		t.Fatalf("got %q", got)
	}
}
