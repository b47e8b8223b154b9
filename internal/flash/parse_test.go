package flash

import "testing"

func TestParseProgressLine(t *testing.T) {
	cases := []struct {
		line  string
		bytes uint64
		ok    bool
	}{
		{"123456789 bytes (123 MB, 117 MiB) copied, 2 s, 61.7 MB/s", 123456789, true},
		{"2147483648 bytes (2.1 GB, 2.0 GiB) copied, 35 s, 61.4 MB/s", 2147483648, true},
		{"512+0 records in", 0, false},
		{"512+0 records out", 0, false},
		{"dd: error writing '/dev/sdb': No space left on device", 0, false},
		{"", 0, false},
		{"   ", 0, false},
	}
	for _, c := range cases {
		got, ok := parseProgressLine(c.line)
		if ok != c.ok || got != c.bytes {
			t.Errorf("parseProgressLine(%q) = (%d, %v), want (%d, %v)", c.line, got, ok, c.bytes, c.ok)
		}
	}
}

func TestPercentOf(t *testing.T) {
	cases := []struct {
		copied, total uint64
		want          int
	}{
		{0, 100, 0},
		{50, 100, 50},
		{100, 100, 100},
		{150, 100, 100}, // never above 100
		{1, 3, 33},
		{2, 3, 67},
		{0, 0, 0},
	}
	for _, c := range cases {
		if got := percentOf(c.copied, c.total); got != c.want {
			t.Errorf("percentOf(%d, %d) = %d, want %d", c.copied, c.total, got, c.want)
		}
	}
}
