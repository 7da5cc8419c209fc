package batchrunner

import (
	"testing"
)

func TestFindStop(t *testing.T) {
	tests := []struct {
		name     string
		sequence string
		stops    []string
		found    bool
		stop     string
	}{
		{"none", "Hello world", []string{"!"}, false, ""},
		{"contained", "Hello world", []string{"wor"}, true, "wor"},
		{"first wins", "Hello world", []string{"world", "Hello"}, true, "world"},
		{"empty stop", "Hello", []string{""}, false, ""},
		{"no stops", "Hello", nil, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, stop := findStop(tt.sequence, tt.stops)
			if found != tt.found || stop != tt.stop {
				t.Errorf("findStop(%q, %q) = %v, %q; want %v, %q", tt.sequence, tt.stops, found, stop, tt.found, tt.stop)
			}
		})
	}
}

func TestContainsStopSuffix(t *testing.T) {
	tests := []struct {
		name     string
		sequence string
		stops    []string
		expected bool
	}{
		{"partial", "Hello wo", []string{"world"}, true},
		{"full", "Hello world", []string{"world"}, true},
		{"single byte", "Hello w", []string{"world"}, true},
		{"no match", "Hello", []string{"world"}, false},
		{"middle only", "world peace", []string{"world"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := containsStopSuffix(tt.sequence, tt.stops); got != tt.expected {
				t.Errorf("containsStopSuffix(%q, %q) = %v; want %v", tt.sequence, tt.stops, got, tt.expected)
			}
		})
	}
}

func TestAccumulatorFlush(t *testing.T) {
	var a accumulator

	a.append(nil, "Hello wo")
	if got := a.flush([]string{"world"}, false); got != "" {
		t.Errorf("expected possible stop to be held back, got %q", got)
	}

	a.append(nil, "nder")
	if got := a.flush([]string{"world"}, false); got != "Hello wonder" {
		t.Errorf("expected held back text to be released, got %q", got)
	}

	// first two bytes of "é"
	a.append(nil, "caf\xc3")
	if got := a.flush(nil, false); got != "" {
		t.Errorf("expected incomplete utf-8 to be held back, got %q", got)
	}

	if got := a.flush(nil, true); got != "caf" {
		t.Errorf("expected incomplete utf-8 to be dropped on final flush, got %q", got)
	}

	if got := a.sb.String(); got != "Hello wondercaf\xc3" {
		t.Errorf("unexpected accumulated text %q", got)
	}
}

func TestAccumulatorFlushInvalidUTF8(t *testing.T) {
	var a accumulator

	// an invalid byte is not the start of a rune and does not hold back
	// the text after it
	a.append(nil, "ab\xffcd")
	if got := a.flush(nil, false); got != "ab\xffcd" {
		t.Errorf("flush() = %q", got)
	}

	a.append(nil, "x\xffy\xe2\x82")
	if got := a.flush(nil, false); got != "" {
		t.Errorf("expected a trailing partial rune to hold back the text, got %q", got)
	}

	if got := a.flush(nil, true); got != "x\xffy" {
		t.Errorf("final flush() = %q", got)
	}
}

func TestPartialRuneSuffix(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 0},
		{"caf\xc3", 1},
		{"\xe2\x82", 2},
		{"\xe2\x82\xac", 0},
		{"\xf0\x9f\x98", 3},
		{"a\xff", 0},
		{"a\x82", 0},
	}

	for _, tt := range cases {
		if got := partialRuneSuffix(tt.in); got != tt.want {
			t.Errorf("partialRuneSuffix(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
