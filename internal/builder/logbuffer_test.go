package builder

import (
	"strings"
	"testing"
)

func TestLogBufferAppendsLines(t *testing.T) {
	buf := NewLogBuffer(1024)
	buf.WriteLine("Step 1/2 : FROM golang:1.24")
	buf.WriteLine("Step 2/2 : COPY . .\n")
	got := buf.String()
	want := "Step 1/2 : FROM golang:1.24\nStep 2/2 : COPY . .\n"
	if got != want {
		t.Fatalf("log = %q, want %q", got, want)
	}
	if buf.Truncated() {
		t.Fatal("buffer should not be truncated")
	}
}

func TestLogBufferTruncatesAtCap(t *testing.T) {
	buf := NewLogBuffer(64)
	for i := 0; i < 10; i++ {
		buf.WriteLine(strings.Repeat("a", 40))
	}
	buf.WriteLine("never appears")

	got := buf.String()
	if !buf.Truncated() {
		t.Fatal("buffer should be truncated")
	}
	if !strings.Contains(got, "truncated") {
		t.Fatalf("missing truncation marker in %q", got)
	}
	if strings.Contains(got, "never appears") {
		t.Fatal("writes after truncation must be dropped")
	}
	if len(got) > 64 {
		t.Fatalf("log is %d bytes, exceeds configured maximum 64", len(got))
	}
}

func TestLogBufferNeverExceedsCap(t *testing.T) {
	for _, max := range []int{40, 64, 100, 1000} {
		buf := NewLogBuffer(max)
		for i := 0; i < 200; i++ {
			buf.WriteLine(strings.Repeat("x", 17))
		}
		if got := len(buf.String()); got > max {
			t.Errorf("cap %d: log is %d bytes", max, got)
		}
	}
}

func TestLogBufferDefaultCap(t *testing.T) {
	buf := NewLogBuffer(0)
	buf.WriteLine("hello")
	if buf.String() != "hello\n" {
		t.Fatalf("log = %q", buf.String())
	}
}
