package lineio

import (
	"strings"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var lines []string
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-time.After(2 * time.Second):
			t.Fatal("channel never closed")
		}
	}
}

func TestReadLinesSplitsAndCloses(t *testing.T) {
	ch := ReadLines(strings.NewReader("one\ntwo\nthree\n"))
	lines := collect(t, ch)
	if len(lines) != 3 || lines[0] != "one" || lines[2] != "three" {
		t.Errorf("got %q", lines)
	}
}

func TestReadLinesFinalLineWithoutNewline(t *testing.T) {
	ch := ReadLines(strings.NewReader("alpha\nbeta"))
	lines := collect(t, ch)
	if len(lines) != 2 || lines[1] != "beta" {
		t.Errorf("got %q", lines)
	}
}

func TestReadLinesEmptyInput(t *testing.T) {
	ch := ReadLines(strings.NewReader(""))
	if lines := collect(t, ch); len(lines) != 0 {
		t.Errorf("got %q", lines)
	}
}

func TestReadLinesLongLine(t *testing.T) {
	long := strings.Repeat("x", 512*1024)
	ch := ReadLines(strings.NewReader(long + "\n"))
	lines := collect(t, ch)
	if len(lines) != 1 || len(lines[0]) != len(long) {
		t.Fatalf("got %d lines, first %d bytes", len(lines), len(lines[0]))
	}
}
