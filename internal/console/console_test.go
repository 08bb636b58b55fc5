package console

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestWriteTracksCursor(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	if c.Terminal() {
		t.Fatal("bytes.Buffer detected as a terminal")
	}

	c.Printf("Hello, World\r\n\tHello Tab\n\t\t:)")
	if got := buf.String(); got != "Hello, World\n  Hello Tab\n    :)" {
		t.Fatalf("output = %q", got)
	}
	col, line := c.Position()
	if col != 6 || line != 2 {
		t.Fatalf("cursor = (%d, %d), want (6, 2)", col, line)
	}
}

func TestWriteStripsEscapesOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	c.Printf("\x1b[1;31mred\x1b[0m text\n")
	if got := buf.String(); got != "red text\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestWriteWraps(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf).WithWidth(4)
	c.Printf("abcdefghij")
	if got := buf.String(); got != "abcd\nefgh\nij" {
		t.Fatalf("output = %q", got)
	}

	buf.Reset()
	c = New(&buf).WithWidth(4)
	c.terminal = true
	c.Printf("\x1b[1mab\x1b[0mcdef")
	if got := buf.String(); got != "\x1b[1mab\x1b[0mcd\nef" {
		t.Fatalf("escapes should not count toward the width: %q", got)
	}
}

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Table([][]string{
		{"start", "size", "kind"},
		{"0x0", "1.3 KiB", "USED"},
		{"0x100000", "127 MiB", "FREE"},
	})
	want := strings.Join([]string{
		"start     size     kind",
		"0x0       1.3 KiB  USED",
		"0x100000  127 MiB  FREE",
		"",
	}, "\n")
	if buf.String() != want {
		t.Fatalf("table =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestHalt(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Halt(errors.New("pmm: out of memory"))
	if got := buf.String(); got != "\n*** boot halted ***\npmm: out of memory\n" {
		t.Fatalf("output = %q", got)
	}
}
