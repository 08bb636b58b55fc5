// Package console is the boot stage's text output. It keeps a cursor the way
// a framebuffer console does, expands tabs, and drops escape sequences when
// the output is not a terminal.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

const (
	TabSize      = 2
	DefaultWidth = 80

	sgrBold  = "\x1b[1m"
	sgrRed   = "\x1b[31m"
	sgrReset = "\x1b[0m"
)

type Console struct {
	mu       sync.Mutex
	w        io.Writer
	terminal bool
	width    int

	column int
	line   int
}

// New wraps w. When w is a terminal its width is used for wrapping and
// escape sequences pass through.
func New(w io.Writer) *Console {
	c := &Console{w: w, width: DefaultWidth}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.terminal = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			c.width = width
		}
	}
	return c
}

// WithWidth overrides the wrap column.
func (c *Console) WithWidth(width int) *Console {
	c.width = width
	return c
}

func (c *Console) Terminal() bool { return c.terminal }

// Position returns the cursor column and line.
func (c *Console) Position() (column, line int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.column, c.line
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := strings.ReplaceAll(string(p), "\r\n", "\n")
	if !c.terminal {
		s = ansi.Strip(s)
	}

	var out strings.Builder
	for len(s) > 0 {
		if s[0] == '\x1b' {
			// Escape sequences take no room on screen.
			n := escapeLen(s)
			out.WriteString(s[:n])
			s = s[n:]
			continue
		}

		r, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		switch r {
		case '\n':
			out.WriteByte('\n')
			c.column = 0
			c.line++
		case '\t':
			for range TabSize {
				c.put(&out, " ", 1)
			}
		default:
			ch := string(r)
			c.put(&out, ch, ansi.StringWidth(ch))
		}
	}

	if _, err := io.WriteString(c.w, out.String()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Console) put(out *strings.Builder, s string, width int) {
	if c.width > 0 && c.column+width > c.width {
		out.WriteByte('\n')
		c.column = 0
		c.line++
	}
	out.WriteString(s)
	c.column += width
}

// escapeLen returns the length of the escape sequence at the start of s.
func escapeLen(s string) int {
	if len(s) < 2 || s[1] != '[' {
		return min(len(s), 2)
	}
	for i := 2; i < len(s); i++ {
		if s[i] >= 0x40 && s[i] <= 0x7E {
			return i + 1
		}
	}
	return len(s)
}

func (c *Console) Printf(format string, args ...any) {
	fmt.Fprintf(c, format, args...)
}

func (c *Console) Println(args ...any) {
	fmt.Fprintln(c, args...)
}

// Table prints rows with columns padded to their widest cell.
func (c *Console) Table(rows [][]string) {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	for _, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)+2))
			}
		}
		b.WriteByte('\n')
		io.WriteString(c, b.String())
	}
}

// Halt prints the banner shown when the stage cannot continue.
func (c *Console) Halt(err error) {
	c.Printf("\n%s%s*** boot halted ***%s\n", sgrBold, sgrRed, sgrReset)
	c.Printf("%v\n", err)
}
