// Package console prints the human-facing status lines of the dev server.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Printer writes coloured info, warning, success and error messages.
// It is safe for concurrent use; each message is written atomically.
type Printer struct {
	out io.Writer
	mu  sync.Mutex

	info    *color.Color
	warn    *color.Color
	success *color.Color
	failure *color.Color
}

// New creates a Printer writing to out. Colours are used only when enabled
// is true and out is a terminal.
func New(out io.Writer, enabled bool) *Printer {
	p := &Printer{
		out:     out,
		info:    color.New(color.FgWhite),
		warn:    color.New(color.FgYellow),
		success: color.New(color.FgGreen),
		failure: color.New(color.FgRed),
	}

	useColor := enabled && isTerminal(out)
	for _, c := range []*color.Color{p.info, p.warn, p.success, p.failure} {
		if useColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// Stdout returns a Printer on os.Stdout.
func Stdout(enabled bool) *Printer {
	return New(os.Stdout, enabled)
}

// Discard returns a Printer that drops everything.
func Discard() *Printer {
	return New(io.Discard, false)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Info prints a neutral message.
func (p *Printer) Info(format string, args ...any) {
	p.print(p.info, format, args...)
}

// Warn prints a warning.
func (p *Printer) Warn(format string, args ...any) {
	p.print(p.warn, format, args...)
}

// Success prints a success message.
func (p *Printer) Success(format string, args ...any) {
	p.print(p.success, format, args...)
}

// Error prints an error message.
func (p *Printer) Error(format string, args ...any) {
	p.print(p.failure, format, args...)
}

// Blank prints an empty line.
func (p *Printer) Blank() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out)
}

func (p *Printer) print(c *color.Color, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	msg = strings.TrimRight(msg, "\n")

	p.mu.Lock()
	defer p.mu.Unlock()
	c.Fprintln(p.out, msg)
}
