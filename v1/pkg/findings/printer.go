package findings

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

const (
	LeaksFoundHeading = "Leaks found:"
	NoLeaksMessage    = "No leaked strings found."
)

// Printer writes the terminal report: a heading followed by one
// "path:line: text" line per finding.
type Printer struct {
	out     io.Writer
	leaks   *color.Color
	noLeaks *color.Color
}

// NewPrinter returns a Printer writing to out. Headings are colored only when
// colored is true.
func NewPrinter(out io.Writer, colored bool) *Printer {
	leaks := color.New(color.FgRed, color.Bold)
	noLeaks := color.New(color.FgGreen)
	if colored {
		leaks.EnableColor()
		noLeaks.EnableColor()
	} else {
		leaks.DisableColor()
		noLeaks.DisableColor()
	}
	return &Printer{out: out, leaks: leaks, noLeaks: noLeaks}
}

// Print writes the report for items.
func (p *Printer) Print(items []Finding) error {
	if len(items) == 0 {
		_, err := p.noLeaks.Fprintln(p.out, NoLeaksMessage)
		return err
	}
	if _, err := p.leaks.Fprintln(p.out, LeaksFoundHeading); err != nil {
		return err
	}
	for _, f := range items {
		if _, err := fmt.Fprintln(p.out, f.String()); err != nil {
			return err
		}
	}
	return nil
}

// InvalidPath reports a local path that is neither a file nor a directory.
func (p *Printer) InvalidPath(path string) {
	fmt.Fprintf(p.out, "Invalid path: %s\n", path)
}
