// Package cli formats the output of the admin command line tool.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorBold   = "\033[1m"
)

// Printer writes status lines, tables and JSON documents.
type Printer struct {
	out   io.Writer
	color bool
	json  bool
}

// NewPrinter writes to out. Colors are used only when out is a terminal.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out, color: isTerminal(out)}
}

// JSONMode makes Result print JSON instead of tables.
func (p *Printer) JSONMode(enabled bool) *Printer {
	p.json = enabled
	return p
}

// Colorize wraps text in color when the output supports it.
func (p *Printer) Colorize(text, color string) string {
	if !p.color {
		return text
	}
	return color + text + ColorReset
}

func (p *Printer) status(symbol, color, format string, args ...interface{}) {
	fmt.Fprintf(p.out, "%s %s\n", p.Colorize(symbol, color), fmt.Sprintf(format, args...))
}

func (p *Printer) Success(format string, args ...interface{}) {
	p.status("✓", ColorGreen, format, args...)
}

func (p *Printer) Error(format string, args ...interface{}) {
	p.status("✗", ColorRed, format, args...)
}

func (p *Printer) Warning(format string, args ...interface{}) {
	p.status("⚠", ColorYellow, format, args...)
}

func (p *Printer) Info(format string, args ...interface{}) {
	p.status("ℹ", ColorBlue, format, args...)
}

// Table prints rows aligned under a bold header.
func (p *Printer) Table(headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, p.Colorize(strings.Join(headers, "\t"), ColorBold))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// JSON prints v indented.
func (p *Printer) JSON(v interface{}) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Result prints v as JSON in JSON mode and as a table otherwise.
func (p *Printer) Result(v interface{}, headers []string, rows [][]string) error {
	if p.json {
		return p.JSON(v)
	}
	if len(rows) == 0 {
		p.Info("sin resultados")
		return nil
	}
	return p.Table(headers, rows)
}

// FormatTime renders t for tables; the zero time prints as "-".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

// FormatAmount renders cents as a decimal amount with currency.
func FormatAmount(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, currency)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
