// Package console renders status markers for terminal output and decides
// whether colour is used.
package console

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Scheme holds the colours used for status output.
// Green: success. Red: failure. Yellow: warnings and spawn errors.
// Cyan: labels and identifiers.
type Scheme struct {
	success *color.Color
	fail    *color.Color
	warn    *color.Color
	label   *color.Color
	faint   *color.Color
}

// NewScheme creates a Scheme. When enabled is false every colour prints
// plain text regardless of the terminal.
func NewScheme(enabled bool) *Scheme {
	s := &Scheme{
		success: color.New(color.FgGreen),
		fail:    color.New(color.FgRed, color.Bold),
		warn:    color.New(color.FgYellow),
		label:   color.New(color.FgCyan),
		faint:   color.New(color.Faint),
	}
	for _, c := range []*color.Color{s.success, s.fail, s.warn, s.label, s.faint} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return s
}

// Pass renders text in the success colour.
func (s *Scheme) Pass(format string, args ...any) string {
	return s.success.Sprintf(format, args...)
}

// Fail renders text in the failure colour.
func (s *Scheme) Fail(format string, args ...any) string {
	return s.fail.Sprintf(format, args...)
}

// Warn renders text in the warning colour.
func (s *Scheme) Warn(format string, args ...any) string {
	return s.warn.Sprintf(format, args...)
}

// Label renders text in the label colour.
func (s *Scheme) Label(format string, args ...any) string {
	return s.label.Sprintf(format, args...)
}

// Faint renders de-emphasised text.
func (s *Scheme) Faint(format string, args ...any) string {
	return s.faint.Sprintf(format, args...)
}

// Status renders a step or run status word ("pass", "fail", ...).
func (s *Scheme) Status(status string) string {
	switch status {
	case "pass", "ok", "PASS":
		return s.Pass("%s", status)
	case "fail", "FAIL":
		return s.Fail("%s", status)
	case "unavailable", "error":
		return s.Warn("%s", status)
	default:
		return status
	}
}

// Enabled decides whether colour should be used for w under mode
// ("auto", "always" or "never"). In auto mode colour is used only when w
// is a terminal and NO_COLOR is unset.
func Enabled(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
