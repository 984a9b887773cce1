package display

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// Icon has a Unicode glyph and an ASCII fallback
type Icon struct {
	Unicode string
	ASCII   string
}

var icons = map[string]Icon{
	"success": {Unicode: "✓", ASCII: "[OK]"},
	"warning": {Unicode: "⚠", ASCII: "[WARN]"},
	"error":   {Unicode: "✗", ASCII: "[ERROR]"},
	"info":    {Unicode: "ℹ", ASCII: "[INFO]"},
}

// Field is one labelled line of a detail view
type Field struct {
	Label string
	Value string
}

// Printer writes command results in the configured format
type Printer struct {
	out     io.Writer
	config  DisplayConfig
	colors  *ColorSystem
	unicode bool
}

// NewPrinter creates a printer from config. A nil writer falls back to
// stdout.
func NewPrinter(config DisplayConfig) *Printer {
	config.SetDefaults()
	return &Printer{
		out:     config.Writer,
		config:  config,
		colors:  NewColorSystem(GetThemeByName(config.Theme), config.Writer, config.ColorEnabled),
		unicode: config.UseIcons && unicodeSupported(config.Writer),
	}
}

func unicodeSupported(out io.Writer) bool {
	if os.Getenv("NO_UNICODE") != "" || os.Getenv("LANG") == "C" || os.Getenv("LC_ALL") == "C" {
		return false
	}
	f, ok := out.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// Format returns the active output format
func (p *Printer) Format() OutputFormat {
	return OutputFormat(p.config.OutputFormat)
}

// Structured reports whether output is JSON or YAML
func (p *Printer) Structured() bool {
	f := p.Format()
	return f == FormatJSON || f == FormatYAML
}

// Colors exposes the printer's color system
func (p *Printer) Colors() *ColorSystem {
	return p.colors
}

// NewTable returns a table styled by the printer's configuration
func (p *Printer) NewTable(headers ...string) *Table {
	width := p.config.MaxTableWidth
	if tw := terminalWidth(); tw > 0 && tw < width {
		width = tw
	}
	t := NewTable(BorderStyleByName(p.config.TableStyle), p.colors, width)
	t.SetHeaders(headers...)
	return t
}

// Table prints t, or a muted note when it has no rows
func (p *Printer) Table(t *Table, empty string) error {
	if t.Len() == 0 {
		return p.Info("%s", empty)
	}
	return t.RenderTo(p.out)
}

// Details prints a titled list of label/value pairs
func (p *Printer) Details(title string, fields []Field) error {
	var b strings.Builder
	if title != "" {
		b.WriteString(p.colors.Colorize(title, p.colors.Theme().Primary))
		b.WriteString("\n")
	}
	labelWidth := 0
	for _, f := range fields {
		if len(f.Label) > labelWidth {
			labelWidth = len(f.Label)
		}
	}
	for _, f := range fields {
		label := fmt.Sprintf("  %-*s", labelWidth+1, f.Label+":")
		b.WriteString(p.colors.Colorize(label, p.colors.Theme().Muted))
		b.WriteString(" ")
		b.WriteString(f.Value)
		b.WriteString("\n")
	}
	_, err := io.WriteString(p.out, b.String())
	return err
}

// Value encodes v as JSON or YAML per the output format. Table format
// falls back to indented JSON.
func (p *Printer) Value(v interface{}) error {
	if p.Format() == FormatYAML {
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode json: %w", err)
	}
	_, err = fmt.Fprintln(p.out, string(data))
	return err
}

// Status colors a status value
func (p *Printer) Status(status string) string {
	return p.colors.Colorize(status, p.colors.StatusColor(status))
}

// Success prints a success message
func (p *Printer) Success(format string, args ...interface{}) error {
	return p.message("success", p.colors.Theme().Success, format, args...)
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...interface{}) error {
	return p.message("warning", p.colors.Theme().Warning, format, args...)
}

// Error prints an error message
func (p *Printer) Error(format string, args ...interface{}) error {
	return p.message("error", p.colors.Theme().Error, format, args...)
}

// Info prints an informational message
func (p *Printer) Info(format string, args ...interface{}) error {
	return p.message("info", p.colors.Theme().Info, format, args...)
}

func (p *Printer) message(icon string, clr Color, format string, args ...interface{}) error {
	glyph := icons[icon].ASCII
	if p.unicode {
		glyph = icons[icon].Unicode
	}
	msg := fmt.Sprintf(format, args...)
	_, err := fmt.Fprintf(p.out, "%s %s\n", p.colors.Colorize(glyph, clr), msg)
	return err
}
