package display

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color represents terminal color options
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorMagenta
	ColorCyan
	ColorWhite
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
	ColorBrightBlue
	ColorBrightCyan
	ColorBrightWhite
)

// ColorTheme maps message kinds to colors
type ColorTheme struct {
	Primary Color
	Success Color
	Warning Color
	Error   Color
	Info    Color
	Muted   Color
}

// ColorSystem applies colors when the output supports them
type ColorSystem struct {
	theme   ColorTheme
	enabled bool
	colors  map[Color]*color.Color
}

// NewColorSystem creates a color system for out. Colors are off when
// disabled, when out is not a terminal, or when NO_COLOR is set.
func NewColorSystem(theme ColorTheme, out io.Writer, enabled bool) *ColorSystem {
	cs := &ColorSystem{
		theme:   theme,
		enabled: enabled && supportsColor(out),
		colors: map[Color]*color.Color{
			ColorReset:        color.New(color.Reset),
			ColorRed:          color.New(color.FgRed),
			ColorGreen:        color.New(color.FgGreen),
			ColorYellow:       color.New(color.FgYellow),
			ColorBlue:         color.New(color.FgBlue),
			ColorMagenta:      color.New(color.FgMagenta),
			ColorCyan:         color.New(color.FgCyan),
			ColorWhite:        color.New(color.FgWhite),
			ColorBrightRed:    color.New(color.FgHiRed),
			ColorBrightGreen:  color.New(color.FgHiGreen),
			ColorBrightYellow: color.New(color.FgHiYellow),
			ColorBrightBlue:   color.New(color.FgHiBlue),
			ColorBrightCyan:   color.New(color.FgHiCyan),
			ColorBrightWhite:  color.New(color.FgHiWhite),
		},
	}
	for _, c := range cs.colors {
		// fatih/color decides from os.Stdout; out may be a file or a pipe
		if cs.enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return cs
}

func supportsColor(out io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	return termenv.NewOutput(f).Profile != termenv.Ascii
}

// Colorize applies clr to text if colors are enabled
func (cs *ColorSystem) Colorize(text string, clr Color) string {
	if !cs.enabled {
		return text
	}
	if c, ok := cs.colors[clr]; ok {
		return c.Sprint(text)
	}
	return text
}

// Sprintf formats and colors text
func (cs *ColorSystem) Sprintf(clr Color, format string, args ...interface{}) string {
	return cs.Colorize(fmt.Sprintf(format, args...), clr)
}

// Enabled reports whether escape codes are written
func (cs *ColorSystem) Enabled() bool {
	return cs.enabled
}

// Theme returns the active theme
func (cs *ColorSystem) Theme() ColorTheme {
	return cs.theme
}

// DarkColorTheme returns a color theme for dark terminals
func DarkColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBrightBlue,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorCyan,
		Muted:   ColorWhite,
	}
}

// LightColorTheme returns a color theme for light terminals
func LightColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBlue,
		Success: ColorGreen,
		Warning: ColorYellow,
		Error:   ColorRed,
		Info:    ColorCyan,
		Muted:   ColorMagenta,
	}
}

// HighContrastColorTheme returns a high-contrast theme
func HighContrastColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBrightWhite,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorBrightCyan,
		Muted:   ColorWhite,
	}
}

// PlainTextTheme returns a theme that uses no colors
func PlainTextTheme() ColorTheme {
	return ColorTheme{}
}

// GetThemeByName returns a color theme by name, dark by default
func GetThemeByName(name string) ColorTheme {
	switch ThemeName(name) {
	case ThemeLight:
		return LightColorTheme()
	case ThemeHighContrast:
		return HighContrastColorTheme()
	case ThemePlain:
		return PlainTextTheme()
	default:
		return DarkColorTheme()
	}
}

// StatusColor picks the color for a backup, restore or schedule status
func (cs *ColorSystem) StatusColor(status string) Color {
	switch status {
	case "completed", "active":
		return cs.theme.Success
	case "failed":
		return cs.theme.Error
	case "pending", "processing", "paused":
		return cs.theme.Warning
	case "expired", "soft_deleted":
		return cs.theme.Muted
	default:
		return cs.theme.Info
	}
}
