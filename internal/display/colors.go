package display

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// ColorSystem applies theme colors when the output supports them
type ColorSystem struct {
	theme   ColorTheme
	enabled bool
	colors  map[Color]*color.Color
}

// NewColorSystem creates a color system. Colors are used only when enabled is
// true and w is a color-capable terminal.
func NewColorSystem(theme ColorTheme, w io.Writer, enabled bool) *ColorSystem {
	cs := &ColorSystem{
		theme:   theme,
		enabled: enabled && detectColorSupport(w),
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
		// fatih/color checks os.Stdout on its own; the decision is made here instead.
		if cs.enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return cs
}

// detectColorSupport checks if w is a terminal that accepts ANSI colors
func detectColorSupport(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	if termenv.EnvNoColor() || os.Getenv("TERM") == "dumb" {
		return false
	}
	return termenv.NewOutput(f).EnvColorProfile() != termenv.Ascii
}

// Colorize applies color to text if color is supported
func (cs *ColorSystem) Colorize(text string, clr Color) string {
	if !cs.enabled {
		return text
	}
	if c, ok := cs.colors[clr]; ok {
		return c.Sprint(text)
	}
	return text
}

func (cs *ColorSystem) Sprintf(clr Color, format string, args ...interface{}) string {
	return cs.Colorize(fmt.Sprintf(format, args...), clr)
}

func (cs *ColorSystem) Enabled() bool { return cs.enabled }

func (cs *ColorSystem) Theme() ColorTheme { return cs.theme }

// Status colors a lifecycle status by how it ended
func (cs *ColorSystem) Status(status string) string {
	switch status {
	case "COMPLETED", "RESOLVED", "ENABLED", "PASSED":
		return cs.Colorize(status, cs.theme.Success)
	case "FAILED", "CRITICAL":
		return cs.Colorize(status, cs.theme.Error)
	case "IN_PROGRESS", "RECOVERING", "PENDING", "HIGH":
		return cs.Colorize(status, cs.theme.Warning)
	case "EXPIRED", "DISABLED":
		return cs.Colorize(status, cs.theme.Muted)
	default:
		return cs.Colorize(status, cs.theme.Info)
	}
}

// DarkColorTheme returns a color theme optimized for dark terminals
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

// LightColorTheme returns a color theme optimized for light terminals
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

// HighContrastColorTheme returns a high-contrast color theme for accessibility
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

// GetThemeByName returns a color theme by name, dark when unknown
func GetThemeByName(name string) ColorTheme {
	switch name {
	case "light":
		return LightColorTheme()
	case "high-contrast":
		return HighContrastColorTheme()
	default:
		return DarkColorTheme()
	}
}
