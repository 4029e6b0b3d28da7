package display

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Icon represents a visual icon with Unicode and ASCII fallbacks
type Icon struct {
	Unicode string
	ASCII   string
}

var icons = map[string]Icon{
	"success":    {Unicode: "✓", ASCII: "[OK]"},
	"error":      {Unicode: "✗", ASCII: "[ERROR]"},
	"warning":    {Unicode: "⚠", ASCII: "[WARN]"},
	"info":       {Unicode: "ℹ", ASCII: "[INFO]"},
	"hint":       {Unicode: "→", ASCII: "->"},
	"restricted": {Unicode: "🔒", ASCII: "[R]"},
	"encrypted":  {Unicode: "🔑", ASCII: "[E]"},
}

// detectUnicodeSupport checks if the terminal behind w renders Unicode
func detectUnicodeSupport(w io.Writer) bool {
	if os.Getenv("NO_UNICODE") != "" {
		return false
	}
	if os.Getenv("LANG") == "C" || os.Getenv("LC_ALL") == "C" {
		return false
	}
	if term := os.Getenv("TERM"); term == "dumb" || term == "vt100" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	lang := strings.ToUpper(os.Getenv("LC_ALL") + os.Getenv("LANG"))
	return lang == "" || strings.Contains(lang, "UTF")
}

func renderIcon(name string, unicode bool) string {
	icon, ok := icons[name]
	if !ok {
		return ""
	}
	if unicode {
		return icon.Unicode
	}
	return icon.ASCII
}
