package display

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Printer writes command results in the configured output format. Status
// messages go to the error writer in json and yaml mode so stdout stays parseable.
type Printer struct {
	config  *DisplayConfig
	colors  *ColorSystem
	unicode bool
	out     io.Writer
	errOut  io.Writer
}

// NewPrinter creates a printer; a nil config uses the defaults
func NewPrinter(config *DisplayConfig) *Printer {
	if config == nil {
		config = DefaultDisplayConfig()
	}
	config.SetDefaults()

	return &Printer{
		config:  config,
		colors:  NewColorSystem(GetThemeByName(config.Theme), config.Writer, config.ColorEnabled),
		unicode: config.UseIcons && detectUnicodeSupport(config.Writer),
		out:     config.Writer,
		errOut:  config.ErrWriter,
	}
}

func (p *Printer) Format() OutputFormat { return p.config.Format }

func (p *Printer) Colors() *ColorSystem { return p.colors }

// Success prints a confirmation unless quiet mode is on
func (p *Printer) Success(format string, args ...interface{}) {
	if p.config.QuietMode {
		return
	}
	p.status("success", p.colors.Theme().Success, fmt.Sprintf(format, args...))
}

// Info prints an informational line unless quiet mode is on
func (p *Printer) Info(format string, args ...interface{}) {
	if p.config.QuietMode {
		return
	}
	p.status("info", p.colors.Theme().Info, fmt.Sprintf(format, args...))
}

func (p *Printer) Warning(format string, args ...interface{}) {
	p.status("warning", p.colors.Theme().Warning, fmt.Sprintf(format, args...))
}

// Failure prints err and its troubleshooting hints to the error writer.
func (p *Printer) Failure(err error, hints []string) {
	icon := renderIcon("error", p.unicode)
	fmt.Fprintf(p.errOut, "%s %s\n", p.colors.Colorize(icon, p.colors.Theme().Error), err)
	if len(hints) == 0 {
		return
	}
	fmt.Fprintln(p.errOut, p.colors.Colorize("Troubleshooting:", p.colors.Theme().Info))
	for _, hint := range hints {
		fmt.Fprintf(p.errOut, "  %s %s\n", renderIcon("hint", p.unicode), hint)
	}
}

func (p *Printer) status(icon string, clr Color, message string) {
	w := p.out
	if p.config.Format != FormatTable {
		w = p.errOut
	}
	fmt.Fprintf(w, "%s %s\n", p.colors.Colorize(renderIcon(icon, p.unicode), clr), message)
}

// Value writes v as JSON or YAML, or hands a table to build in table mode
func (p *Printer) Value(v interface{}, build func(t *Table)) error {
	switch p.config.Format {
	case FormatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output to JSON: %w", err)
		}
		_, err = fmt.Fprintln(p.out, string(data))
		return err
	case FormatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal output to YAML: %w", err)
		}
		_, err = p.out.Write(data)
		return err
	default:
		t := NewTable(p.colors, GetTableStyleByName(p.config.TableStyle), p.config.MaxTableWidth)
		build(t)
		t.RenderTo(p.out)
		return nil
	}
}

// Empty prints a note for an empty listing in table mode. It reports whether
// the caller should skip rendering.
func (p *Printer) Empty(n int, what string) bool {
	if n > 0 || p.config.Format != FormatTable {
		return false
	}
	p.Info("No %s found", what)
	return true
}
