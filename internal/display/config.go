package display

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samber/lo"
)

// DisplayConfig holds configuration for visual display options
type DisplayConfig struct {
	Format        OutputFormat `mapstructure:"format" yaml:"format"`
	ColorEnabled  bool         `mapstructure:"color_enabled" yaml:"color_enabled"`
	Theme         string       `mapstructure:"theme" yaml:"theme"`
	TableStyle    string       `mapstructure:"table_style" yaml:"table_style"`
	MaxTableWidth int          `mapstructure:"max_table_width" yaml:"max_table_width"`
	UseIcons      bool         `mapstructure:"use_icons" yaml:"use_icons"`
	QuietMode     bool         `mapstructure:"quiet" yaml:"quiet"`

	Writer    io.Writer `mapstructure:"-" yaml:"-"`
	ErrWriter io.Writer `mapstructure:"-" yaml:"-"`
}

var (
	validThemes      = []string{"dark", "light", "high-contrast"}
	validTableStyles = []string{"default", "rounded", "minimal"}
)

// DefaultDisplayConfig returns a default display configuration
func DefaultDisplayConfig() *DisplayConfig {
	return &DisplayConfig{
		Format:       FormatTable,
		ColorEnabled: true,
		Theme:        "dark",
		TableStyle:   "default",
		UseIcons:     true,
		Writer:       os.Stdout,
		ErrWriter:    os.Stderr,
	}
}

// SetDefaults sets default values for unspecified configuration options
func (dc *DisplayConfig) SetDefaults() {
	if dc.Format == "" {
		dc.Format = FormatTable
	}
	if dc.Theme == "" {
		dc.Theme = "dark"
	}
	if dc.TableStyle == "" {
		dc.TableStyle = "default"
	}
	if dc.Writer == nil {
		dc.Writer = os.Stdout
	}
	if dc.ErrWriter == nil {
		dc.ErrWriter = os.Stderr
	}
}

// Validate validates the display configuration
func (dc *DisplayConfig) Validate() error {
	var errs []string

	if _, err := ParseFormat(string(dc.Format)); err != nil {
		errs = append(errs, err.Error())
	}
	if !lo.Contains(validThemes, dc.Theme) {
		errs = append(errs, fmt.Sprintf("invalid theme '%s', must be one of: %s", dc.Theme, strings.Join(validThemes, ", ")))
	}
	if !lo.Contains(validTableStyles, dc.TableStyle) {
		errs = append(errs, fmt.Sprintf("invalid table style '%s', must be one of: %s", dc.TableStyle, strings.Join(validTableStyles, ", ")))
	}
	if dc.MaxTableWidth != 0 && (dc.MaxTableWidth < 40 || dc.MaxTableWidth > 300) {
		errs = append(errs, fmt.Sprintf("max table width must be between 40 and 300, got %d", dc.MaxTableWidth))
	}

	if len(errs) > 0 {
		return fmt.Errorf("display configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
