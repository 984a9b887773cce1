// Package display renders command output: colored status lines, tables of
// backups, restores and schedules, and JSON or YAML for scripting.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// OutputFormat selects how records are printed
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ThemeName represents available color themes
type ThemeName string

const (
	ThemeDark         ThemeName = "dark"
	ThemeLight        ThemeName = "light"
	ThemeHighContrast ThemeName = "high-contrast"
	ThemePlain        ThemeName = "plain"
)

// TableStyleName represents available table styles
type TableStyleName string

const (
	TableStyleDefault TableStyleName = "default"
	TableStyleRounded TableStyleName = "rounded"
	TableStyleMinimal TableStyleName = "minimal"
)

// DisplayConfig holds configuration for command output
type DisplayConfig struct {
	ColorEnabled  bool   `mapstructure:"color_enabled" yaml:"color_enabled"`
	UseIcons      bool   `mapstructure:"use_icons" yaml:"use_icons"`
	Theme         string `mapstructure:"theme" yaml:"theme"`
	OutputFormat  string `mapstructure:"output_format" yaml:"output_format"`
	TableStyle    string `mapstructure:"table_style" yaml:"table_style"`
	MaxTableWidth int    `mapstructure:"max_table_width" yaml:"max_table_width"`

	Writer io.Writer `mapstructure:"-" yaml:"-"`
}

// DefaultDisplayConfig returns a default display configuration
func DefaultDisplayConfig() *DisplayConfig {
	return &DisplayConfig{
		ColorEnabled:  true,
		UseIcons:      true,
		Theme:         string(ThemeDark),
		OutputFormat:  string(FormatTable),
		TableStyle:    string(TableStyleDefault),
		MaxTableWidth: 160,
		Writer:        os.Stdout,
	}
}

// Validate validates the display configuration
func (dc *DisplayConfig) Validate() error {
	var errs []string

	validThemes := []string{string(ThemeDark), string(ThemeLight), string(ThemeHighContrast), string(ThemePlain)}
	if !contains(validThemes, dc.Theme) {
		errs = append(errs, fmt.Sprintf("invalid theme '%s', must be one of: %s", dc.Theme, strings.Join(validThemes, ", ")))
	}

	validFormats := []string{string(FormatTable), string(FormatJSON), string(FormatYAML)}
	if !contains(validFormats, dc.OutputFormat) {
		errs = append(errs, fmt.Sprintf("invalid output format '%s', must be one of: %s", dc.OutputFormat, strings.Join(validFormats, ", ")))
	}

	validStyles := []string{string(TableStyleDefault), string(TableStyleRounded), string(TableStyleMinimal)}
	if !contains(validStyles, dc.TableStyle) {
		errs = append(errs, fmt.Sprintf("invalid table style '%s', must be one of: %s", dc.TableStyle, strings.Join(validStyles, ", ")))
	}

	if dc.MaxTableWidth < 40 || dc.MaxTableWidth > 400 {
		errs = append(errs, fmt.Sprintf("max table width must be between 40 and 400, got %d", dc.MaxTableWidth))
	}

	if len(errs) > 0 {
		return fmt.Errorf("display configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SetDefaults sets default values for unspecified options
func (dc *DisplayConfig) SetDefaults() {
	if dc.Theme == "" {
		dc.Theme = string(ThemeDark)
	}
	if dc.OutputFormat == "" {
		dc.OutputFormat = string(FormatTable)
	}
	if dc.TableStyle == "" {
		dc.TableStyle = string(TableStyleDefault)
	}
	if dc.MaxTableWidth == 0 {
		dc.MaxTableWidth = 160
	}
	if dc.Writer == nil {
		dc.Writer = os.Stdout
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
