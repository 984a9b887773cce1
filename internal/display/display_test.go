package display

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"
)

func plainPrinter(t *testing.T, format OutputFormat, buf *bytes.Buffer) *Printer {
	t.Helper()
	t.Setenv("FORCE_COLOR", "")
	config := DefaultDisplayConfig()
	config.OutputFormat = string(format)
	config.Writer = buf
	return NewPrinter(*config)
}

func TestDisplayConfig_Validate(t *testing.T) {
	config := DefaultDisplayConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	config.Theme = "neon"
	config.OutputFormat = "xml"
	config.MaxTableWidth = 10
	err := config.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"invalid theme 'neon'", "invalid output format 'xml'", "max table width"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err.Error(), want)
		}
	}
}

func TestDisplayConfig_SetDefaults(t *testing.T) {
	config := &DisplayConfig{}
	config.SetDefaults()

	if config.Theme != string(ThemeDark) || config.OutputFormat != string(FormatTable) || config.TableStyle != string(TableStyleDefault) {
		t.Errorf("unexpected defaults: %+v", config)
	}
	if config.MaxTableWidth != 160 {
		t.Errorf("expected max table width 160, got %d", config.MaxTableWidth)
	}
	if config.Writer == nil {
		t.Error("expected a default writer")
	}
}

func TestGetThemeByName(t *testing.T) {
	if GetThemeByName("light") != LightColorTheme() {
		t.Error("light theme not resolved")
	}
	if GetThemeByName("plain") != PlainTextTheme() {
		t.Error("plain theme not resolved")
	}
	if GetThemeByName("unknown") != DarkColorTheme() {
		t.Error("unknown themes should fall back to dark")
	}
}

func TestColorSystem_DisabledForNonTerminal(t *testing.T) {
	t.Setenv("FORCE_COLOR", "")
	cs := NewColorSystem(DarkColorTheme(), &bytes.Buffer{}, true)
	if cs.Enabled() {
		t.Fatal("colors should be off for a buffer")
	}
	if got := cs.Colorize("completed", ColorGreen); got != "completed" {
		t.Errorf("expected plain text, got %q", got)
	}
}

func TestColorSystem_Forced(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	t.Setenv("TERM", "xterm-256color")
	t.Setenv("FORCE_COLOR", "1")
	cs := NewColorSystem(DarkColorTheme(), &bytes.Buffer{}, true)
	if !cs.Enabled() {
		t.Fatal("FORCE_COLOR should enable colors")
	}
	got := cs.Colorize("failed", cs.StatusColor("failed"))
	if !strings.Contains(got, "\x1b[") || !strings.Contains(got, "failed") {
		t.Errorf("expected an escape sequence around the text, got %q", got)
	}
}

func TestColorSystem_StatusColor(t *testing.T) {
	cs := NewColorSystem(DarkColorTheme(), &bytes.Buffer{}, false)
	tests := map[string]Color{
		"completed":    ColorBrightGreen,
		"failed":       ColorBrightRed,
		"processing":   ColorBrightYellow,
		"soft_deleted": ColorWhite,
		"unknown":      ColorCyan,
	}
	for status, want := range tests {
		if got := cs.StatusColor(status); got != want {
			t.Errorf("StatusColor(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestTable_RenderASCII(t *testing.T) {
	table := NewTable(ASCIIBorderStyle, nil, 0)
	table.SetHeaders("ID", "Status")
	table.AddRow("1", "completed")

	want := strings.Join([]string{
		"+----+-----------+",
		"| ID | Status    |",
		"+----+-----------+",
		"| 1  | completed |",
		"+----+-----------+",
		"",
	}, "\n")
	if got := table.Render(); got != want {
		t.Errorf("unexpected table:\n%s\nwant:\n%s", got, want)
	}
}

func TestTable_RightAlignment(t *testing.T) {
	table := NewTable(ASCIIBorderStyle, nil, 0)
	table.SetHeaders("Table", "Rows")
	table.SetColumnAlignment(1, AlignRight)
	table.AddRow("users", "7")

	if !strings.Contains(table.Render(), "| users |    7 |") {
		t.Errorf("expected right-aligned count:\n%s", table.Render())
	}
}

func TestTable_TruncatesToMaxWidth(t *testing.T) {
	table := NewTable(ASCIIBorderStyle, nil, 20)
	table.SetHeaders("Name")
	table.AddRow(strings.Repeat("x", 40))

	rendered := table.Render()
	if !strings.Contains(rendered, "...") {
		t.Errorf("expected truncated cell:\n%s", rendered)
	}
	for _, line := range strings.Split(strings.TrimSpace(rendered), "\n") {
		if n := utf8.RuneCountInString(line); n > 20 {
			t.Errorf("line %q is %d wide, limit is 20", line, n)
		}
	}
}

func TestTable_MinimalStyleHasNoBorders(t *testing.T) {
	table := NewTable(BorderStyleByName("minimal"), nil, 0)
	table.SetHeaders("Code", "Status")
	table.AddRow("abc", "failed")

	rendered := table.Render()
	if strings.ContainsAny(rendered, "+|") {
		t.Errorf("minimal style should not draw borders:\n%s", rendered)
	}
	if !strings.Contains(rendered, "abc") || !strings.Contains(rendered, "failed") {
		t.Errorf("missing cell content:\n%s", rendered)
	}
}

func TestTable_Empty(t *testing.T) {
	if got := NewTable(ASCIIBorderStyle, nil, 0).Render(); got != "" {
		t.Errorf("empty table should render nothing, got %q", got)
	}
}

func TestPrinter_Messages(t *testing.T) {
	var buf bytes.Buffer
	p := plainPrinter(t, FormatTable, &buf)

	_ = p.Success("backup %s queued", "abc")
	_ = p.Warning("retention is disabled")
	_ = p.Error("restore failed")

	want := "[OK] backup abc queued\n[WARN] retention is disabled\n[ERROR] restore failed\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestPrinter_EmptyTable(t *testing.T) {
	var buf bytes.Buffer
	p := plainPrinter(t, FormatTable, &buf)

	if err := p.Table(p.NewTable("Code"), "no backups found"); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "[INFO] no backups found\n" {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestPrinter_EmptyTableNoteIsLiteral(t *testing.T) {
	var buf bytes.Buffer
	p := plainPrinter(t, FormatTable, &buf)

	if err := p.Table(p.NewTable("Code"), "nothing matched 100%d of %s"); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "[INFO] nothing matched 100%d of %s\n" {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestPrinter_Details(t *testing.T) {
	var buf bytes.Buffer
	p := plainPrinter(t, FormatTable, &buf)

	err := p.Details("Backup", []Field{
		{Label: "Code", Value: "abc"},
		{Label: "Status", Value: "completed"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "Backup\n  Code:   abc\n  Status: completed\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestPrinter_Value(t *testing.T) {
	record := map[string]interface{}{"code": "abc", "size": 42}

	var jsonBuf bytes.Buffer
	jp := plainPrinter(t, FormatJSON, &jsonBuf)
	if !jp.Structured() {
		t.Error("json output should be structured")
	}
	if err := jp.Value(record); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(jsonBuf.String(), `"code": "abc"`) {
		t.Errorf("unexpected json: %s", jsonBuf.String())
	}

	var yamlBuf bytes.Buffer
	yp := plainPrinter(t, FormatYAML, &yamlBuf)
	if err := yp.Value(record); err != nil {
		t.Fatal(err)
	}
	if yamlBuf.String() != "code: abc\nsize: 42\n" {
		t.Errorf("unexpected yaml: %q", yamlBuf.String())
	}
}
