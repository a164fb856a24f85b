package ui

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestShouldUseColor_NoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if ShouldUseColor(os.Stdout) {
		t.Error("NO_COLOR should disable color")
	}
}

func TestShouldUseColor_NotATerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if IsTerminal(f) {
		t.Error("a regular file is not a terminal")
	}
	if ShouldUseColor(f) {
		t.Error("a regular file should not get color")
	}
}

func TestRenderPlain(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)
	for _, render := range []func(string) string{RenderAccent, RenderPass, RenderWarn, RenderMuted} {
		if got := render("synced"); got != "synced" {
			t.Errorf("render = %q, want plain text", got)
		}
	}
}

func TestPrintKV(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)
	var buf bytes.Buffer
	PrintKV(&buf, []KV{
		{Key: "Replica", Value: "phone"},
		{Key: "Pending edits", Value: "3"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", len(lines), buf.String())
	}
	if lines[0] != "  Replica:       phone" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "  Pending edits: 3" {
		t.Errorf("line 1 = %q", lines[1])
	}
}
