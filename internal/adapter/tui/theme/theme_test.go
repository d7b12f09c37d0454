package theme

import (
	"strings"
	"testing"
)

func TestToneOf(t *testing.T) {
	tests := map[string]Tone{
		"active":        ToneGood,
		"healthy":       ToneGood,
		"success":       ToneGood,
		"deprecated":    ToneWarn,
		"partial":       ToneWarn,
		"degraded":      ToneWarn,
		"broken":        ToneBad,
		"unhealthy":     ToneBad,
		"timeout":       ToneBad,
		"no_agents":     ToneBad,
		"clarification": ToneWarn,
	}
	for status, want := range tests {
		if got := ToneOf(status); got != want {
			t.Errorf("ToneOf(%q) = %d, want %d", status, got, want)
		}
	}
}

func TestStatusKeepsLabel(t *testing.T) {
	if got := Status("broken"); !strings.Contains(got, "broken") {
		t.Errorf("Status(broken) = %q", got)
	}
}

func TestUnicodeTerminal(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LC_CTYPE", "")
	t.Setenv("LANG", "")
	t.Setenv("FABRIC_ASCII_SYMBOLS", "")
	if !UnicodeTerminal() {
		t.Error("unset locale should count as UTF-8")
	}

	t.Setenv("LANG", "C")
	if UnicodeTerminal() {
		t.Error("LANG=C should select ASCII")
	}

	t.Setenv("LC_ALL", "en_US.UTF-8")
	if !UnicodeTerminal() {
		t.Error("LC_ALL wins over LANG")
	}

	t.Setenv("FABRIC_ASCII_SYMBOLS", "1")
	if UnicodeTerminal() {
		t.Error("FABRIC_ASCII_SYMBOLS forces ASCII")
	}
}

func TestSelectGlyphs(t *testing.T) {
	t.Cleanup(SelectGlyphs)

	t.Setenv("FABRIC_ASCII_SYMBOLS", "true")
	SelectGlyphs()
	if Glyphs.Ellipsis != "..." {
		t.Errorf("ASCII ellipsis = %q", Glyphs.Ellipsis)
	}
}

func TestClamp(t *testing.T) {
	if Clamp(5, 10, 20) != 10 || Clamp(25, 10, 20) != 20 || Clamp(15, 10, 20) != 15 {
		t.Error("Clamp out of range")
	}
}
