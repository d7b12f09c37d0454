package theme

import (
	"os"
	"strings"
)

// GlyphSet is the set of marks used in lists, errors and status tags.
type GlyphSet struct {
	Cross    string
	Warning  string
	Dot      string
	Bullet   string
	Ellipsis string
}

var (
	unicodeGlyphs = GlyphSet{Cross: "✗", Warning: "⚠", Dot: "●", Bullet: "•", Ellipsis: "…"}
	asciiGlyphs   = GlyphSet{Cross: "x", Warning: "!", Dot: "*", Bullet: "-", Ellipsis: "..."}
)

// Glyphs is the active set, chosen once at startup by SelectGlyphs.
var Glyphs = unicodeGlyphs

// UnicodeTerminal reports whether the environment can show non-ASCII
// glyphs. FABRIC_ASCII_SYMBOLS forces ASCII; otherwise the first locale
// variable that is set decides, and an unset locale counts as UTF-8.
func UnicodeTerminal() bool {
	if v := os.Getenv("FABRIC_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if val == "" {
			continue
		}
		return strings.Contains(val, "utf-8") || strings.Contains(val, "utf8")
	}
	return true
}

// SelectGlyphs sets Glyphs from the environment.
func SelectGlyphs() {
	if UnicodeTerminal() {
		Glyphs = unicodeGlyphs
	} else {
		Glyphs = asciiGlyphs
	}
}

func init() { SelectGlyphs() }
