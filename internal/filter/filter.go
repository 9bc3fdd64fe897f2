// Package filter reduces raw recognizer output to Chinese-script content.
//
// Recognition models occasionally drift into neighbouring scripts or emit
// Latin noise on silence. [Filter] drops foreign-script characters, keeps only
// whitespace-delimited tokens that are mostly Chinese, and returns the empty
// string when nothing usable remains. It is pure and idempotent.
package filter

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/rangetable"
)

// MinTargetRatio is the share of target-script code points a token needs to
// survive filtering.
const MinTargetRatio = 0.5

// minLength is the shortest result, in code points, that counts as content.
const minLength = 2

func span(lo, hi rune) *unicode.RangeTable {
	return &unicode.RangeTable{R16: []unicode.Range16{{Lo: uint16(lo), Hi: uint16(hi), Stride: 1}}}
}

// Target holds the Chinese script: CJK unified ideographs and extension A,
// compatibility ideographs, CJK symbols and punctuation, and the half-width
// and full-width forms block.
var Target = rangetable.Merge(
	span(0x4E00, 0x9FFF),
	span(0x3400, 0x4DBF),
	span(0xF900, 0xFAFF),
	span(0x3000, 0x303F),
	span(0xFF00, 0xFFEF),
)

// Foreign holds scripts that are removed outright: Hiragana, Katakana,
// Hangul syllables, Thai and Devanagari.
var Foreign = rangetable.Merge(
	span(0x3040, 0x309F),
	span(0x30A0, 0x30FF),
	span(0xAC00, 0xD7AF),
	span(0x0E00, 0x0E7F),
	span(0x0900, 0x097F),
)

// IsTarget reports whether r belongs to the target script.
func IsTarget(r rune) bool { return unicode.Is(Target, r) }

// IsForeign reports whether r belongs to a removed foreign script.
func IsForeign(r rune) bool { return unicode.Is(Foreign, r) }

// Filter returns the Chinese content of text with inter-token whitespace
// removed, or "" when fewer than two code points or no Chinese character
// survive.
func Filter(text string) string {
	if text == "" {
		return ""
	}
	cleaned := strings.Map(func(r rune) rune {
		if IsForeign(r) {
			return -1
		}
		return r
	}, text)

	var b strings.Builder
	for _, tok := range strings.Fields(cleaned) {
		if targetRatio(tok) >= MinTargetRatio {
			b.WriteString(tok)
		}
	}

	out := b.String()
	if utf8.RuneCountInString(out) < minLength || strings.IndexFunc(out, IsTarget) < 0 {
		return ""
	}
	return out
}

// targetRatio is the share of code points in tok that are target script.
func targetRatio(tok string) float64 {
	var total, hits int
	for _, r := range tok {
		total++
		if IsTarget(r) {
			hits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
