package matching

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripDiacritics decomposes to NFD, drops combining marks, and recomposes.
var stripDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var (
	digitLetter = regexp.MustCompile(`([0-9])([a-z])`)
	letterDigit = regexp.MustCompile(`([a-z])([0-9])`)
	nonAlnum    = regexp.MustCompile(`[^0-9a-z]+`)
	spaces      = regexp.MustCompile(`\s+`)

	// Packaging and quantity noise: "caja x 30", "blister 10", "frasco x 120 ml".
	packagingNoise = regexp.MustCompile(`\b(?:caja|blister|frasco|ampolla|vial|tableta|tabletas|capsula|capsulas|comprimidos?|sobres?|parche|jeringa|unidades?|und\.?|tab\.?|cap\.?)(?:\s*x\s*|\s+)[0-9]+(?:\s*(?:ml|mg|g|mcg|ui|iu|miu))?\b`)

	// Administration-route words that add no identity when comparing names.
	formNoise = regexp.MustCompile(`\b(?:oral|intravenoso|iv|im|sc|topico|topica|inyectable|soluble|efervescente|rectal|sublingual|inhalador|spray|solucion|suspension|emulsion|crema|gel|pomada|jarabe|gotas)\b`)
)

// Normalize turns a free-text medication name into the canonical comparison
// key: lowercase ASCII, diacritics stripped, a space forced between digit and
// letter runs ("500mg" -> "500 mg"), packaging and route noise removed,
// punctuation collapsed to single spaces. It is pure and total; empty input
// yields the empty key, which callers must treat as unmatchable.
func Normalize(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	out := asciiLower(text)

	out = digitLetter.ReplaceAllString(out, "$1 $2")
	out = letterDigit.ReplaceAllString(out, "$1 $2")
	out = packagingNoise.ReplaceAllString(out, " ")
	out = formNoise.ReplaceAllString(out, " ")
	out = nonAlnum.ReplaceAllString(out, " ")
	out = spaces.ReplaceAllString(out, " ")

	return strings.TrimSpace(out)
}

// NormalizeForm canonicalizes a dosage-form label. Unlike Normalize it keeps
// route words: here they are the payload, not noise.
func NormalizeForm(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	out := asciiLower(text)
	out = nonAlnum.ReplaceAllString(out, " ")
	out = spaces.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

func asciiLower(text string) string {
	out, _, err := transform.String(stripDiacritics, text)
	if err != nil {
		// The chain cannot fail on valid UTF-8; fall back to the raw text.
		out = text
	}
	return strings.ToLower(out)
}
