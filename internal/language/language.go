// Package language verifies that translated output is actually written in
// the requested target language. Detection is advisory: short or ambiguous
// samples pass, and a mismatch is reported, never enforced.
package language

import (
	"fmt"
	"strings"

	lingua "github.com/pemistahl/lingua-go"
)

// minSampleLength is the minimum rune count required to attempt detection;
// shorter samples produce unreliable results and pass without verification.
const minSampleLength = 20

// Checker wraps a lingua detector. Building one is expensive; reuse the
// instance across files.
type Checker struct {
	det lingua.LanguageDetector
}

// NewChecker builds a detector over all supported languages, or over the
// given subset when provided (useful in tests, where the full model set is
// slow to load).
func NewChecker(langs ...lingua.Language) *Checker {
	b := lingua.NewLanguageDetectorBuilder()
	if len(langs) > 0 {
		return &Checker{det: b.FromLanguages(langs...).Build()}
	}
	return &Checker{det: b.FromAllLanguages().Build()}
}

// Verify reports whether sample appears to be written in the target
// language, given by its English name (e.g. "Finnish"). Unknown target
// names, short samples and undetectable text all pass.
func (c *Checker) Verify(sample, targetLang string) (bool, error) {
	target, ok := languageByName(targetLang)
	if !ok {
		return true, nil
	}

	text := strings.TrimSpace(sample)
	if len([]rune(text)) < minSampleLength {
		return true, nil
	}

	detected, ok := c.det.DetectLanguageOf(text)
	if !ok {
		// Ambiguous — cannot verify, pass through.
		return true, nil
	}

	if detected != target {
		return false, fmt.Errorf("expected %s but output looks like %s", target, detected)
	}
	return true, nil
}

// languageByName maps an English language name to its lingua constant.
func languageByName(name string) (lingua.Language, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return lingua.Unknown, false
	}
	for _, l := range lingua.AllLanguages() {
		if strings.ToLower(l.String()) == want {
			return l, true
		}
	}
	return lingua.Unknown, false
}
