package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"github.com/sells-group/spec-extractor/internal/model"
)

// Enum matches raw against values case-insensitively and returns the
// declared spelling. When no value matches exactly, the longest value that
// appears as a whole phrase inside raw wins, so "Bronze (ASTM B62)" maps to
// "Bronze". Misspellings never match.
func Enum(raw string, values []string) (string, error) {
	folded := fold(raw)
	if folded == "" {
		return "", failure(model.NormEnum, raw, "empty value")
	}

	for _, v := range values {
		if fold(v) == folded {
			return v, nil
		}
	}

	best, bestLen := "", 0
	for _, v := range values {
		fv := fold(v)
		if len(fv) > bestLen && containsPhrase(folded, fv) {
			best, bestLen = v, len(fv)
		}
	}
	if best != "" {
		return best, nil
	}
	return "", failure(model.NormEnum, raw, "value not in enum")
}

func fold(s string) string {
	// A Caser carries state and must not be shared across goroutines.
	return cases.Fold().String(prepare(s))
}

// containsPhrase reports whether phrase occurs in s bounded by non
// alphanumeric runes on both sides.
func containsPhrase(s, phrase string) bool {
	if phrase == "" {
		return false
	}
	for start := 0; start <= len(s)-len(phrase); {
		i := strings.Index(s[start:], phrase)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(phrase)
		if boundaryBefore(s, i) && boundaryAfter(s, end) {
			return true
		}
		start = i + 1
	}
	return false
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
