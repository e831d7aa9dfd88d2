package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/spec-extractor/internal/model"
)

// sizeRe finds the first size token: a whole-plus-fraction ("1-1/2",
// "1 1/2"), a bare fraction ("3/4"), or a decimal/integer ("1.5", "2").
var sizeRe = regexp.MustCompile(`(?:(\d+)\s*[-\s]\s*)?(\d+)\s*/\s*(\d+)|(\d*\.\d+|\d+)`)

var (
	mmSuffixRe = regexp.MustCompile(`(?i)^\s*mm\b`)
	dnPrefixRe = regexp.MustCompile(`(?i)\bDN\s*$`)
)

// sixteenths is the finest standard fraction decimal sizes round to.
const sixteenths = 16

// maxInches bounds nominal sizes; larger values are not product sizes.
const maxInches = 1000

// Dimension canonicalizes a nominal size to fractional-inch form: whole and
// fraction joined by a hyphen ("1-1/2"), bare fractions ("3/4") and whole
// numbers ("2") otherwise. Decimals round to the nearest sixteenth. Metric
// sizes keep their metric form ("50 mm", "DN50"). Dimension is idempotent.
func Dimension(raw string) (string, error) {
	s := prepare(raw)
	loc := sizeRe.FindStringSubmatchIndex(s)
	if loc == nil {
		return "", failure(model.NormDimension, raw, "no size found")
	}
	group := func(n int) string {
		if loc[2*n] < 0 {
			return ""
		}
		return s[loc[2*n]:loc[2*n+1]]
	}

	if dnPrefixRe.MatchString(s[:loc[0]]) && group(4) != "" {
		return "DN" + group(4), nil
	}
	if mmSuffixRe.MatchString(s[loc[1]:]) {
		if group(4) == "" {
			return "", failure(model.NormDimension, raw, "fractional metric size")
		}
		f, err := strconv.ParseFloat(group(4), 64)
		if err != nil || f <= 0 {
			return "", failure(model.NormDimension, raw, "bad metric size")
		}
		return strconv.FormatFloat(f, 'f', -1, 64) + " mm", nil
	}

	var whole, num, den int
	if group(4) != "" {
		f, err := strconv.ParseFloat(group(4), 64)
		if err != nil {
			return "", failure(model.NormDimension, raw, "bad decimal size")
		}
		if f > maxInches {
			return "", failure(model.NormDimension, raw, "size out of range")
		}
		n := int(math.Round(f * sixteenths))
		whole, num, den = n/sixteenths, n%sixteenths, sixteenths
	} else {
		var ok bool
		if whole, ok = atoi(group(1)); !ok {
			return "", failure(model.NormDimension, raw, "size out of range")
		}
		if num, ok = atoi(group(2)); !ok {
			return "", failure(model.NormDimension, raw, "size out of range")
		}
		if den, ok = atoi(group(3)); !ok {
			return "", failure(model.NormDimension, raw, "size out of range")
		}
		if den == 0 {
			return "", failure(model.NormDimension, raw, "zero denominator")
		}
		whole += num / den
		num %= den
		if whole > maxInches {
			return "", failure(model.NormDimension, raw, "size out of range")
		}
	}

	if num > 0 {
		g := gcd(num, den)
		num, den = num/g, den/g
	}
	switch {
	case whole == 0 && num == 0:
		return "", failure(model.NormDimension, raw, "zero size")
	case num == 0:
		return strconv.Itoa(whole), nil
	case whole == 0:
		return fmt.Sprintf("%d/%d", num, den), nil
	default:
		return fmt.Sprintf("%d-%d/%d", whole, num, den), nil
	}
}

// atoi parses an optional integer group; an empty group is zero.
func atoi(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
