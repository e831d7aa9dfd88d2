package normalize

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/spec-extractor/internal/model"
)

// magnitudeRe captures an optionally signed number and the unit token that
// follows it. Unit tokens not in the alias tables are ignored.
var magnitudeRe = regexp.MustCompile(`(?i)(-?)(\d+(?:,\d{3})*(?:\.\d+)?)\s*(°\s*[a-z]|deg(?:rees)?\.?\s*[a-z]|[a-z#]+)?`)

var classRe = regexp.MustCompile(`(?i)\bclass\s*(\d+)`)

var rangeSepRe = regexp.MustCompile(`(?i)^\s*(?:to|-|–|~)\s*$`)

var pressureUnits = map[string]string{
	"psi":  "psi",
	"psig": "psi",
	"bar":  "bar",
	"barg": "bar",
	"kpa":  "kPa",
	"mpa":  "MPa",
	"wog":  "WOG",
	"swp":  "SWP",
	"cwp":  "CWP",
	"wsp":  "WSP",
	"#":    "Class",
	"lb":   "Class",
	"lbs":  "Class",
}

var temperatureUnits = map[string]string{
	"°f": "°F",
	"f":  "°F",
	"°c": "°C",
	"c":  "°C",
}

// psiPer maps convertible pressure units to their value in psi.
var psiPer = map[string]float64{
	"psi": 1,
	"bar": 14.5038,
	"kPa": 0.145038,
	"MPa": 145.038,
}

// Pressure extracts every magnitude/unit pair in raw, in order of
// appearance ("125 SWP / 200 WOG" yields two). When unit names a
// convertible target (psi, bar, kPa, MPa) convertible pairs are converted;
// rating units such as WOG are kept as written. A bare number with no unit
// takes the target unit.
func Pressure(raw, unit string) ([]model.Measurement, error) {
	s := prepare(raw)
	target := canonicalUnit(unit, pressureUnits)
	classes := classRe.FindAllStringSubmatchIndex(s, -1)
	var ms []positioned
	for _, p := range scanMeasurements(s, pressureUnits) {
		if !insideClass(p.pos, classes) {
			ms = append(ms, p)
		}
	}
	for _, m := range classes {
		v, _ := strconv.ParseFloat(s[m[2]:m[3]], 64)
		ms = append(ms, positioned{pos: m[0], m: model.Measurement{Magnitude: v, Unit: "Class"}})
	}
	out, err := finish(ms, s, raw, model.NormPressure, target)
	if err != nil {
		return nil, err
	}

	if to, ok := psiPer[target]; ok {
		for i, m := range out {
			if from, ok := psiPer[m.Unit]; ok && m.Unit != target {
				out[i] = model.Measurement{Magnitude: round2(m.Magnitude * from / to), Unit: target}
			}
		}
	}
	return out, nil
}

// Temperature extracts every magnitude/unit pair in raw ("-20°F to 400°F"
// and "-20 to 400°F" both yield two) and converts between °F and °C when unit names one of them.
func Temperature(raw, unit string) ([]model.Measurement, error) {
	s := prepare(raw)
	target := canonicalUnit(unit, temperatureUnits)
	out, err := finish(scanMeasurements(s, temperatureUnits), s, raw, model.NormTemperature, target)
	if err != nil {
		return nil, err
	}

	for i, m := range out {
		switch {
		case m.Unit == "°F" && target == "°C":
			out[i] = model.Measurement{Magnitude: round2((m.Magnitude - 32) * 5 / 9), Unit: target}
		case m.Unit == "°C" && target == "°F":
			out[i] = model.Measurement{Magnitude: round2(m.Magnitude*9/5 + 32), Unit: target}
		}
	}
	return out, nil
}

type positioned struct {
	pos int
	m   model.Measurement
}

func scanMeasurements(s string, units map[string]string) []positioned {
	var out []positioned
	var bare *positioned
	bareEnd := 0
	for _, loc := range magnitudeRe.FindAllStringSubmatchIndex(s, -1) {
		num := strings.ReplaceAll(s[loc[4]:loc[5]], ",", "")
		v, err := strconv.ParseFloat(num, 64)
		if err != nil {
			bare = nil
			continue
		}
		// A hyphen directly after a digit is a range separator, not a sign.
		if loc[3] > loc[2] && (loc[2] == 0 || !isDigit(s[loc[2]-1])) {
			v = -v
		}

		canon, ok := "", false
		if loc[6] >= 0 {
			canon, ok = units[unitKey(s[loc[6]:loc[7]])]
		}
		if !ok {
			bare = &positioned{pos: loc[0], m: model.Measurement{Magnitude: v}}
			bareEnd = loc[5]
			continue
		}

		// The low end of a range ("-20 to 400°F", "32-212 F") takes the unit
		// of the high end.
		if bare != nil && rangeSepRe.MatchString(s[bareEnd:loc[4]]) {
			bare.m.Unit = canon
			out = append(out, *bare)
		}
		bare = nil
		out = append(out, positioned{pos: loc[0], m: model.Measurement{Magnitude: v, Unit: canon}})
	}
	return out
}

// finish orders pairs by position. With no pairs it falls back to the first
// bare number in the target unit, or fails.
func finish(ms []positioned, s, raw string, kind model.NormKind, target string) ([]model.Measurement, error) {
	if len(ms) == 0 {
		if target != "" {
			if loc := magnitudeRe.FindStringSubmatchIndex(s); loc != nil {
				v, err := strconv.ParseFloat(strings.ReplaceAll(s[loc[4]:loc[5]], ",", ""), 64)
				if err == nil {
					if loc[3] > loc[2] {
						v = -v
					}
					return []model.Measurement{{Magnitude: v, Unit: target}}, nil
				}
			}
		}
		return nil, failure(kind, raw, "no magnitude with unit found")
	}

	sort.SliceStable(ms, func(i, j int) bool { return ms[i].pos < ms[j].pos })
	out := make([]model.Measurement, len(ms))
	for i, p := range ms {
		out[i] = p.m
	}
	return out, nil
}

func unitKey(token string) string {
	u := strings.ToLower(token)
	u = strings.NewReplacer(" ", "", ".", "", "degrees", "°", "deg", "°").Replace(u)
	return u
}

func canonicalUnit(unit string, units map[string]string) string {
	if unit == "" {
		return ""
	}
	if canon, ok := units[unitKey(unit)]; ok {
		return canon
	}
	return unit
}

// insideClass reports whether pos falls within a "Class N" match, so
// "Class 150 lb" is one rating rather than two.
func insideClass(pos int, classes [][]int) bool {
	for _, c := range classes {
		if pos >= c[0] && pos < c[1] {
			return true
		}
	}
	return false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
