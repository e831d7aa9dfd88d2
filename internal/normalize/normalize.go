// Package normalize converts raw extracted text into canonical values.
// Every function here is pure and deterministic.
package normalize

import (
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/spec-extractor/internal/model"
)

// Normalize canonicalizes raw according to spec. A failure is a
// *model.Error of kind KindNormalization.
func Normalize(raw string, spec model.NormalizationSpec) (model.Value, error) {
	switch spec.Kind {
	case model.NormEnum:
		s, err := Enum(raw, spec.Values)
		return model.TextValue(spec.Kind, s), err
	case model.NormDimension:
		s, err := Dimension(raw)
		return model.TextValue(spec.Kind, s), err
	case model.NormPressure:
		ms, err := Pressure(raw, spec.Unit)
		return model.Value{Kind: spec.Kind, Measurements: ms}, err
	case model.NormTemperature:
		ms, err := Temperature(raw, spec.Unit)
		return model.Value{Kind: spec.Kind, Measurements: ms}, err
	case model.NormString, "":
		s, err := String(raw)
		return model.TextValue(model.NormString, s), err
	default:
		return model.Value{}, failure(spec.Kind, raw, "unsupported normalization kind")
	}
}

// String trims surrounding whitespace and nothing else.
func String(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", failure(model.NormString, raw, "empty value")
	}
	return s, nil
}

func failure(kind model.NormKind, raw, reason string) error {
	return &model.Error{
		Kind: model.KindNormalization,
		Op:   "normalize " + string(kind),
		Err:  eris.Errorf("%s: %q", reason, raw),
	}
}

var vulgarFractions = strings.NewReplacer(
	"½", " 1/2", "¼", " 1/4", "¾", " 3/4",
	"⅛", " 1/8", "⅜", " 3/8", "⅝", " 5/8", "⅞", " 7/8",
	"⁄", "/", "º", "°", " ", " ",
)

// prepare maps vulgar fractions to ASCII, applies NFKC so full-width digits
// and compatibility symbols compare equal, and collapses whitespace.
func prepare(raw string) string {
	s := vulgarFractions.Replace(raw)
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(s), " ")
}
