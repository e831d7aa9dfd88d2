package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures so callers can branch on them.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindNormalization     ErrorKind = "normalization_failure"
	KindNoMatch           ErrorKind = "no_match"
	KindConflict          ErrorKind = "conflict"
	KindHardFailure       ErrorKind = "hard_failure"
	KindGenerationFailure ErrorKind = "generation_failure"
	KindInvalidTemplate   ErrorKind = "invalid_template"
)

// Error is a structured failure carrying its kind and context.
type Error struct {
	Kind       ErrorKind
	Op         string
	Source     string
	TemplateID string
	Field      string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	for _, kv := range [][2]string{
		{"source", e.Source},
		{"template", e.TemplateID},
		{"field", e.Field},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%q", kv[0], kv[1])
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
