// Package errors defines the failure taxonomy shared by every stage of the
// forward/inverse pipeline.
//
// Each failure is an *Error carrying a Kind, the Stage that produced it and the
// content identity of the input that triggered it, so a failed build can be
// reproduced from the log line alone. Callers match categories with errors.Is
// against the package sentinels:
//
//	if errors.Is(err, errors.ErrSingularMatrix) { ... }
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind identifies the failure category
type Kind int

const (
	// KindGeometry covers open, self-intersecting or badly nested surfaces and
	// source locations outside the innermost boundary.
	KindGeometry Kind = iota + 1

	// KindSingularMatrix covers boundary-element or covariance matrices that
	// cannot be inverted under the configured regularization.
	KindSingularMatrix

	// KindDimensionMismatch covers inconsistent channel, source or orientation
	// counts between artifacts.
	KindDimensionMismatch

	// KindConvergence covers iterative reweighting that did not converge in
	// strict mode.
	KindConvergence

	// KindNumericalInstability covers solves whose condition number exceeds the
	// configured threshold.
	KindNumericalInstability
)

var kindNames = map[Kind]string{
	KindGeometry:             "GeometryError",
	KindSingularMatrix:       "SingularMatrixError",
	KindDimensionMismatch:    "DimensionMismatchError",
	KindConvergence:          "ConvergenceError",
	KindNumericalInstability: "NumericalInstabilityError",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrGeometry             = &Error{Kind: KindGeometry, Message: "invalid geometry"}
	ErrSingularMatrix       = &Error{Kind: KindSingularMatrix, Message: "singular matrix"}
	ErrDimensionMismatch    = &Error{Kind: KindDimensionMismatch, Message: "dimension mismatch"}
	ErrConvergence          = &Error{Kind: KindConvergence, Message: "did not converge"}
	ErrNumericalInstability = &Error{Kind: KindNumericalInstability, Message: "numerically unstable"}
)

// Error is the structured failure value returned by all pipeline stages
type Error struct {
	// Kind is the failure category
	Kind Kind

	// Stage names the pipeline step, e.g. "bem.solve" or "inverse.make"
	Stage string

	// Input is the content identity (or a short description) of the input that failed
	Input string

	// Message is the human-readable description
	Message string

	// Cause is the lower-level error, if any
	Cause error
}

// Error formats as "<Kind> [stage] (input): message: cause"
func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Stage != "" {
		s += " [" + e.Stage + "]"
	}
	if e.Input != "" {
		s += " (" + shorten(e.Input) + ")"
	}
	s += ": " + e.Message
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap exposes the cause to errors.Is / errors.As
func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same Kind, which makes the package sentinels
// usable with errors.Is regardless of stage or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithInput returns a copy of e carrying the given input identity
func (e *Error) WithInput(input string) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Input = input
	return &clone
}

// New constructs an *Error
func New(kind Kind, stage, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error around cause
func Wrap(cause error, kind Kind, stage, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Geometry is shorthand for New(KindGeometry, ...)
func Geometry(stage, format string, args ...interface{}) *Error {
	return New(KindGeometry, stage, format, args...)
}

// Singular is shorthand for New(KindSingularMatrix, ...)
func Singular(stage, format string, args ...interface{}) *Error {
	return New(KindSingularMatrix, stage, format, args...)
}

// Dimension is shorthand for New(KindDimensionMismatch, ...)
func Dimension(stage, format string, args ...interface{}) *Error {
	return New(KindDimensionMismatch, stage, format, args...)
}

// Convergence is shorthand for New(KindConvergence, ...)
func Convergence(stage, format string, args ...interface{}) *Error {
	return New(KindConvergence, stage, format, args...)
}

// Instability is shorthand for New(KindNumericalInstability, ...)
func Instability(stage, format string, args ...interface{}) *Error {
	return New(KindNumericalInstability, stage, format, args...)
}

// KindOf returns the Kind of the first *Error in err's chain, or 0
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is re-exports the standard library errors.Is
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As re-exports the standard library errors.As
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// Join re-exports the standard library errors.Join
func Join(errs ...error) error { return stderrors.Join(errs...) }

// shorten keeps hex digests readable in messages
func shorten(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
