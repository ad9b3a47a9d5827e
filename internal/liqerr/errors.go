// Package liqerr defines the failure taxonomy of the liquidation engine.
// Every failure is synchronous and leaves position and fund state untouched.
package liqerr

import (
	"errors"
	"fmt"
)

// Category groups codes by the kind of failure.
type Category int

const (
	CategoryValidation Category = iota
	CategoryNumeric
	CategoryPolicy
	CategoryAuthorization
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryNumeric:
		return "numeric"
	case CategoryPolicy:
		return "policy"
	case CategoryAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

// Code identifies a specific failure.
type Code int

const (
	CodeInvalidOracleAccount Code = iota + 1
	CodeStaleOraclePrice
	CodeOracleConfidenceTooHigh
	CodeInvalidOraclePrice
	CodeZeroPosition
	CodeArithmeticOverflow
	CodeTooSmallToPartial
	CodePartialInsufficient
	CodeUnauthorized
)

var codeNames = map[Code]string{
	CodeInvalidOracleAccount:    "InvalidOracleAccount",
	CodeStaleOraclePrice:        "StaleOraclePrice",
	CodeOracleConfidenceTooHigh: "OracleConfidenceTooHigh",
	CodeInvalidOraclePrice:      "InvalidOraclePrice",
	CodeZeroPosition:            "ZeroPosition",
	CodeArithmeticOverflow:      "ArithmeticOverflow",
	CodeTooSmallToPartial:       "TooSmallToPartial",
	CodePartialInsufficient:     "PartialInsufficient",
	CodeUnauthorized:            "Unauthorized",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "Unknown"
}

// Category returns the taxonomy bucket of the code.
func (c Code) Category() Category {
	switch c {
	case CodeArithmeticOverflow:
		return CategoryNumeric
	case CodeTooSmallToPartial, CodePartialInsufficient:
		return CategoryPolicy
	case CodeUnauthorized:
		return CategoryAuthorization
	default:
		return CategoryValidation
	}
}

// Error is a coded engine failure.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrStaleOraclePrice)
// works regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidOracleAccount    = &Error{Code: CodeInvalidOracleAccount}
	ErrStaleOraclePrice        = &Error{Code: CodeStaleOraclePrice}
	ErrOracleConfidenceTooHigh = &Error{Code: CodeOracleConfidenceTooHigh}
	ErrInvalidOraclePrice      = &Error{Code: CodeInvalidOraclePrice}
	ErrZeroPosition            = &Error{Code: CodeZeroPosition}
	ErrArithmeticOverflow      = &Error{Code: CodeArithmeticOverflow}
	ErrTooSmallToPartial       = &Error{Code: CodeTooSmallToPartial}
	ErrPartialInsufficient     = &Error{Code: CodePartialInsufficient}
	ErrUnauthorized            = &Error{Code: CodeUnauthorized}
)

// New builds a coded error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error carrying a cause.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code of the first *Error in the chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}
