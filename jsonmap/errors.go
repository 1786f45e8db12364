package jsonmap

import (
	"errors"
	"fmt"
)

// List of errors wrapped by *DecodeError.
var (
	ErrSyntax               = errors.New("syntax error")
	ErrTrailingComma        = errors.New("trailing comma")
	ErrUnexpectedEnd        = errors.New("unexpected end of input")
	ErrTrailingContent      = errors.New("unexpected content after }")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidInteger       = errors.New("invalid integer value")
	ErrInvalidFloat         = errors.New("invalid float value")
	ErrInvalidBoolean       = errors.New("invalid boolean value")
	ErrExpectedString       = errors.New("expected string value")
	ErrUnterminatedString   = errors.New("unterminated string")
	ErrStringTooLong        = errors.New("string too long")
	ErrExpectedObject       = errors.New("expected object")
	ErrExpectedArray        = errors.New("expected array")
	ErrArrayTooShort        = errors.New("array too short")
	ErrArrayTooLong         = errors.New("array too long")
	ErrInvalidSchema        = errors.New("invalid schema")
)

// DecodeError is the error returned by Decode.
type DecodeError struct {
	// Err is one of the Err* variables.
	Err error

	// Key is the path of the field being decoded, if any, e.g. "a.b[2].c".
	Key string

	// Offset is the byte offset in the input where the error was detected.
	// It is -1 for schema errors.
	Offset int

	// Detail gives additional information, if any.
	Detail string
}

// Error returns the error message.
func (e *DecodeError) Error() string {
	msg := "socklet/jsonmap: " + e.Err.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" (key %q)", e.Key)
	}
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" at offset %d", e.Offset)
	}
	return msg
}

// Unwrap returns the wrapped Err* variable.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

func schemaErr(key, detail string) error {
	return &DecodeError{Err: ErrInvalidSchema, Key: key, Offset: -1, Detail: detail}
}
