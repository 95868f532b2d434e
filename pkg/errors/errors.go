package errors

import (
	"errors"
)

type Code string

// Classes the session lifecycle reacts to. Only CodeTransient is retried.
const (
	CodeTransient  Code = "transient"
	CodePermanent  Code = "permanent"
	CodeValidation Code = "validation"
)

const (
	CodeUnknown Code = "unknown"
	CodeClosed  Code = "closed"
)

var (
	ErrClosed          = &Error{Code: CodeClosed, Message: "recipebox: session manager is closed"}
	ErrMissingProvider = &Error{Code: CodeValidation, Message: "recipebox: identity provider is required"}
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	if e.Message != "" {
		return e.Message
	}

	if e.Err != nil {
		return e.Err.Error()
	}

	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap annotates err with code. An empty message keeps err's own text as the
// error string.
func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func Transient(err error) *Error {
	return Wrap(CodeTransient, "", err)
}

func Permanent(err error) *Error {
	return Wrap(CodePermanent, "", err)
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func IsCode(err error, code Code) bool {
	var typed *Error
	if !errors.As(err, &typed) {
		return false
	}
	return typed.Code == code
}

func IsTransient(err error) bool {
	return IsCode(err, CodeTransient)
}

// CodeOf reports the outermost code attached to err. Unannotated errors are
// permanent: only failures a backend explicitly marks as transient are retried.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var typed *Error
	if !errors.As(err, &typed) {
		return CodePermanent
	}
	return typed.Code
}

// Classify returns err as an *Error, wrapping unannotated errors as permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return Permanent(err)
}
