package metacache

import (
	"errors"
	"strconv"
	"strings"
)

// Code is a stable error identifier returned to callers.
// Values are identifiers, not an ordering.
type Code int

// Error codes.
const (
	CodeDisabled            Code = 1
	CodeDeserialize         Code = 2
	CodeInvalidCacheControl Code = 4
	CodeInvalidKey          Code = 5
	CodeInsufficientSpace   Code = 6
)

func (c Code) String() string {
	switch c {
	case CodeDisabled:
		return "cache disabled"
	case CodeDeserialize:
		return "deserialize error"
	case CodeInvalidCacheControl:
		return "invalid cache control"
	case CodeInvalidKey:
		return "invalid key"
	case CodeInsufficientSpace:
		return "insufficient space"
	default:
		return "code " + strconv.Itoa(int(c))
	}
}

// Error is returned by Cache operations.
// Two errors match under errors.Is when their codes are equal, so callers can
// compare against the Err* values below.
type Error struct {
	Err  error
	Op   string
	Key  string
	Code Code
}

// Sentinel errors for use with errors.Is.
var (
	ErrDisabled            = &Error{Code: CodeDisabled}
	ErrDeserialize         = &Error{Code: CodeDeserialize}
	ErrInvalidCacheControl = &Error{Code: CodeInvalidCacheControl}
	ErrInvalidKey          = &Error{Code: CodeInvalidKey}
	ErrInsufficientSpace   = &Error{Code: CodeInsufficientSpace}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("metacache: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Key != "" {
			b.WriteByte(' ')
			b.WriteString(strconv.Quote(e.Key))
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Code.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or 0.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

func newError(code Code, op, key string, err error) *Error {
	return &Error{Code: code, Op: op, Key: key, Err: err}
}
