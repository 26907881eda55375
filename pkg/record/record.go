// Package record encodes and decodes the self-describing header that metacache
// prepends to every value it writes to a backend.
//
// The wire format is:
//
//	[version:access:expires:maxAge:stale:priority]value
//
// All numeric fields are base-10. Timestamps are Unix seconds, durations are
// seconds. The value is opaque.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Version is the header version written by Encode.
const Version = 1

const numFields = 6

var (
	// ErrMalformedMeta is returned by Encode when a field violates its invariant.
	ErrMalformedMeta = errors.New("invalid meta")
	// ErrMissingMeta is returned by Decode when the input has no bracketed header.
	ErrMissingMeta = errors.New("missing meta")
	// ErrInvalidMetaFields is returned by Decode when a header field is absent,
	// non-numeric or out of range.
	ErrInvalidMetaFields = errors.New("invalid meta fields")
)

// MetaError reports which header field failed validation.
type MetaError struct {
	Err   error // one of the sentinels above
	Field string
	Value string
}

func (e *MetaError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Field)
	}
	return fmt.Sprintf("%v: %s=%q", e.Err, e.Field, e.Value)
}

func (e *MetaError) Unwrap() error { return e.Err }

// Meta is the decoded header of a stored record.
type Meta struct {
	Version  int
	Access   int64 // last read or write, Unix seconds
	Expires  int64 // absolute expiry, Unix seconds
	MaxAge   int64 // original freshness lifetime, seconds
	Stale    int64 // stale-while-revalidate window, seconds
	Priority int   // >= 1; larger is evicted sooner
	Size     int   // encoded length including header; set by Decode
}

// Validate checks the invariants Encode enforces.
func (m Meta) Validate() error {
	switch {
	case m.Access < 0:
		return &MetaError{Err: ErrMalformedMeta, Field: "access", Value: strconv.FormatInt(m.Access, 10)}
	case m.Expires < 0:
		return &MetaError{Err: ErrMalformedMeta, Field: "expires", Value: strconv.FormatInt(m.Expires, 10)}
	case m.MaxAge < 0:
		return &MetaError{Err: ErrMalformedMeta, Field: "maxAge", Value: strconv.FormatInt(m.MaxAge, 10)}
	case m.Stale < 0:
		return &MetaError{Err: ErrMalformedMeta, Field: "stale", Value: strconv.FormatInt(m.Stale, 10)}
	case m.Priority < 1:
		return &MetaError{Err: ErrMalformedMeta, Field: "priority", Value: strconv.Itoa(m.Priority)}
	}
	return nil
}

// EncodedLen returns the length Encode would produce for m and a value of n bytes.
func (m Meta) EncodedLen(n int) int {
	return len(appendHeader(make([]byte, 0, 64), m)) + n
}

// Encode returns the header for m followed by value.
// The Version field of m is ignored; the current Version is always written.
func Encode(m Meta, value []byte) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 48+len(value))
	buf = appendHeader(buf, m)
	return append(buf, value...), nil
}

func appendHeader(buf []byte, m Meta) []byte {
	buf = append(buf, '[')
	buf = strconv.AppendInt(buf, Version, 10)
	for _, n := range [...]int64{m.Access, m.Expires, m.MaxAge, m.Stale, int64(m.Priority)} {
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, n, 10)
	}
	return append(buf, ']')
}

var fieldNames = [numFields]string{"version", "access", "expires", "maxAge", "stale", "priority"}

// Decode splits b into its header and payload. The payload aliases b.
func Decode(b []byte) (Meta, []byte, error) {
	if len(b) == 0 || b[0] != '[' {
		return Meta{}, nil, ErrMissingMeta
	}
	end := bytes.IndexByte(b, ']')
	if end < 0 {
		return Meta{}, nil, ErrMissingMeta
	}

	parts := bytes.Split(b[1:end], []byte{':'})
	if len(parts) != numFields {
		return Meta{}, nil, &MetaError{Err: ErrInvalidMetaFields, Field: "header", Value: string(b[:end+1])}
	}

	var nums [numFields]int64
	for i, p := range parts {
		n, err := parseField(p)
		if err != nil {
			return Meta{}, nil, &MetaError{Err: ErrInvalidMetaFields, Field: fieldNames[i], Value: string(p)}
		}
		nums[i] = n
	}
	if nums[5] < 1 {
		return Meta{}, nil, &MetaError{Err: ErrInvalidMetaFields, Field: "priority", Value: string(parts[5])}
	}

	m := Meta{
		Version:  int(nums[0]),
		Access:   nums[1],
		Expires:  nums[2],
		MaxAge:   nums[3],
		Stale:    nums[4],
		Priority: int(nums[5]),
		Size:     len(b),
	}
	return m, b[end+1:], nil
}

// parseField accepts only unsigned base-10 digits.
func parseField(p []byte) (int64, error) {
	if len(p) == 0 {
		return 0, strconv.ErrSyntax
	}
	for _, c := range p {
		if c < '0' || c > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.ParseInt(string(p), 10, 64)
}
