package ebook

import (
	"errors"
	"fmt"
)

// FormatErrorKind classifies why a source could not be normalized.
type FormatErrorKind uint8

const (
	MalformedContainer FormatErrorKind = iota
	UnsupportedFeature
	TruncatedInput
	EncodingError
)

func (k FormatErrorKind) String() string {
	switch k {
	case MalformedContainer:
		return "malformed container"
	case UnsupportedFeature:
		return "unsupported feature"
	case TruncatedInput:
		return "truncated input"
	case EncodingError:
		return "encoding error"
	}
	return fmt.Sprintf("format error(%d)", int(k))
}

// FormatError is fatal to one open attempt and never to the session: the
// caller reports it and keeps whatever document was already open.
type FormatError struct {
	Kind FormatErrorKind
	Err  error
}

func (e *FormatError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *FormatError) Unwrap() error { return e.Err }

// AsFormatError reports whether err is (or wraps) a FormatError.
func AsFormatError(err error) (*FormatError, bool) {
	var fe *FormatError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CapabilityMissing signals that an optional external program is not
// installed or not configured. The dependent feature gets disabled and
// reported; nothing else fails.
type CapabilityMissing struct {
	Capability string
	Err        error
}

func (e *CapabilityMissing) Error() string {
	msg := e.Capability + " unavailable"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CapabilityMissing) Unwrap() error { return e.Err }

// IsCapabilityMissing reports whether err is a missing-capability
// condition rather than a real failure.
func IsCapabilityMissing(err error) bool {
	var cm *CapabilityMissing
	return errors.As(err, &cm)
}
