package errors

import (
	stderrors "errors"
	"maps"
	"slices"
	"strings"
)

// Error carries a Code so callers can branch on failure kind without
// matching message text.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string // e.g. the offending tag or event kind
	Cause    error
}

// Error formats as "message [k=v ...]: cause"; metadata keys are sorted.
func (e *Error) Error() string {
	if e == nil {
		return string(CodeUnknown)
	}
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Metadata) > 0 {
		b.WriteString(" [")
		for i, key := range slices.Sorted(maps.Keys(e.Metadata)) {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(key)
			b.WriteByte('=')
			b.WriteString(e.Metadata[key])
		}
		b.WriteByte(']')
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.Code == t.Code
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithMetadata creates an error with a copy of metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: maps.Clone(metadata)}
}

// Wrap creates an error around cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var domainErr *Error
	if stderrors.As(err, &domainErr) && domainErr != nil {
		return domainErr.Code
	}
	return CodeUnknown
}

// HasCode reports whether err's chain carries code.
func HasCode(err error, code Code) bool {
	return err != nil && stderrors.Is(err, &Error{Code: code})
}
