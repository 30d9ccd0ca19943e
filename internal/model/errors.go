package model

import (
	"errors"
	"fmt"
)

// Error taxonomy. Wrap with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrValidation = fmt.Errorf("validation error")
	ErrNotFound   = fmt.Errorf("not found")
	ErrConflict   = fmt.Errorf("conflict")
	ErrTransport  = fmt.Errorf("transport error")
	ErrTimeout    = fmt.Errorf("timeout")
)

// Error kinds as reported to API and agent clients.
const (
	KindValidation = "validation"
	KindNotFound   = "not_found"
	KindConflict   = "conflict"
	KindTransport  = "transport"
	KindTimeout    = "timeout"
	KindInternal   = "internal"
)

// ErrorKind classifies err into one of the Kind* strings.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	default:
		return KindInternal
	}
}
