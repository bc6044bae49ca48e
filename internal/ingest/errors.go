package ingest

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindValidation is a user-fixable problem with the request or file.
	KindValidation Kind = "validation"
	// KindTransport is a failed artifact upload. Re-running the whole
	// ingestion is the only recovery.
	KindTransport Kind = "transport"
	// KindPersistence is a failed catalog write that was rolled back.
	KindPersistence Kind = "persistence"
	// KindConfiguration means the storage target or its credentials are
	// missing.
	KindConfiguration Kind = "configuration"
	// KindInternal covers local failures such as an unwritable spool dir.
	KindInternal Kind = "internal"
)

// Error is what Ingest returns. Message and Details are safe to show to
// the caller; Err carries the cause for logs only.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code is a stable machine-readable identifier for the failure.
func (e *Error) Code() string {
	switch e.Kind {
	case KindValidation:
		return "invalid_dataset"
	case KindTransport:
		return "upload_failed"
	case KindPersistence:
		return "catalog_write_failed"
	case KindConfiguration:
		return "storage_not_configured"
	default:
		return "internal_error"
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func validationError(op, msg string, details ...string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: msg, Details: details}
}
