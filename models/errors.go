package models

import (
	"errors"
	"fmt"
)

// RejectionKind classifies a client visible rejection
type RejectionKind string

const (
	RejectInvalidTransition RejectionKind = "invalid_transition"
	RejectAlreadyHigh       RejectionKind = "already_high"
	RejectRateLimited       RejectionKind = "rate_limited"
	RejectDuplicate         RejectionKind = "duplicate"
	RejectInvalidInput      RejectionKind = "invalid_input"
)

// RejectionError is returned when a request is refused before or instead of a write
type RejectionError struct {
	Kind    RejectionKind
	Message string
	Details map[string]any
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func Reject(kind RejectionKind, format string, args ...any) *RejectionError {
	return &RejectionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a RejectionError if it is one
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
