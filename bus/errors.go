package bus

import (
	"errors"
	"fmt"
)

// Failure classifies why a request produced no reply.
type Failure string

const (
	// FailureTimeout means no reply arrived before the deadline. Retrying
	// may succeed.
	FailureTimeout Failure = "TIMEOUT"
	// FailureNoHandlers means nothing is subscribed to the address.
	FailureNoHandlers Failure = "NO_HANDLERS"
	// FailureRecipient means the handler explicitly refused the request.
	// It must not be retried blindly.
	FailureRecipient Failure = "RECIPIENT_FAILURE"
)

// ReplyError is the error returned by Request when no reply is produced.
type ReplyError struct {
	Failure Failure
	Address string
	// Code and Message carry the recipient's reason for FailureRecipient.
	Code    string
	Message string
	Err     error
}

func (e *ReplyError) Error() string {
	msg := fmt.Sprintf("bus: %s", e.Failure)
	if e.Address != "" {
		msg += " on " + e.Address
	}
	switch {
	case e.Code != "" && e.Message != "":
		msg += ": " + e.Code + ": " + e.Message
	case e.Code != "":
		msg += ": " + e.Code
	case e.Message != "":
		msg += ": " + e.Message
	}
	return msg
}

func (e *ReplyError) Unwrap() error { return e.Err }

// Fail builds the error a handler returns to refuse a request with a code.
func Fail(code, format string, args ...any) error {
	return &ReplyError{Failure: FailureRecipient, Code: code, Message: fmt.Sprintf(format, args...)}
}

// FailureOf returns the classification of err.
func FailureOf(err error) (Failure, bool) {
	var re *ReplyError
	if errors.As(err, &re) {
		return re.Failure, true
	}
	return "", false
}

// CodeOf returns the recipient failure code carried by err.
func CodeOf(err error) string {
	var re *ReplyError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	f, ok := FailureOf(err)
	return ok && f == FailureTimeout
}

// IsNoHandlers reports whether err means nothing handles the address.
func IsNoHandlers(err error) bool {
	f, ok := FailureOf(err)
	return ok && f == FailureNoHandlers
}

// IsRecipientFailure reports whether the handler refused the request.
func IsRecipientFailure(err error) bool {
	f, ok := FailureOf(err)
	return ok && f == FailureRecipient
}

// RecipientError converts a handler error into a recipient ReplyError,
// keeping the code when the handler used Fail.
func RecipientError(address string, err error) *ReplyError {
	var re *ReplyError
	if errors.As(err, &re) {
		out := *re
		out.Failure = FailureRecipient
		out.Address = address
		return &out
	}
	return &ReplyError{Failure: FailureRecipient, Address: address, Code: "recipient_failure", Message: err.Error(), Err: err}
}

// TimeoutError builds a timeout ReplyError for address.
func TimeoutError(address string, err error) *ReplyError {
	return &ReplyError{Failure: FailureTimeout, Address: address, Err: err}
}

// NoHandlersError builds a no-handlers ReplyError for address.
func NoHandlersError(address string) *ReplyError {
	return &ReplyError{Failure: FailureNoHandlers, Address: address}
}
