package nicoapi

import (
	"errors"
	"fmt"
)

// Failure reasons surfaced to the session consumer.
const (
	ReasonNoCredential = "no available cookie"
	ReasonRequest      = "error in cookied async request"
	ReasonUnpack       = "error in unpacking response data"
	ReasonExtract      = "error in extracting getplayerstatus response"
	ReasonCommunity    = "failed to load community"
)

// FailureError carries the human readable reason of a failed call.
type FailureError struct {
	Reason string
	Err    error
}

func (e *FailureError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Reason returns the failure reason of err, or fallback when err carries none.
func Reason(err error, fallback string) string {
	var fe *FailureError
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	return fallback
}

// StatusError is a getplayerstatus response with status other than "ok".
// Code is the platform error code, e.g. "notlogin", "closed", "comingsoon".
type StatusError struct {
	Code string
}

func (e *StatusError) Error() string { return "getplayerstatus failed: " + e.Code }

var (
	// ErrNoPostKey is returned when getpostkey answered without a key.
	ErrNoPostKey = errors.New("no post key in response")
	// ErrUsernameNotFound is returned when a user page has no readable name.
	ErrUsernameNotFound = errors.New("username not found")
)
