package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrClockUnavailable  = errors.New("clock unavailable")
	ErrSignaling         = errors.New("signaling error")
	ErrNetwork           = errors.New("network error")
	ErrTeardown          = errors.New("teardown error")
	ErrAlreadyStopped    = errors.New("recording already stopped")
	ErrRecordingActive   = errors.New("a recording is already active")
)

// SignalingError reports a failed gateway step together with the gateway's
// error payload, when it sent one.
type SignalingError struct {
	Step   string
	Code   int
	Reason string
	Err    error
}

func (e *SignalingError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "signaling %s failed", e.Step)
	if e.Code != 0 || e.Reason != "" {
		fmt.Fprintf(&b, " (gateway %d: %s)", e.Code, e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *SignalingError) Unwrap() error { return e.Err }

func (e *SignalingError) Is(target error) bool { return target == ErrSignaling }

// GatewayError is the error object the gateway returns for a rejected request.
type GatewayError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Reason)
}

// StepError is one failed step of a teardown.
type StepError struct {
	Step string
	Err  error
}

func (e StepError) Error() string { return e.Step + ": " + e.Err.Error() }

func (e StepError) Unwrap() error { return e.Err }

// TeardownError collects every step that failed while stopping a recording.
type TeardownError struct {
	Steps []StepError
}

func (e *TeardownError) Error() string {
	parts := make([]string, 0, len(e.Steps))
	for _, s := range e.Steps {
		parts = append(parts, s.Error())
	}
	return "teardown failed: " + strings.Join(parts, "; ")
}

func (e *TeardownError) Unwrap() []error {
	errs := make([]error, 0, len(e.Steps))
	for _, s := range e.Steps {
		errs = append(errs, s)
	}
	return errs
}

func (e *TeardownError) Is(target error) bool { return target == ErrTeardown }

// NewSignalingError wraps err for the given step, lifting the gateway's
// error payload when err carries one.
func NewSignalingError(step string, err error) *SignalingError {
	se := &SignalingError{Step: step, Err: err}
	var ge *GatewayError
	if errors.As(err, &ge) {
		se.Code = ge.Code
		se.Reason = ge.Reason
	}
	return se
}
