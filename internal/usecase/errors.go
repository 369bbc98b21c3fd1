package usecase

import (
	"errors"
	"fmt"

	"voicenote/internal/capture"
)

type ErrorCode string

const (
	ErrorInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrorQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	ErrorDeviceUnavailable   ErrorCode = "DEVICE_UNAVAILABLE"
	ErrorNoArtifactAvailable ErrorCode = "NO_ARTIFACT_AVAILABLE"
	ErrorStore               ErrorCode = "STORE_ERROR"
	ErrorInternal            ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
	// Remaining and Limit are set for ErrorQuotaExceeded.
	Remaining int
	Limit     int
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func quotaExceeded(remaining, limit int) *Error {
	return &Error{Code: ErrorQuotaExceeded, Reason: "daily_limit_reached", Remaining: remaining, Limit: limit}
}

// CaptureError classifies an error from a capture controller.
func CaptureError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return newError(ErrorDeviceUnavailable, "device_unavailable", err)
	case errors.Is(err, capture.ErrNoArtifactAvailable):
		return newError(ErrorNoArtifactAvailable, "no_recording", err)
	default:
		return newError(ErrorInternal, "capture_error", err)
	}
}
