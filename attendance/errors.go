package attendance

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Kind classifies a capture failure.
type Kind int

const (
	// CameraNotReady means the stream has not produced a frame yet or could
	// not be acquired.
	CameraNotReady Kind = iota + 1
	// MissingCourseContext means the session has no course ID.
	MissingCourseContext
	// VerificationRejected means the server refused the face: no face
	// detected or no match.
	VerificationRejected
	// TransportFailure covers network errors and server faults.
	TransportFailure
	// TooManyAttempts means the attempt was throttled locally.
	TooManyAttempts
)

func (k Kind) String() string {
	switch k {
	case CameraNotReady:
		return "camera not ready"
	case MissingCourseContext:
		return "missing course context"
	case VerificationRejected:
		return "verification rejected"
	case TransportFailure:
		return "transport failure"
	case TooManyAttempts:
		return "too many attempts"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

const (
	msgCameraNotReady     = "Camera is not ready yet. Please wait a moment and try again."
	msgMissingCourse      = "Course information is missing. Please reopen attendance from the course page."
	msgVerificationFailed = "Face verification failed. Please try again."
	msgTransportFailure   = "Could not reach the server. Please try again."
	msgTooManyAttempts    = "Too many attempts. Please wait before trying again."
)

// CaptureError is a failed capture attempt. Message is fit for display.
type CaptureError struct {
	Kind    Kind
	Message string
	// StatusCode is the HTTP status of a rejected submission, or 0.
	StatusCode int
	Err        error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v (%v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Message)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// IsKind reports whether err is a CaptureError of the given kind.
func IsKind(err error, kind Kind) bool {
	var target *CaptureError
	if errors.As(err, &target) || errors.As(trace.Unwrap(err), &target) {
		return target.Kind == kind
	}
	return false
}
