/*
Copyright 2026 CampusFlow, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package attendance

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	limiter "github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"

	"github.com/campusflow/lms-client/api"
	"github.com/campusflow/lms-client/lib/logger"
)

// Endpoint is a face verification endpoint.
type Endpoint string

const (
	// MarkAttendance records the student's attendance for a scheduled lecture.
	MarkAttendance Endpoint = "/api/attendance/markAttendance"
	// StartLecture verifies the teacher and starts the lecture.
	StartLecture Endpoint = "/api/lectures/startLectureWithFaceVerification"

	imageField    = "image"
	imageFileName = "capture.jpg"
	imageMIMEType = "image/jpeg"

	defaultAttemptInterval = time.Minute
)

// State is the modal state.
type State int

const (
	Idle State = iota
	Armed
	Capturing
	Submitting
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Capturing:
		return "capturing"
	case Submitting:
		return "submitting"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Session is the context a capture is submitted with.
type Session struct {
	CourseID   string
	ScheduleID string
	// Endpoint defaults to MarkAttendance.
	Endpoint Endpoint
	// OnSuccess receives the verification result before the modal closes.
	OnSuccess func(Result)
}

// Result is the payload of a successful verification.
type Result struct {
	Message     string `json:"message"`
	MeetingLink string `json:"meetingLink,omitempty"`
}

// Doer sends API requests. *api.Client implements it.
type Doer interface {
	Do(ctx context.Context, req *api.Request) (*api.Response, error)
}

// ModalConfig configures the capture modal.
type ModalConfig struct {
	Client Doer
	Camera Camera
	Clock  clockwork.Clock
	// AttemptLimit caps the captures per AttemptInterval for one course and
	// endpoint. Zero disables throttling.
	AttemptLimit    uint64
	AttemptInterval time.Duration
	// Limiter overrides the in-memory attempt limiter. The modal closes it
	// on Close.
	Limiter     limiter.Store
	JPEGQuality int
}

func (c *ModalConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing API client")
	}
	if c.Camera == nil {
		return trace.BadParameter("missing camera")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.AttemptLimit > 0 && c.AttemptInterval <= 0 {
		c.AttemptInterval = defaultAttemptInterval
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = DefaultJPEGQuality
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return trace.BadParameter("JPEG quality must be within 1..100, got %v", c.JPEGQuality)
	}
	return nil
}

// Modal drives a single face capture: open the camera, grab a frame,
// submit it for verification and branch on the outcome. A rejected
// capture keeps the modal armed for another attempt.
type Modal struct {
	client  Doer
	camera  Camera
	clock   clockwork.Clock
	quality int
	limiter limiter.Store

	mu          sync.Mutex // protects the below fields
	state       State
	session     Session
	stream      Stream
	message     string
	lastAttempt time.Time
	closed      bool
}

// NewModal creates a closed modal.
func NewModal(conf ModalConfig) (*Modal, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := &Modal{
		client:  conf.Client,
		camera:  conf.Camera,
		clock:   conf.Clock,
		quality: conf.JPEGQuality,
		limiter: conf.Limiter,
	}
	if m.limiter == nil && conf.AttemptLimit > 0 {
		store, err := memorystore.New(&memorystore.Config{
			Tokens:   conf.AttemptLimit,
			Interval: conf.AttemptInterval,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		m.limiter = store
	}
	return m, nil
}

// State returns the current state.
func (m *Modal) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Message returns the inline message of the last failed attempt.
func (m *Modal) Message() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.message
}

// LastAttempt returns when the last capture started.
func (m *Modal) LastAttempt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAttempt
}

// Open arms the modal for session and acquires the camera.
func (m *Modal) Open(ctx context.Context, session Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return trace.CompareFailed("capture modal is closed")
	}
	if m.state != Idle {
		return trace.CompareFailed("capture modal is already open (%v)", m.state)
	}
	if session.Endpoint == "" {
		session.Endpoint = MarkAttendance
	}

	stream, err := m.camera.Open(ctx)
	if err != nil {
		return trace.Wrap(&CaptureError{Kind: CameraNotReady, Message: msgCameraNotReady, Err: err})
	}

	m.stream = stream
	m.session = session
	m.message = ""
	m.state = Armed
	logger.Get(ctx).WithField("course_id", session.CourseID).Debug("Capture modal armed")
	return nil
}

// Capture grabs a frame and submits it. On success the session's
// OnSuccess callback receives the result and the modal closes. On failure
// the modal stays armed and Message reports why, except for an expired
// session which closes the modal. A started submission is not cancelled by
// ctx.
func (m *Modal) Capture(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	if m.state != Armed {
		state := m.state
		m.mu.Unlock()
		return nil, trace.CompareFailed("capture modal is not armed (%v)", state)
	}
	session := m.session
	ctx, log := logger.WithFields(ctx, logger.Fields{
		"course_id":   session.CourseID,
		"schedule_id": session.ScheduleID,
	})

	if session.CourseID == "" {
		m.message = msgMissingCourse
		m.mu.Unlock()
		return nil, trace.Wrap(&CaptureError{Kind: MissingCourseContext, Message: msgMissingCourse})
	}
	if err := m.take(ctx, session); err != nil {
		if IsKind(err, TooManyAttempts) {
			m.message = msgTooManyAttempts
		}
		m.mu.Unlock()
		return nil, trace.Wrap(err)
	}

	m.state = Capturing
	m.lastAttempt = m.clock.Now()
	blob, err := m.grab()
	if err != nil {
		m.state = Armed
		if cerr, ok := err.(*CaptureError); ok {
			m.message = cerr.Message
		}
		m.mu.Unlock()
		return nil, trace.Wrap(err)
	}
	m.state = Submitting
	m.mu.Unlock()

	start := m.clock.Now()
	result, err := m.submit(context.WithoutCancel(ctx), session, blob)
	log = log.WithField("took", m.clock.Since(start))

	if err != nil {
		return nil, m.fail(ctx, err)
	}

	m.mu.Lock()
	m.state = Succeeded
	m.mu.Unlock()
	log.Info("Face verification succeeded")

	// The modal closes even when the callback panics.
	defer func() {
		m.mu.Lock()
		m.release(ctx)
		m.mu.Unlock()
	}()
	if session.OnSuccess != nil {
		session.OnSuccess(*result)
	}
	return result, nil
}

// take consumes one attempt. The caller must hold m.mu.
func (m *Modal) take(ctx context.Context, session Session) error {
	if m.limiter == nil {
		return nil
	}
	_, _, reset, ok, err := m.limiter.Take(ctx, string(session.Endpoint)+"/"+session.CourseID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		retryIn := time.Unix(0, int64(reset)).Sub(m.clock.Now()).Round(time.Second)
		return &CaptureError{
			Kind:    TooManyAttempts,
			Message: msgTooManyAttempts,
			Err:     trace.LimitExceeded("retry in %v", retryIn),
		}
	}
	return nil
}

// grab reads and encodes one frame. The caller must hold m.mu.
func (m *Modal) grab() ([]byte, error) {
	frame, err := m.stream.Frame()
	if err != nil {
		return nil, &CaptureError{Kind: CameraNotReady, Message: msgCameraNotReady, Err: err}
	}
	blob, err := encodeJPEG(frame, m.quality)
	if err != nil {
		return nil, &CaptureError{Kind: CameraNotReady, Message: msgCameraNotReady, Err: err}
	}
	return blob, nil
}

func (m *Modal) submit(ctx context.Context, session Session, blob []byte) (*Result, error) {
	form := map[string]string{"courseId": session.CourseID}
	if session.ScheduleID != "" {
		form["scheduleId"] = session.ScheduleID
	}
	files := []api.File{{
		Field:       imageField,
		Name:        imageFileName,
		ContentType: imageMIMEType,
		Data:        blob,
	}}

	var result Result
	if _, err := m.client.Do(ctx, api.PostForm(string(session.Endpoint), form, files, &result)); err != nil {
		return nil, trace.Wrap(err)
	}
	return &result, nil
}

// fail maps a submission error and settles the modal.
func (m *Modal) fail(ctx context.Context, err error) error {
	log := logger.Get(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Failed

	if api.IsAuthExpired(err) {
		log.WithError(err).Warn("Session expired during face verification")
		m.message = ""
		m.release(ctx)
		return trace.Wrap(err)
	}

	cerr := captureError(err)
	log.WithError(err).WithField("kind", cerr.Kind).Info("Face verification failed")
	m.message = cerr.Message
	m.state = Armed
	return trace.Wrap(cerr)
}

func captureError(err error) *CaptureError {
	httpErr, ok := api.AsHTTPError(err)
	if !ok {
		return &CaptureError{Kind: TransportFailure, Message: msgTransportFailure, Err: err}
	}
	cerr := &CaptureError{StatusCode: httpErr.StatusCode, Message: httpErr.Message, Err: err}
	if httpErr.StatusCode >= http.StatusBadRequest && httpErr.StatusCode < http.StatusInternalServerError {
		cerr.Kind = VerificationRejected
		if cerr.Message == "" {
			cerr.Message = msgVerificationFailed
		}
		return cerr
	}
	cerr.Kind = TransportFailure
	if cerr.Message == "" {
		cerr.Message = msgTransportFailure
	}
	return cerr
}

// Cancel closes an armed modal. A capture in progress cannot be cancelled.
func (m *Modal) Cancel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Armed {
		return trace.CompareFailed("only an armed modal can be cancelled (%v)", m.state)
	}
	m.state = Cancelled
	m.release(ctx)
	return nil
}

// release stops the camera and returns to Idle. The caller must hold m.mu.
func (m *Modal) release(ctx context.Context) {
	if m.stream != nil {
		if err := m.stream.Close(); err != nil {
			logger.Get(ctx).WithError(err).Warn("Failed to stop the camera stream")
		}
		m.stream = nil
	}
	m.session = Session{}
	m.state = Idle
}

// Close cancels an armed modal and frees the attempt limiter. The modal
// cannot be reopened.
func (m *Modal) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Capturing, Submitting:
		return trace.CompareFailed("capture in progress")
	case Armed:
		m.state = Cancelled
		m.release(ctx)
	}
	if m.closed {
		return nil
	}
	m.closed = true
	if m.limiter != nil {
		return trace.Wrap(m.limiter.Close(ctx))
	}
	return nil
}
