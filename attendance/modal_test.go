package attendance

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	"github.com/julienschmidt/httprouter"
	limiter "github.com/sethvargo/go-limiter"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/campusflow/lms-client/api"
	"github.com/campusflow/lms-client/auth/state"
	"github.com/campusflow/lms-client/lib/logger"
	. "github.com/campusflow/lms-client/lib/testing"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type submission struct {
	Path     string
	Auth     string
	Form     map[string]string
	FileName string
	FileType string
	Image    []byte
}

// fakeVerifier answers face submissions with a scripted list of replies.
type fakeVerifier struct {
	srv *httptest.Server

	mu          sync.Mutex
	replies     []reply
	submissions []submission
}

type reply struct {
	status int
	body   interface{}
}

func newFakeVerifier() *fakeVerifier {
	v := &fakeVerifier{}
	router := httprouter.New()
	router.POST(string(MarkAttendance), v.handle)
	router.POST(string(StartLecture), v.handle)
	v.srv = httptest.NewServer(router)
	return v
}

func (v *fakeVerifier) respond(status int, body interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.replies = append(v.replies, reply{status: status, body: body})
}

func (v *fakeVerifier) handle(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sub := submission{Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Form: make(map[string]string)}
	if err := r.ParseMultipartForm(1 << 22); err == nil {
		for key, values := range r.MultipartForm.Value {
			sub.Form[key] = values[0]
		}
		if files := r.MultipartForm.File["image"]; len(files) > 0 {
			sub.FileName = files[0].Filename
			sub.FileType = files[0].Header.Get("Content-Type")
			if f, err := files[0].Open(); err == nil {
				sub.Image, _ = io.ReadAll(f)
				f.Close()
			}
		}
	}

	v.mu.Lock()
	v.submissions = append(v.submissions, sub)
	rep := reply{status: http.StatusOK, body: map[string]string{"message": "Verified"}}
	if len(v.replies) > 0 {
		rep = v.replies[0]
		v.replies = v.replies[1:]
	}
	v.mu.Unlock()

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(rep.status)
	_ = json.NewEncoder(rw).Encode(rep.body)
}

func (v *fakeVerifier) calls() []submission {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]submission(nil), v.submissions...)
}

// recordingCamera counts stream acquisitions and releases.
type recordingCamera struct {
	StaticCamera

	mu     sync.Mutex
	opened int
	closed int
}

func (c *recordingCamera) Open(ctx context.Context) (Stream, error) {
	stream, err := c.StaticCamera.Open(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.opened++
	c.mu.Unlock()
	return &recordingStream{Stream: stream, camera: c}, nil
}

func (c *recordingCamera) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened - c.closed
}

type recordingStream struct {
	Stream
	camera *recordingCamera
	once   sync.Once
}

func (s *recordingStream) Close() error {
	s.once.Do(func() {
		s.camera.mu.Lock()
		s.camera.closed++
		s.camera.mu.Unlock()
	})
	return s.Stream.Close()
}

// scriptedLimiter answers Take with a fixed outcome.
type scriptedLimiter struct {
	limiter.Store

	reset  uint64
	ok     bool
	err    error
	closed bool
}

func (l *scriptedLimiter) Take(context.Context, string) (uint64, uint64, uint64, bool, error) {
	return 1, 0, l.reset, l.ok, l.err
}

func (l *scriptedLimiter) Close(context.Context) error {
	l.closed = true
	return nil
}

func solid(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, c)
		}
	}
	return img
}

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

type ModalSuite struct {
	Suite

	verifier *fakeVerifier
	store    *state.MemoryStore
	client   *api.Client
	camera   *recordingCamera
	clock    clockwork.FakeClock
}

func (s *ModalSuite) SetupTest() {
	s.verifier = newFakeVerifier()
	s.store = state.NewMemoryStore()
	s.Require().NoError(state.PutCredentials(context.Background(), s.store, &state.Credentials{AccessToken: "tok1"}))
	s.clock = clockwork.NewFakeClock()

	client, err := api.New(api.Config{BaseURL: s.verifier.srv.URL, Store: s.store, Clock: s.clock})
	s.Require().NoError(err)
	s.client = client
	s.camera = &recordingCamera{StaticCamera: StaticCamera{Frames: []image.Image{solid(red), solid(blue)}}}
}

func (s *ModalSuite) TearDownTest() {
	s.verifier.srv.Close()
}

func (s *ModalSuite) newModal(mutate ...func(*ModalConfig)) *Modal {
	conf := ModalConfig{Client: s.client, Camera: s.camera, Clock: s.clock}
	for _, fn := range mutate {
		fn(&conf)
	}
	modal, err := NewModal(conf)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = modal.Close(context.Background()) })
	return modal
}

func (s *ModalSuite) TestMissingCourseContext() {
	ctx := s.Ctx()
	modal := s.newModal()
	s.Require().NoError(modal.Open(ctx, Session{ScheduleID: "s1"}))

	_, err := modal.Capture(ctx)
	s.Require().True(IsKind(err, MissingCourseContext), "got %v", err)
	s.Require().Empty(s.verifier.calls())
	s.Require().Equal(Armed, modal.State())
	s.Require().Equal(msgMissingCourse, modal.Message())
}

func (s *ModalSuite) TestSuccessInvokesCallbackAndCloses() {
	ctx := s.Ctx()
	s.verifier.respond(http.StatusOK, map[string]string{"message": "Verified", "meetingLink": "https://x"})
	modal := s.newModal()

	var got []Result
	var stateInCallback State
	s.Require().NoError(modal.Open(ctx, Session{
		CourseID:   "c1",
		ScheduleID: "s1",
		OnSuccess: func(r Result) {
			got = append(got, r)
			stateInCallback = modal.State()
		},
	}))
	s.Require().Equal(1, s.camera.active())

	result, err := modal.Capture(ctx)
	s.Require().NoError(err)
	s.Require().Equal(&Result{Message: "Verified", MeetingLink: "https://x"}, result)
	s.Require().Equal([]Result{{Message: "Verified", MeetingLink: "https://x"}}, got)
	s.Require().Equal(Succeeded, stateInCallback)
	s.Require().Equal(Idle, modal.State())
	s.Require().Zero(s.camera.active())
	s.Require().Equal(s.clock.Now(), modal.LastAttempt())

	calls := s.verifier.calls()
	s.Require().Len(calls, 1)
	sub := calls[0]
	s.Require().Equal(string(MarkAttendance), sub.Path)
	s.Require().Equal("Bearer tok1", sub.Auth)
	s.Require().Equal(map[string]string{"courseId": "c1", "scheduleId": "s1"}, sub.Form)
	s.Require().Equal(imageFileName, sub.FileName)
	s.Require().Equal("image/jpeg", sub.FileType)
	_, err = jpeg.Decode(bytes.NewReader(sub.Image))
	s.Require().NoError(err)
}

func (s *ModalSuite) TestScheduleIDIsOptional() {
	ctx := s.Ctx()
	modal := s.newModal()
	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1", Endpoint: StartLecture}))

	_, err := modal.Capture(ctx)
	s.Require().NoError(err)

	calls := s.verifier.calls()
	s.Require().Len(calls, 1)
	s.Require().Equal(string(StartLecture), calls[0].Path)
	s.Require().Equal(map[string]string{"courseId": "c1"}, calls[0].Form)
}

func (s *ModalSuite) TestRejectedCaptureStaysArmed() {
	ctx := s.Ctx()
	s.verifier.respond(http.StatusForbidden, map[string]string{"error": "Face mismatch"})
	modal := s.newModal()
	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1"}))

	_, err := modal.Capture(ctx)
	s.Require().True(IsKind(err, VerificationRejected), "got %v", err)
	s.Require().Equal(Armed, modal.State())
	s.Require().Equal("Face mismatch", modal.Message())
	s.Require().Equal(1, s.camera.active())

	// A second attempt uses a fresh frame.
	result, err := modal.Capture(ctx)
	s.Require().NoError(err)
	s.Require().Equal("Verified", result.Message)
	s.Require().Equal(Idle, modal.State())
	s.Require().Zero(s.camera.active())

	calls := s.verifier.calls()
	s.Require().Len(calls, 2)
	s.Require().Equal(red, dominant(s.T(), calls[0].Image))
	s.Require().Equal(blue, dominant(s.T(), calls[1].Image))
}

func (s *ModalSuite) TestRejectedWithoutMessageUsesFallback() {
	ctx := s.Ctx()
	s.verifier.respond(http.StatusBadRequest, map[string]string{})
	modal := s.newModal()
	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1"}))

	_, err := modal.Capture(ctx)
	s.Require().True(IsKind(err, VerificationRejected), "got %v", err)
	s.Require().Equal(msgVerificationFailed, modal.Message())
}

func (s *ModalSuite) TestServerFaultIsTransportFailure() {
	ctx := s.Ctx()
	s.verifier.respond(http.StatusInternalServerError, map[string]string{})
	modal := s.newModal()
	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1"}))

	_, err := modal.Capture(ctx)
	s.Require().True(IsKind(err, TransportFailure), "got %v", err)
	s.Require().Equal(Armed, modal.State())
	s.Require().Equal(msgTransportFailure, modal.Message())
}

func (s *ModalSuite) TestNetworkFailure() {
	ctx := s.Ctx()
	modal := s.newModal()
	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1"}))
	s.verifier.srv.Close()

	_, err := modal.Capture(ctx)
	s.Require().True(IsKind(err, TransportFailure), "got %v", err)
	s.Require().Equal(Armed, modal.State())
	s.Require().Equal(msgTransportFailure, modal.Message())
	s.Require().Equal(1, s.camera.active())
}

func (s *ModalSuite) TestCameraNotReady() {
	ctx := s.Ctx()
	s.camera.Frames = nil
	modal := s.newModal()
	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1"}))

	_, err := modal.Capture(ctx)
	s.Require().True(IsKind(err, CameraNotReady), "got %v", err)
	s.Require().Empty(s.verifier.calls())
	s.Require().Equal(Armed, modal.State())
	s.Require().Equal(msgCameraNotReady, modal.Message())
}

func (s *ModalSuite) TestExpiredSessionClosesModal() {
	ctx := s.Ctx()
	s.verifier.respond(http.StatusUnauthorized, map[string]string{"error": "jwt expired"})
	modal := s.newModal()
	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1"}))

	_, err := modal.Capture(ctx)
	s.Require().True(api.IsAuthExpired(err), "got %v", err)
	s.Require().Equal(Idle, modal.State())
	s.Require().Zero(s.camera.active())
	s.Require().Empty(modal.Message())

	_, err = s.store.Get(ctx, state.AccessTokenKey)
	s.Require().True(trace.IsNotFound(err))
}

func (s *ModalSuite) TestCancel() {
	ctx := s.Ctx()
	modal := s.newModal()

	s.Require().Error(modal.Cancel(ctx))

	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1"}))
	s.Require().Error(modal.Open(ctx, Session{CourseID: "c1"}))
	s.Require().NoError(modal.Cancel(ctx))
	s.Require().Equal(Idle, modal.State())
	s.Require().Zero(s.camera.active())
	s.Require().Empty(s.verifier.calls())

	_, err := modal.Capture(ctx)
	s.Require().True(trace.IsCompareFailed(err), "got %v", err)
}

func (s *ModalSuite) TestAttemptsAreThrottled() {
	ctx := s.Ctx()
	s.verifier.respond(http.StatusForbidden, map[string]string{"error": "Face mismatch"})
	modal := s.newModal(func(conf *ModalConfig) {
		conf.AttemptLimit = 1
		conf.AttemptInterval = time.Hour
	})
	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1"}))

	_, err := modal.Capture(ctx)
	s.Require().True(IsKind(err, VerificationRejected), "got %v", err)

	_, err = modal.Capture(ctx)
	s.Require().True(IsKind(err, TooManyAttempts), "got %v", err)
	s.Require().Equal(Armed, modal.State())
	s.Require().Equal(msgTooManyAttempts, modal.Message())
	s.Require().Len(s.verifier.calls(), 1)
}

func (s *ModalSuite) TestThrottleReportsClockRetry() {
	ctx := s.Ctx()
	lim := &scriptedLimiter{reset: uint64(s.clock.Now().Add(time.Minute).UnixNano())}
	modal := s.newModal(func(conf *ModalConfig) { conf.Limiter = lim })
	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1"}))

	_, err := modal.Capture(ctx)
	s.Require().True(IsKind(err, TooManyAttempts), "got %v", err)
	s.Require().Contains(err.Error(), "retry in 1m0s")
	s.Require().Equal(msgTooManyAttempts, modal.Message())
	s.Require().Empty(s.verifier.calls())

	s.Require().NoError(modal.Close(ctx))
	s.Require().True(lim.closed)
}

func (s *ModalSuite) TestLimiterFailureIsNotThrottling() {
	ctx := s.Ctx()
	lim := &scriptedLimiter{err: trace.ConnectionProblem(nil, "limiter unavailable")}
	modal := s.newModal(func(conf *ModalConfig) { conf.Limiter = lim })
	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1"}))

	_, err := modal.Capture(ctx)
	s.Require().Error(err)
	s.Require().False(IsKind(err, TooManyAttempts), "got %v", err)
	s.Require().Empty(modal.Message())
	s.Require().Equal(Armed, modal.State())
	s.Require().Empty(s.verifier.calls())
}

func (s *ModalSuite) TestPanickingCallbackReleasesCamera() {
	ctx := s.Ctx()
	modal := s.newModal()
	s.Require().NoError(modal.Open(ctx, Session{
		CourseID:  "c1",
		OnSuccess: func(Result) { panic("callback failed") },
	}))

	func() {
		defer func() {
			s.Require().Equal("callback failed", recover())
		}()
		_, _ = modal.Capture(ctx)
	}()

	s.Require().Equal(Idle, modal.State())
	s.Require().Zero(s.camera.active())
	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1"}))
	s.Require().Equal(1, s.camera.active())
}

func (s *ModalSuite) TestFailureLogCarriesSession() {
	log, hook := logtest.NewNullLogger()
	ctx := logger.With(s.Ctx(), log)
	s.verifier.respond(http.StatusForbidden, map[string]string{"error": "Face mismatch"})
	modal := s.newModal()
	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1", ScheduleID: "s1"}))

	_, err := modal.Capture(ctx)
	s.Require().True(IsKind(err, VerificationRejected), "got %v", err)

	entry := hook.LastEntry()
	s.Require().NotNil(entry)
	s.Require().Equal("Face verification failed", entry.Message)
	s.Require().Equal("c1", entry.Data["course_id"])
	s.Require().Equal("s1", entry.Data["schedule_id"])
}

func (s *ModalSuite) TestCloseReleasesCamera() {
	ctx := s.Ctx()
	modal := s.newModal()
	s.Require().NoError(modal.Open(ctx, Session{CourseID: "c1"}))

	s.Require().NoError(modal.Close(ctx))
	s.Require().Zero(s.camera.active())
	s.Require().NoError(modal.Close(ctx))
	s.Require().True(trace.IsCompareFailed(modal.Open(ctx, Session{CourseID: "c1"})))
}

func TestModal(t *testing.T) { suite.Run(t, &ModalSuite{}) }

// dominant returns the pure color closest to the center pixel of a JPEG.
func dominant(t *testing.T, data []byte) color.RGBA {
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, _, b, _ := img.At(8, 8).RGBA()
	if r > b {
		return red
	}
	return blue
}

func TestNewModalValidatesConfig(t *testing.T) {
	_, err := NewModal(ModalConfig{Camera: StaticCamera{}})
	require.True(t, trace.IsBadParameter(err))

	_, err = NewModal(ModalConfig{Client: &api.Client{}, Camera: StaticCamera{}, JPEGQuality: 101})
	require.True(t, trace.IsBadParameter(err))
}

func TestFileCamera(t *testing.T) {
	path := filepath.Join(t.TempDir(), "face.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, solid(blue)))
	require.NoError(t, f.Close())

	stream, err := FileCamera{Path: path}.Open(context.Background())
	require.NoError(t, err)
	frame, err := stream.Frame()
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 16, 16), frame.Bounds())

	require.NoError(t, stream.Close())
	_, err = stream.Frame()
	require.True(t, trace.IsCompareFailed(err))

	_, err = FileCamera{Path: filepath.Join(t.TempDir(), "missing.png")}.Open(context.Background())
	require.True(t, trace.IsNotFound(err), "got %v", err)
}
