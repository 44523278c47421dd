package attendance

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	_ "image/png" // FileCamera accepts PNG stills
	"os"
	"sync"

	"github.com/gravitational/trace"
)

// DefaultJPEGQuality matches the quality browsers use for canvas JPEG
// exports.
const DefaultJPEGQuality = 92

// ErrNoFrame is returned by Stream.Frame until the stream has produced its
// first frame.
var ErrNoFrame = trace.NotFound("camera stream has not produced a frame yet")

// Camera acquires a video stream.
type Camera interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an acquired camera stream. Close stops it and must be safe to
// call more than once.
type Stream interface {
	Frame() (image.Image, error)
	Close() error
}

// FileCamera serves a still image from disk as its only frame.
type FileCamera struct {
	Path string
}

// Open decodes the image file.
func (c FileCamera) Open(ctx context.Context) (Stream, error) {
	if c.Path == "" {
		return nil, trace.BadParameter("camera image path is not set")
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, trace.Wrap(err, "failed to decode %v", c.Path)
	}
	return &staticStream{frames: []image.Image{img}}, nil
}

// StaticCamera serves in-memory frames. Each Frame call returns the next
// one; the last frame repeats. A camera without frames never becomes
// ready.
type StaticCamera struct {
	Frames []image.Image
}

// Open starts a stream over the frames.
func (c StaticCamera) Open(ctx context.Context) (Stream, error) {
	return &staticStream{frames: c.Frames}, nil
}

type staticStream struct {
	mu     sync.Mutex
	frames []image.Image
	next   int
	closed bool
}

func (s *staticStream) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, trace.CompareFailed("camera stream is stopped")
	}
	if len(s.frames) == 0 {
		return nil, ErrNoFrame
	}
	frame := s.frames[s.next]
	if s.next < len(s.frames)-1 {
		s.next++
	}
	return frame, nil
}

func (s *staticStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, trace.Wrap(err)
	}
	return buf.Bytes(), nil
}
