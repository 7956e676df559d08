package vid

import (
	"io"

	"github.com/bmharper/cimg/v2"
)

// In-memory FrameSource/FrameSink. Used by tests, and by any pipeline stage
// that already holds decoded frames.

type MemSource struct {
	frames []*cimg.Image
	info   StreamInfo
	next   int

	// ErrAtFrame, if non-negative, makes Next fail with a DecodeError when it
	// reaches that frame index. Simulates a corrupt frame mid-video.
	ErrAtFrame int
}

func NewMemSource(sourceID string, frames []*cimg.Image, fps float64) *MemSource {
	info := StreamInfo{
		FPS:        fps,
		FrameCount: len(frames),
	}
	if len(frames) > 0 {
		info.Width = frames[0].Width
		info.Height = frames[0].Height
		info.NChan = frames[0].NChan()
	}
	return &MemSource{
		frames:     frames,
		info:       info,
		ErrAtFrame: -1,
	}
}

func (s *MemSource) Info() StreamInfo {
	return s.info
}

func (s *MemSource) Next() (*cimg.Image, error) {
	if s.ErrAtFrame >= 0 && s.next == s.ErrAtFrame {
		return nil, &DecodeError{Frame: s.next, Err: io.ErrUnexpectedEOF}
	}
	if s.next >= len(s.frames) {
		return nil, io.EOF
	}
	img := s.frames[s.next]
	s.next++
	return img, nil
}

func (s *MemSource) Close() error {
	return nil
}

type MemSink struct {
	Frames []*cimg.Image
	Closed bool
}

func (s *MemSink) Write(img *cimg.Image) error {
	s.Frames = append(s.Frames, CloneFrame(img))
	return nil
}

func (s *MemSink) Close() error {
	s.Closed = true
	return nil
}
