package vid

// Package vid holds the frame and clip data model shared by the background
// generation and mixup pipelines, plus the ffmpeg-backed decode/encode path.
// Frames are 24-bit RGB cimg images of fixed shape for the duration of a video.

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
)

// Shape is the fixed geometry of every frame in one video.
type Shape struct {
	Width  int
	Height int
	NChan  int
}

func (s Shape) Equals(b Shape) bool {
	return s.Width == b.Width && s.Height == b.Height && s.NChan == b.NChan
}

func (s Shape) String() string {
	return fmt.Sprintf("%vx%vx%v", s.Width, s.Height, s.NChan)
}

// FrameShape returns the shape of a single frame.
func FrameShape(img *cimg.Image) Shape {
	return Shape{
		Width:  img.Width,
		Height: img.Height,
		NChan:  img.NChan(),
	}
}

// CloneFrame makes a deep copy of a frame.
// The copy is tightly packed, regardless of the stride of the source.
func CloneFrame(src *cimg.Image) *cimg.Image {
	dst := cimg.NewImage(src.Width, src.Height, src.Format)
	CopyFrame(dst, src)
	return dst
}

// CopyFrame copies the pixels of src into dst. The two frames must have the
// same shape, but may have different strides.
func CopyFrame(dst, src *cimg.Image) {
	if !FrameShape(dst).Equals(FrameShape(src)) {
		panic("CopyFrame shape mismatch")
	}
	rowBytes := src.Width * src.NChan()
	for y := 0; y < src.Height; y++ {
		copy(dst.Pixels[y*dst.Stride:y*dst.Stride+rowBytes], src.Pixels[y*src.Stride:y*src.Stride+rowBytes])
	}
}

// Clip is an ordered run of frames from one video, together with the labels
// that the dataset manifest assigns to that video. Labels is a set of class
// indices (multi-label classification is supported). Negative marks a clip
// that is explicitly a background-only / no-behaviour example.
type Clip struct {
	SourceID string
	Frames   []*cimg.Image
	Labels   []int
	Negative bool
}

func NewClip(sourceID string, frames []*cimg.Image) *Clip {
	return &Clip{
		SourceID: sourceID,
		Frames:   frames,
	}
}

func (c *Clip) NumFrames() int {
	return len(c.Frames)
}

// Shape returns the shape of the clip's frames.
// A clip is never legitimately empty, so Shape panics on an empty clip.
func (c *Clip) Shape() Shape {
	if len(c.Frames) == 0 {
		panic("Shape of empty clip")
	}
	return FrameShape(c.Frames[0])
}

// Clone makes a deep copy of the clip and all of its frames.
func (c *Clip) Clone() *Clip {
	frames := make([]*cimg.Image, len(c.Frames))
	for i, f := range c.Frames {
		frames[i] = CloneFrame(f)
	}
	return &Clip{
		SourceID: c.SourceID,
		Frames:   frames,
		Labels:   append([]int(nil), c.Labels...),
		Negative: c.Negative,
	}
}

// StreamInfo describes the decoded geometry and timing of a video stream.
type StreamInfo struct {
	Width      int
	Height     int
	NChan      int
	FPS        float64
	FrameCount int // 0 if the container does not declare a frame count
}

func (s StreamInfo) Shape() Shape {
	return Shape{Width: s.Width, Height: s.Height, NChan: s.NChan}
}

// FrameSource yields the frames of one video in presentation order.
// Next returns io.EOF after the final frame. Sources hold an open decode
// handle, so Close must be called on every exit path.
type FrameSource interface {
	Info() StreamInfo
	Next() (*cimg.Image, error)
	Close() error
}

// FrameSink consumes frames in presentation order and persists them as a
// video. Close flushes and finalizes the container, and must be called on
// every exit path.
type FrameSink interface {
	Write(img *cimg.Image) error
	Close() error
}
