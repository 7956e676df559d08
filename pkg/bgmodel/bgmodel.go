package bgmodel

// Package bgmodel implements per-pixel background estimation for wildlife
// video. An Estimator consumes the frames of one video strictly in order and
// emits, for every input frame, the model's current belief of the static
// background. The estimator variants are a closed set, selected by Config.

import (
	"fmt"
	"strings"

	"github.com/bmharper/cimg/v2"
	"github.com/faunacam/bgmix/pkg/vid"
)

type Variant int

const (
	// VariantFrameDiff classifies foreground by absolute difference against a
	// reference frame, and inpaints foreground pixels from the reference.
	VariantFrameDiff Variant = iota
	// VariantGMM maintains a small mixture of gaussians per pixel, updated
	// online with exponential forgetting.
	VariantGMM
	// VariantMask consumes an externally computed per-frame foreground mask.
	VariantMask
)

func (v Variant) String() string {
	switch v {
	case VariantFrameDiff:
		return "framediff"
	case VariantGMM:
		return "gmm"
	case VariantMask:
		return "mask"
	}
	return fmt.Sprintf("Variant(%v)", int(v))
}

func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(s) {
	case "framediff":
		return VariantFrameDiff, nil
	case "gmm":
		return VariantGMM, nil
	case "mask":
		return VariantMask, nil
	}
	return 0, fmt.Errorf("Unknown background estimator variant '%v'", s)
}

// Config selects and parameterizes an estimator variant.
type Config struct {
	Variant Variant `json:"-"`

	// Frame-difference settings
	DiffThreshold int  `json:"diffThreshold"` // Sum of absolute per-channel differences above which a pixel is foreground
	RefFrames     int  `json:"refFrames"`     // Number of frames averaged into the reference
	RollingRef    bool `json:"rollingRef"`    // Refresh the reference from a rolling window of the last RefFrames frames

	// GMM settings
	Components   int     `json:"components"`   // Gaussians per pixel
	History      int     `json:"history"`      // Steady-state learning rate is 1/History
	VarThreshold float32 `json:"varThreshold"` // Squared-distance match threshold, in units of component variance
	WarmupFrames int     `json:"warmupFrames"` // Frames before emitted backgrounds are considered reliable

	// Mask settings. Supplied by the caller, not by configuration files.
	Masks MaskSource `json:"-"`
}

// DefaultConfig returns a usable configuration for the given variant.
func DefaultConfig(variant Variant) Config {
	return Config{
		Variant:       variant,
		DiffThreshold: 45,
		RefFrames:     30,
		Components:    3,
		History:       500,
		VarThreshold:  16,
		WarmupFrames:  50,
	}
}

// MaskSource provides an externally computed foreground mask for each frame,
// eg from a promptable segmentation model. The returned mask has one byte per
// pixel in row-major order; nonzero marks foreground.
type MaskSource interface {
	MaskForFrame(frameIndex int) ([]uint8, error)
}

// EstimatedFrame is the estimator's output for one input frame.
type EstimatedFrame struct {
	Background *cimg.Image
	Foreground []uint8 // one byte per pixel, nonzero = estimated foreground; nil if the variant does not produce a mask for this frame
	WarmedUp   bool    // false while the model has not yet seen enough frames to be reliable
}

// Estimator is a stateful per-pixel background model. An instance is owned by
// exactly one estimation pass over one video; it must not be shared across
// videos or goroutines. The result for frame t depends only on frames 1..t.
type Estimator interface {
	// Step consumes the next frame in presentation order.
	Step(frame *cimg.Image) (EstimatedFrame, error)
	// Reset discards all state, so the estimator can be reused for another video.
	Reset()
}

// New creates an estimator for the configured variant.
func New(cfg Config) (Estimator, error) {
	switch cfg.Variant {
	case VariantFrameDiff:
		return newFrameDiff(cfg)
	case VariantGMM:
		return newGMM(cfg)
	case VariantMask:
		return newMaskEstimator(cfg)
	}
	return nil, fmt.Errorf("Unknown background estimator variant %v", cfg.Variant)
}

// EstimateAll drives an estimator over a full frame sequence, enforcing that
// every frame has the same shape as the first. The output has exactly one
// entry per input frame.
func EstimateAll(est Estimator, sourceID string, frames []*cimg.Image) ([]EstimatedFrame, error) {
	out := make([]EstimatedFrame, 0, len(frames))
	for i, frame := range frames {
		if err := validateFrame(sourceID, i, frame, frames[0]); err != nil {
			return nil, err
		}
		ef, err := est.Step(frame)
		if err != nil {
			return nil, err
		}
		out = append(out, ef)
	}
	return out, nil
}

func validateFrame(sourceID string, index int, frame, first *cimg.Image) error {
	if frame == nil || len(frame.Pixels) == 0 {
		return &vid.DecodeError{
			SourceID: sourceID,
			Frame:    index,
			Err:      fmt.Errorf("empty frame"),
		}
	}
	if !vid.FrameShape(frame).Equals(vid.FrameShape(first)) {
		return &vid.DecodeError{
			SourceID: sourceID,
			Frame:    index,
			Err:      fmt.Errorf("frame shape %v differs from video shape %v", vid.FrameShape(frame), vid.FrameShape(first)),
		}
	}
	return nil
}
