package mixup

// Package mixup builds augmented training samples by mixing a foreground
// (original) clip with its paired synthetic background clip. The strategy set
// is closed: blending, channel concatenation for dual-stream models, and
// exclusion (background-only negatives).

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
	"github.com/faunacam/bgmix/pkg/gen"
	"github.com/faunacam/bgmix/pkg/vid"
	"golang.org/x/exp/rand"
)

type Strategy int

const (
	// StrategyBlend outputs coefficient*fg + (1-coefficient)*bg per pixel.
	StrategyBlend Strategy = iota
	// StrategyChannelConcat stacks fg and bg along the channel axis, for a
	// dual-stream model that fuses features from the two streams.
	StrategyChannelConcat
	// StrategyExclusion produces a background-only example labeled negative:
	// the estimated foreground region is filled from the paired background
	// (or zeroed), teaching invariance to foreground removal.
	StrategyExclusion
)

func (s Strategy) String() string {
	switch s {
	case StrategyBlend:
		return "blend"
	case StrategyChannelConcat:
		return "concat"
	case StrategyExclusion:
		return "exclusion"
	}
	return fmt.Sprintf("Strategy(%v)", int(s))
}

func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "blend":
		return StrategyBlend, nil
	case "concat":
		return StrategyChannelConcat, nil
	case "exclusion":
		return StrategyExclusion, nil
	}
	return 0, fmt.Errorf("Unknown mixup strategy '%v'", s)
}

// ExclusionFill selects what the estimated-foreground region becomes.
type ExclusionFill int

const (
	// ExclusionFillBackground replaces foreground pixels with the paired
	// background, so the sample is the background clip.
	ExclusionFillBackground ExclusionFill = iota
	// ExclusionFillZero blacks out the foreground region.
	ExclusionFillZero
)

// ShapeMismatchError reports a foreground/background pair whose geometry
// disagrees. The sample is rejected, never cropped or padded to fit.
type ShapeMismatchError struct {
	FGShape  vid.Shape
	BGShape  vid.Shape
	FGFrames int
	BGFrames int
	Detail   string
}

func (e *ShapeMismatchError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("foreground/background shape mismatch: %v", e.Detail)
	}
	return fmt.Sprintf("foreground/background shape mismatch: fg %v frames of %v, bg %v frames of %v",
		e.FGFrames, e.FGShape, e.BGFrames, e.BGShape)
}

// Config selects a strategy and its parameters.
type Config struct {
	Strategy    Strategy
	Coefficient CoeffConfig

	// StreamDropout enables the channel-concat sub-mode in which the
	// coefficient is a keep-probability: with probability 1-coefficient, one
	// randomly chosen stream is zeroed before stacking. This is distinct from
	// blending; without it, channel-concat ignores the coefficient entirely.
	StreamDropout bool

	// Exclusion settings. RederiveThreshold is the per-pixel sum of absolute
	// channel differences between fg and bg above which a pixel counts as
	// foreground, used when no explicit mask clip is supplied to MixMasked.
	Fill              ExclusionFill
	RederiveThreshold int
}

// Sample is one augmented training or eval example. Samples are produced fresh
// per draw and never persisted.
type Sample struct {
	Strategy    Strategy
	Coefficient float64
	// Clip is set for Blend and Exclusion.
	Clip *vid.Clip
	// Concat is set for ChannelConcat: frames with doubled channel depth.
	Concat *ConcatClip
}

// ConcatClip is a clip whose frames carry the foreground and background
// streams stacked along the channel axis. cimg has no 6-channel pixel format,
// so frames are tightly packed row-major buffers of Shape geometry.
type ConcatClip struct {
	SourceID string
	Shape    vid.Shape // NChan is double the source clips'
	Frames   [][]byte
	Labels   []int
	Negative bool
}

// Augmenter mixes foreground/background clip pairs. It holds the coefficient
// sampler's random stream, so one Augmenter serves one worker; construct each
// worker's Augmenter over its own Substream.
type Augmenter struct {
	cfg     Config
	sampler *CoeffSampler
	rng     *rand.Rand
}

func NewAugmenter(cfg Config, rng *rand.Rand) (*Augmenter, error) {
	if cfg.Strategy == StrategyExclusion && cfg.RederiveThreshold <= 0 {
		cfg.RederiveThreshold = 45
	}
	sampler, err := NewCoeffSampler(cfg.Coefficient, rng)
	if err != nil {
		return nil, err
	}
	return &Augmenter{
		cfg:     cfg,
		sampler: sampler,
		rng:     rng,
	}, nil
}

// Mix produces one augmented sample from a foreground clip and its paired
// synthetic background clip. For the exclusion strategy the foreground mask is
// re-derived by differencing fg against bg; use MixMasked to reuse the mask
// the background estimator produced.
func (a *Augmenter) Mix(fg, bg *vid.Clip) (*Sample, error) {
	return a.mix(fg, bg, nil)
}

// MixMasked is Mix for exclusion with an explicit per-frame foreground mask
// (one byte per pixel, nonzero = foreground), typically the mask emitted by
// the background estimator that generated bg.
func (a *Augmenter) MixMasked(fg, bg *vid.Clip, masks [][]uint8) (*Sample, error) {
	if a.cfg.Strategy != StrategyExclusion {
		return nil, fmt.Errorf("MixMasked is only valid for the exclusion strategy, not %v", a.cfg.Strategy)
	}
	if len(masks) != fg.NumFrames() {
		return nil, fmt.Errorf("Got %v masks for %v frames", len(masks), fg.NumFrames())
	}
	if len(masks) > 0 {
		want := fg.Shape().Width * fg.Shape().Height
		for i, mask := range masks {
			if len(mask) != want {
				return nil, fmt.Errorf("Mask for frame %v has %v pixels, expected %v", i, len(mask), want)
			}
		}
	}
	return a.mix(fg, bg, masks)
}

func (a *Augmenter) mix(fg, bg *vid.Clip, masks [][]uint8) (*Sample, error) {
	if err := checkPair(fg, bg); err != nil {
		return nil, err
	}
	coeff := a.sampler.Draw()
	switch a.cfg.Strategy {
	case StrategyBlend:
		return a.blend(fg, bg, coeff)
	case StrategyChannelConcat:
		return a.concat(fg, bg, coeff)
	case StrategyExclusion:
		return a.exclude(fg, bg, coeff, masks)
	}
	return nil, fmt.Errorf("Unknown mixup strategy %v", a.cfg.Strategy)
}

func checkPair(fg, bg *vid.Clip) error {
	if fg.NumFrames() == 0 || bg.NumFrames() == 0 {
		return &ShapeMismatchError{Detail: "empty clip"}
	}
	if fg.NumFrames() != bg.NumFrames() || !fg.Shape().Equals(bg.Shape()) {
		return &ShapeMismatchError{
			FGShape:  fg.Shape(),
			BGShape:  bg.Shape(),
			FGFrames: fg.NumFrames(),
			BGFrames: bg.NumFrames(),
		}
	}
	return nil
}

func (a *Augmenter) blend(fg, bg *vid.Clip, coeff float64) (*Sample, error) {
	sample := &Sample{
		Strategy:    StrategyBlend,
		Coefficient: coeff,
	}
	// The endpoints must reproduce their input pixel-exact, so they copy
	// rather than compute.
	if coeff == 1 {
		sample.Clip = fg.Clone()
		return sample, nil
	}
	if coeff == 0 {
		clip := bg.Clone()
		clip.SourceID = fg.SourceID
		clip.Labels = append([]int(nil), fg.Labels...)
		clip.Negative = fg.Negative
		sample.Clip = clip
		return sample, nil
	}

	c := float32(coeff)
	frames := make([]*cimg.Image, fg.NumFrames())
	for i := range frames {
		f := fg.Frames[i]
		b := bg.Frames[i]
		out := cimg.NewImage(f.Width, f.Height, f.Format)
		rowBytes := f.Width * f.NChan()
		for y := 0; y < f.Height; y++ {
			fr := f.Pixels[y*f.Stride : y*f.Stride+rowBytes]
			br := b.Pixels[y*b.Stride : y*b.Stride+rowBytes]
			or := out.Pixels[y*out.Stride : y*out.Stride+rowBytes]
			for j := range or {
				or[j] = uint8(gen.Lerp(float32(br[j]), float32(fr[j]), c) + 0.5)
			}
		}
		frames[i] = out
	}
	clip := vid.NewClip(fg.SourceID, frames)
	clip.Labels = append([]int(nil), fg.Labels...)
	clip.Negative = fg.Negative
	sample.Clip = clip
	return sample, nil
}

func (a *Augmenter) concat(fg, bg *vid.Clip, coeff float64) (*Sample, error) {
	shape := fg.Shape()
	dropFG, dropBG := false, false
	if a.cfg.StreamDropout {
		// Sub-mode: coefficient is a keep-probability. With probability
		// 1-coefficient, one randomly chosen stream is zeroed.
		if a.rng.Float64() >= coeff {
			if a.rng.Intn(2) == 0 {
				dropFG = true
			} else {
				dropBG = true
			}
		}
	}

	nchan := shape.NChan
	out := &ConcatClip{
		SourceID: fg.SourceID,
		Shape:    vid.Shape{Width: shape.Width, Height: shape.Height, NChan: nchan * 2},
		Frames:   make([][]byte, fg.NumFrames()),
		Labels:   append([]int(nil), fg.Labels...),
		Negative: fg.Negative,
	}
	for i := range out.Frames {
		f := fg.Frames[i]
		b := bg.Frames[i]
		buf := make([]byte, shape.Width*shape.Height*nchan*2)
		for y := 0; y < shape.Height; y++ {
			fr := f.Pixels[y*f.Stride:]
			br := b.Pixels[y*b.Stride:]
			or := buf[y*shape.Width*nchan*2:]
			for x := 0; x < shape.Width; x++ {
				for c := 0; c < nchan; c++ {
					if !dropFG {
						or[x*nchan*2+c] = fr[x*nchan+c]
					}
					if !dropBG {
						or[x*nchan*2+nchan+c] = br[x*nchan+c]
					}
				}
			}
		}
		out.Frames[i] = buf
	}
	return &Sample{
		Strategy:    StrategyChannelConcat,
		Coefficient: coeff,
		Concat:      out,
	}, nil
}

func (a *Augmenter) exclude(fg, bg *vid.Clip, coeff float64, masks [][]uint8) (*Sample, error) {
	shape := fg.Shape()
	nchan := shape.NChan
	frames := make([]*cimg.Image, fg.NumFrames())
	for i := range frames {
		f := fg.Frames[i]
		b := bg.Frames[i]
		// The sample starts as the paired background; the estimated foreground
		// region is then either left as background or zeroed.
		out := vid.CloneFrame(b)
		if a.cfg.Fill == ExclusionFillZero {
			for y := 0; y < shape.Height; y++ {
				fr := f.Pixels[y*f.Stride:]
				br := b.Pixels[y*b.Stride:]
				or := out.Pixels[y*out.Stride:]
				for x := 0; x < shape.Width; x++ {
					if a.isForeground(fr, br, masks, i, x, y, shape, nchan) {
						for c := 0; c < nchan; c++ {
							or[x*nchan+c] = 0
						}
					}
				}
			}
		}
		frames[i] = out
	}
	clip := vid.NewClip(fg.SourceID, frames)
	clip.Negative = true // background-only example, explicitly a negative
	return &Sample{
		Strategy:    StrategyExclusion,
		Coefficient: coeff,
		Clip:        clip,
	}, nil
}

func (a *Augmenter) isForeground(fgRow, bgRow []byte, masks [][]uint8, frame, x, y int, shape vid.Shape, nchan int) bool {
	if masks != nil {
		return masks[frame][y*shape.Width+x] != 0
	}
	diff := 0
	for c := 0; c < nchan; c++ {
		diff += gen.Abs(int(fgRow[x*nchan+c]) - int(bgRow[x*nchan+c]))
	}
	return diff > a.cfg.RederiveThreshold
}
