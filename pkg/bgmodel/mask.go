package bgmodel

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
	"github.com/faunacam/bgmix/pkg/vid"
)

// maskEstimator consumes a per-frame foreground mask from an external
// segmentation model (a MaskSource) and composes the background by replacing
// masked pixels with the most recent known background value. The only state
// carried between frames is the composed background itself.
type maskEstimator struct {
	masks   MaskSource
	numSeen int
	lastBG  *cimg.Image
}

func newMaskEstimator(cfg Config) (*maskEstimator, error) {
	if cfg.Masks == nil {
		return nil, fmt.Errorf("Mask estimator requires a MaskSource")
	}
	return &maskEstimator{
		masks: cfg.Masks,
	}, nil
}

func (e *maskEstimator) Reset() {
	e.numSeen = 0
	e.lastBG = nil
}

func (e *maskEstimator) Step(frame *cimg.Image) (EstimatedFrame, error) {
	mask, err := e.masks.MaskForFrame(e.numSeen)
	if err != nil {
		return EstimatedFrame{}, fmt.Errorf("Failed to fetch mask for frame %v: %w", e.numSeen, err)
	}
	if len(mask) != frame.Width*frame.Height {
		return EstimatedFrame{}, fmt.Errorf("Mask for frame %v has %v pixels, expected %v", e.numSeen, len(mask), frame.Width*frame.Height)
	}
	e.numSeen++

	nchan := frame.NChan()
	out := cimg.NewImage(frame.Width, frame.Height, frame.Format)
	for y := 0; y < frame.Height; y++ {
		src := frame.Pixels[y*frame.Stride:]
		dst := out.Pixels[y*out.Stride:]
		for x := 0; x < frame.Width; x++ {
			p := y*frame.Width + x
			if mask[p] == 0 {
				for c := 0; c < nchan; c++ {
					dst[x*nchan+c] = src[x*nchan+c]
				}
			} else if e.lastBG != nil {
				// Previous composed background.
				prev := e.lastBG.Pixels[y*e.lastBG.Stride:]
				for c := 0; c < nchan; c++ {
					dst[x*nchan+c] = prev[x*nchan+c]
				}
			} else {
				inpaintFromRow(dst, src, mask[y*frame.Width:], x, frame.Width, nchan)
			}
		}
	}
	e.lastBG = out
	return EstimatedFrame{
		Background: vid.CloneFrame(out),
		Foreground: mask,
		WarmedUp:   true,
	}, nil
}

// inpaintFromRow fills a masked pixel from its nearest unmasked neighbour in
// the same row. Only needed on the first frame, before a composed background
// exists. If the whole row is masked, the source pixel passes through.
func inpaintFromRow(dst, src []byte, rowMask []uint8, x, width, nchan int) {
	for dist := 1; dist < width; dist++ {
		for _, nx := range [2]int{x - dist, x + dist} {
			if nx >= 0 && nx < width && rowMask[nx] == 0 {
				for c := 0; c < nchan; c++ {
					dst[x*nchan+c] = src[nx*nchan+c]
				}
				return
			}
		}
	}
	for c := 0; c < nchan; c++ {
		dst[x*nchan+c] = src[x*nchan+c]
	}
}
