package bgmodel

import (
	"math"

	"github.com/bmharper/cimg/v2"
	"github.com/bmharper/ringbuffer"
	"github.com/faunacam/bgmix/pkg/vid"
)

// frameDiff classifies a pixel as foreground when its absolute difference from
// a reference frame exceeds a threshold, and inpaints foreground pixels from
// the reference. The reference is the mean of the first RefFrames frames, or
// of a rolling window of recent frames when RollingRef is set.
type frameDiff struct {
	threshold int
	refFrames int
	rolling   bool

	shape    vid.Shape
	numSeen  int
	refSum   []int32 // per-subpixel sum of the frames contributing to the reference
	refCount int     // number of frames in refSum
	window   ringbuffer.RingP[*cimg.Image]
}

func newFrameDiff(cfg Config) (*frameDiff, error) {
	refFrames := cfg.RefFrames
	if refFrames <= 0 {
		refFrames = DefaultConfig(VariantFrameDiff).RefFrames
	}
	if cfg.RollingRef {
		// The ring buffer wants a power-of-2 capacity, so the rolling window
		// is RefFrames rounded up.
		refFrames = nextPowerOf2(refFrames)
	}
	return &frameDiff{
		threshold: cfg.DiffThreshold,
		refFrames: refFrames,
		rolling:   cfg.RollingRef,
	}, nil
}

func nextPowerOf2(n int) int {
	return 1 << int(math.Ceil(math.Log2(float64(n))))
}

func (e *frameDiff) Reset() {
	e.shape = vid.Shape{}
	e.numSeen = 0
	e.refSum = nil
	e.refCount = 0
	if e.rolling {
		e.window = ringbuffer.NewRingP[*cimg.Image](e.refFrames)
	}
}

func (e *frameDiff) Step(frame *cimg.Image) (EstimatedFrame, error) {
	if e.numSeen == 0 {
		e.shape = vid.FrameShape(frame)
		e.refSum = make([]int32, frame.Width*frame.Height*frame.NChan())
		if e.rolling {
			e.window = ringbuffer.NewRingP[*cimg.Image](e.refFrames)
		}
	}
	e.numSeen++

	if e.rolling {
		e.updateRollingRef(frame)
	} else if e.refCount < e.refFrames {
		addFrame(e.refSum, frame)
		e.refCount++
	}

	// While the reference is still accumulating, emit the input unchanged.
	// Frame differencing has no warm-up beyond the reference computation, but
	// until the reference is complete we can't classify anything.
	if !e.rolling && e.refCount < e.refFrames && e.numSeen < e.refFrames {
		return EstimatedFrame{
			Background: vid.CloneFrame(frame),
			WarmedUp:   false,
		}, nil
	}

	nchan := frame.NChan()
	out := cimg.NewImage(frame.Width, frame.Height, frame.Format)
	mask := make([]uint8, frame.Width*frame.Height)
	for y := 0; y < frame.Height; y++ {
		src := frame.Pixels[y*frame.Stride:]
		dst := out.Pixels[y*out.Stride:]
		sum := e.refSum[y*frame.Width*nchan:]
		for x := 0; x < frame.Width; x++ {
			diff := 0
			for c := 0; c < nchan; c++ {
				ref := int(sum[x*nchan+c]) / e.refCount
				d := int(src[x*nchan+c]) - ref
				if d < 0 {
					d = -d
				}
				diff += d
			}
			if diff > e.threshold {
				// Foreground. Inpaint from the reference.
				mask[y*frame.Width+x] = 255
				for c := 0; c < nchan; c++ {
					dst[x*nchan+c] = uint8(int(sum[x*nchan+c]) / e.refCount)
				}
			} else {
				for c := 0; c < nchan; c++ {
					dst[x*nchan+c] = src[x*nchan+c]
				}
			}
		}
	}
	return EstimatedFrame{
		Background: out,
		Foreground: mask,
		WarmedUp:   !e.rolling || e.refCount == e.refFrames,
	}, nil
}

func (e *frameDiff) updateRollingRef(frame *cimg.Image) {
	if e.window.Len() == e.refFrames {
		// Window is full. The next Add evicts the oldest frame.
		subtractFrame(e.refSum, e.window.Peek(0))
		e.refCount--
	}
	e.window.Add(vid.CloneFrame(frame))
	addFrame(e.refSum, frame)
	e.refCount++
}

func addFrame(sum []int32, frame *cimg.Image) {
	nchan := frame.NChan()
	rowBytes := frame.Width * nchan
	for y := 0; y < frame.Height; y++ {
		src := frame.Pixels[y*frame.Stride : y*frame.Stride+rowBytes]
		dst := sum[y*rowBytes:]
		for i, v := range src {
			dst[i] += int32(v)
		}
	}
}

func subtractFrame(sum []int32, frame *cimg.Image) {
	nchan := frame.NChan()
	rowBytes := frame.Width * nchan
	for y := 0; y < frame.Height; y++ {
		src := frame.Pixels[y*frame.Stride : y*frame.Stride+rowBytes]
		dst := sum[y*rowBytes:]
		for i, v := range src {
			dst[i] -= int32(v)
		}
	}
}
