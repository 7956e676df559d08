package bgmodel

import (
	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/faunacam/bgmix/pkg/gen"
	"github.com/faunacam/bgmix/pkg/vid"
)

const (
	gmmInitialVariance = 225 // 15^2, generous for 8-bit pixels
	gmmMinVariance     = 16
	gmmMaxVariance     = 5 * gmmInitialVariance
	gmmInitialWeight   = 0.05
	// Components are background, in decreasing fitness order, until their
	// cumulative weight exceeds this ratio.
	gmmBackgroundRatio = 0.9
)

// gmm maintains a small mixture of gaussians per pixel, updated online as each
// frame arrives. The learning rate decays from 1/numSeen to 1/History, so the
// model adapts quickly at the start and then forgets exponentially, which lets
// it track slow illumination drift.
//
// All per-pixel state lives in flat arrays owned by this struct. One gmm
// instance serves one estimation pass over one video; concurrent passes each
// get their own instance.
type gmm struct {
	components   int
	history      int
	varThreshold float32
	warmupFrames int

	shape   vid.Shape
	numSeen int
	// Per pixel, components in arbitrary order:
	weight   []float32 // pixel*K + k
	variance []float32 // pixel*K + k
	mean     []float32 // (pixel*K + k)*nchan + c
}

func newGMM(cfg Config) (*gmm, error) {
	d := DefaultConfig(VariantGMM)
	components := cfg.Components
	if components <= 0 {
		components = d.Components
	}
	history := cfg.History
	if history <= 0 {
		history = d.History
	}
	varThreshold := cfg.VarThreshold
	if varThreshold <= 0 {
		varThreshold = d.VarThreshold
	}
	warmup := cfg.WarmupFrames
	if warmup <= 0 {
		warmup = d.WarmupFrames
	}
	return &gmm{
		components:   components,
		history:      history,
		varThreshold: varThreshold,
		warmupFrames: warmup,
	}, nil
}

func (e *gmm) Reset() {
	e.shape = vid.Shape{}
	e.numSeen = 0
	e.weight = nil
	e.variance = nil
	e.mean = nil
}

func (e *gmm) Step(frame *cimg.Image) (EstimatedFrame, error) {
	if e.numSeen == 0 {
		e.init(frame)
	}
	e.numSeen++

	// Early on, learn at 1/numSeen so the first frames dominate quickly.
	// Steady state is exponential forgetting at 1/history.
	rate := 1 / float32(gen.Min(e.numSeen, e.history))

	nchan := e.shape.NChan
	k := e.components
	out := cimg.NewImage(frame.Width, frame.Height, frame.Format)
	mask := make([]uint8, frame.Width*frame.Height)

	px := make([]float32, nchan) // current pixel value
	for y := 0; y < frame.Height; y++ {
		src := frame.Pixels[y*frame.Stride:]
		dst := out.Pixels[y*out.Stride:]
		for x := 0; x < frame.Width; x++ {
			p := y*frame.Width + x
			for c := 0; c < nchan; c++ {
				px[c] = float32(src[x*nchan+c])
			}
			isForeground := e.updatePixel(p, px, rate)
			if isForeground {
				mask[p] = 255
			}
			bg := e.backgroundComponent(p)
			for c := 0; c < nchan; c++ {
				v := e.mean[(p*k+bg)*nchan+c]
				dst[x*nchan+c] = uint8(gen.Clamp(v+0.5, 0, 255))
			}
		}
	}

	return EstimatedFrame{
		Background: out,
		Foreground: mask,
		WarmedUp:   e.numSeen > e.warmupFrames,
	}, nil
}

func (e *gmm) init(frame *cimg.Image) {
	e.shape = vid.FrameShape(frame)
	numPixels := e.shape.Width * e.shape.Height
	e.weight = make([]float32, numPixels*e.components)
	e.variance = make([]float32, numPixels*e.components)
	e.mean = make([]float32, numPixels*e.components*e.shape.NChan)
	// Seed component 0 of every pixel from the first frame; the remaining
	// components start empty (zero weight) and get populated on mismatch.
	nchan := e.shape.NChan
	for y := 0; y < frame.Height; y++ {
		src := frame.Pixels[y*frame.Stride:]
		for x := 0; x < frame.Width; x++ {
			p := y*frame.Width + x
			e.weight[p*e.components] = 1
			e.variance[p*e.components] = gmmInitialVariance
			for c := 0; c < nchan; c++ {
				e.mean[(p*e.components)*nchan+c] = float32(src[x*nchan+c])
			}
		}
	}
}

// updatePixel folds one observation into the mixture of pixel p, and reports
// whether the observation looks like foreground.
func (e *gmm) updatePixel(p int, px []float32, rate float32) bool {
	k := e.components
	nchan := e.shape.NChan

	// Find the best matching component: smallest normalized squared distance
	// among components the observation falls inside of.
	best := -1
	bestD := float32(0)
	for i := 0; i < k; i++ {
		if e.weight[p*k+i] <= 0 {
			continue
		}
		d2 := float32(0)
		for c := 0; c < nchan; c++ {
			d := px[c] - e.mean[(p*k+i)*nchan+c]
			d2 += d * d
		}
		norm := d2 / e.variance[p*k+i]
		if norm < e.varThreshold*float32(nchan) && (best < 0 || norm < bestD) {
			best = i
			bestD = norm
		}
	}

	if best < 0 {
		// No component explains this observation: replace the weakest one.
		weakest := 0
		for i := 1; i < k; i++ {
			if e.weight[p*k+i] < e.weight[p*k+weakest] {
				weakest = i
			}
		}
		e.weight[p*k+weakest] = gmmInitialWeight
		e.variance[p*k+weakest] = gmmInitialVariance
		for c := 0; c < nchan; c++ {
			e.mean[(p*k+weakest)*nchan+c] = px[c]
		}
		e.normalizeWeights(p)
		return true
	}

	// Decay all weights, reinforce the matched component, and pull its
	// mean/variance toward the observation.
	for i := 0; i < k; i++ {
		e.weight[p*k+i] *= 1 - rate
	}
	e.weight[p*k+best] += rate
	d2 := float32(0)
	for c := 0; c < nchan; c++ {
		d := px[c] - e.mean[(p*k+best)*nchan+c]
		d2 += d * d
		e.mean[(p*k+best)*nchan+c] += rate * d
	}
	e.variance[p*k+best] += rate * (d2/float32(nchan) - e.variance[p*k+best])
	e.variance[p*k+best] = gen.Clamp(e.variance[p*k+best], gmmMinVariance, gmmMaxVariance)
	e.normalizeWeights(p)

	// The observation is foreground if its component is not part of the
	// background set: the high-weight components making up the first
	// gmmBackgroundRatio of total weight.
	return !e.isBackgroundComponent(p, best)
}

func (e *gmm) normalizeWeights(p int) {
	k := e.components
	total := float32(0)
	for i := 0; i < k; i++ {
		total += e.weight[p*k+i]
	}
	if total <= 0 {
		return
	}
	for i := 0; i < k; i++ {
		e.weight[p*k+i] /= total
	}
}

// fitness ranks components for background-ness: high weight, low variance.
func (e *gmm) fitness(p, i int) float32 {
	return e.weight[p*e.components+i] / math32.Sqrt(e.variance[p*e.components+i])
}

// backgroundComponent returns the most background-like component of pixel p.
func (e *gmm) backgroundComponent(p int) int {
	k := e.components
	best := 0
	for i := 1; i < k; i++ {
		if e.weight[p*k+i] > 0 && e.fitness(p, i) > e.fitness(p, best) {
			best = i
		}
	}
	return best
}

// isBackgroundComponent reports whether component 'which' of pixel p is inside
// the background set. Components are sorted by fitness and accumulated until
// their cumulative weight exceeds gmmBackgroundRatio.
func (e *gmm) isBackgroundComponent(p, which int) bool {
	k := e.components
	order := make([]int, 0, k)
	for i := 0; i < k; i++ {
		if e.weight[p*k+i] > 0 {
			order = append(order, i)
		}
	}
	// k is 3-5, insertion sort is fine.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && e.fitness(p, order[j]) > e.fitness(p, order[j-1]); j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	cum := float32(0)
	for _, i := range order {
		if i == which {
			return true
		}
		cum += e.weight[p*k+i]
		if cum > gmmBackgroundRatio {
			break
		}
	}
	return false
}
