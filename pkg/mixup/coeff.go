package mixup

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

type CoeffDist int

const (
	// CoeffFixed always draws the same value.
	CoeffFixed CoeffDist = iota
	// CoeffUniform draws uniformly from [Low, High].
	CoeffUniform
	// CoeffBeta draws from a Beta(Alpha, Beta) distribution, the usual choice
	// for mixup coefficients.
	CoeffBeta
)

func (d CoeffDist) String() string {
	switch d {
	case CoeffFixed:
		return "fixed"
	case CoeffUniform:
		return "uniform"
	case CoeffBeta:
		return "beta"
	}
	return fmt.Sprintf("CoeffDist(%v)", int(d))
}

func ParseCoeffDist(s string) (CoeffDist, error) {
	switch s {
	case "fixed":
		return CoeffFixed, nil
	case "uniform":
		return CoeffUniform, nil
	case "beta":
		return CoeffBeta, nil
	}
	return 0, fmt.Errorf("Unknown coefficient distribution '%v'", s)
}

// CoeffConfig describes how mixing coefficients are drawn.
type CoeffConfig struct {
	Dist  CoeffDist `json:"-"`
	Value float64   `json:"value"` // CoeffFixed
	Low   float64   `json:"low"`   // CoeffUniform
	High  float64   `json:"high"`  // CoeffUniform
	Alpha float64   `json:"alpha"` // CoeffBeta
	Beta  float64   `json:"beta"`  // CoeffBeta
}

// CoeffSampler draws mixing coefficients in [0,1] from an explicitly seeded
// random stream. Draws are a pure function of the stream, so a fixed seed and
// call order reproduce the same sequence. A sampler is not safe for concurrent
// use; give each worker its own sampler over a Substream.
type CoeffSampler struct {
	cfg  CoeffConfig
	rng  *rand.Rand
	beta distuv.Beta
}

func NewCoeffSampler(cfg CoeffConfig, rng *rand.Rand) (*CoeffSampler, error) {
	s := &CoeffSampler{
		cfg: cfg,
		rng: rng,
	}
	switch cfg.Dist {
	case CoeffFixed:
		if cfg.Value < 0 || cfg.Value > 1 {
			return nil, fmt.Errorf("Fixed coefficient %v is outside [0,1]", cfg.Value)
		}
	case CoeffUniform:
		if cfg.Low < 0 || cfg.High > 1 || cfg.Low > cfg.High {
			return nil, fmt.Errorf("Uniform coefficient range [%v,%v] is not inside [0,1]", cfg.Low, cfg.High)
		}
	case CoeffBeta:
		if cfg.Alpha <= 0 || cfg.Beta <= 0 {
			return nil, fmt.Errorf("Beta coefficient parameters (%v,%v) must be positive", cfg.Alpha, cfg.Beta)
		}
		s.beta = distuv.Beta{
			Alpha: cfg.Alpha,
			Beta:  cfg.Beta,
			Src:   rng,
		}
	default:
		return nil, fmt.Errorf("Unknown coefficient distribution %v", cfg.Dist)
	}
	return s, nil
}

// Draw returns the next coefficient in [0,1].
func (s *CoeffSampler) Draw() float64 {
	switch s.cfg.Dist {
	case CoeffUniform:
		return s.cfg.Low + s.rng.Float64()*(s.cfg.High-s.cfg.Low)
	case CoeffBeta:
		return s.beta.Rand()
	}
	return s.cfg.Value
}

// Substream returns an independent random stream for the given worker. Streams
// for different workers are disjoint and deterministic, so a batch job is
// reproducible under a fixed seed and fixed per-worker call order, regardless
// of how workers interleave.
func Substream(seed uint64, worker int) *rand.Rand {
	return rand.New(rand.NewSource(splitmix64(seed + uint64(worker)*0x9E3779B97F4A7C15)))
}

// splitmix64 decorrelates consecutive worker seeds.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}
