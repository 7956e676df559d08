package bggen

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/faunacam/bgmix/pkg/bgmodel"
	"github.com/faunacam/bgmix/pkg/ensemble"
	"github.com/faunacam/bgmix/pkg/mixup"
)

// PipelineConfig is the JSON configuration surface of the whole pipeline.
// This package consumes it; it is owned by whoever launches the tools.
type PipelineConfig struct {
	VideoDir       string          `json:"videoDir"`       // Source videos
	AnnotationsDir string          `json:"annotationsDir"` // train.csv / val.csv / test.csv manifests
	OutDir         string          `json:"outDir"`         // Background video artifacts
	NumWorkers     int             `json:"numWorkers"`     // Concurrent background-generation passes
	Estimator      EstimatorConfig `json:"estimator"`
	Mixup          MixupConfig     `json:"mixup"`
	Ensemble       EnsembleConfig  `json:"ensemble"`
}

type EstimatorConfig struct {
	bgmodel.Config
	Variant string `json:"variant"` // "framediff", "gmm" or "mask"
}

// Resolve maps the string-keyed JSON form onto a typed estimator config.
func (c *EstimatorConfig) Resolve() (bgmodel.Config, error) {
	variant, err := bgmodel.ParseVariant(c.Variant)
	if err != nil {
		return bgmodel.Config{}, err
	}
	cfg := c.Config
	cfg.Variant = variant
	return cfg, nil
}

type MixupConfig struct {
	Strategy          string      `json:"strategy"` // "blend", "concat" or "exclusion"
	Coefficient       CoeffConfig `json:"coefficient"`
	StreamDropout     bool        `json:"streamDropout"`
	ExclusionFill     string      `json:"exclusionFill"` // "background" or "zero"
	RederiveThreshold int         `json:"rederiveThreshold"`
}

type CoeffConfig struct {
	mixup.CoeffConfig
	Dist string `json:"dist"` // "fixed", "uniform" or "beta"
}

func (c *MixupConfig) Resolve() (mixup.Config, error) {
	strategy, err := mixup.ParseStrategy(c.Strategy)
	if err != nil {
		return mixup.Config{}, err
	}
	dist, err := mixup.ParseCoeffDist(c.Coefficient.Dist)
	if err != nil {
		return mixup.Config{}, err
	}
	fill := mixup.ExclusionFillBackground
	switch c.ExclusionFill {
	case "", "background":
	case "zero":
		fill = mixup.ExclusionFillZero
	default:
		return mixup.Config{}, fmt.Errorf("Unknown exclusion fill '%v'", c.ExclusionFill)
	}
	coeff := c.Coefficient.CoeffConfig
	coeff.Dist = dist
	return mixup.Config{
		Strategy:          strategy,
		Coefficient:       coeff,
		StreamDropout:     c.StreamDropout,
		Fill:              fill,
		RederiveThreshold: c.RederiveThreshold,
	}, nil
}

type EnsembleConfig struct {
	Method           string `json:"method"`           // "average" or "max"
	NumTemporalViews int    `json:"numTemporalViews"` // Temporal samples per video at test time
	NumSpatialCrops  int    `json:"numSpatialCrops"`  // Spatial crops per temporal sample
}

func (c *EnsembleConfig) Resolve() (ensemble.Method, error) {
	return ensemble.ParseMethod(c.Method)
}

// ViewsPerVideo is the number of prediction views a full test pass produces.
func (c *EnsembleConfig) ViewsPerVideo() int {
	t := c.NumTemporalViews
	if t < 1 {
		t = 1
	}
	s := c.NumSpatialCrops
	if s < 1 {
		s = 1
	}
	return t * s
}

func LoadPipelineConfig(filename string) (*PipelineConfig, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := &PipelineConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	return cfg, nil
}
