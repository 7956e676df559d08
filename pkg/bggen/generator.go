package bggen

// Package bggen drives a background estimator over whole videos and persists
// the resulting background-only videos, one artifact per source, keyed by the
// source's identifier.

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/faunacam/bgmix/pkg/bgmodel"
	"github.com/faunacam/bgmix/pkg/vid"
)

type Options struct {
	OutDir    string
	Estimator bgmodel.Config
	// Force regenerates even when an artifact with identical settings exists.
	Force bool
}

// Generator turns source videos into synthetic background videos. A Generator
// is safe to share across batch workers: each Generate call owns its own
// estimator state.
type Generator struct {
	log  logs.Log
	opts Options
	hash string

	// Decode/encode factories. Overridable so tests can run against in-memory
	// frame sources instead of shelling out to ffmpeg.
	openSource func(path string) (vid.FrameSource, error)
	newSink    func(path string, info vid.StreamInfo) (vid.FrameSink, error)
}

func NewGenerator(log logs.Log, opts Options) *Generator {
	return &Generator{
		log:        log,
		opts:       opts,
		hash:       settingsHash(opts.Estimator),
		openSource: vid.OpenFileSource,
		newSink:    vid.NewFileSink,
	}
}

// Generate produces the background video for one source. Regeneration with the
// same source and settings is idempotent: an up-to-date artifact is reused
// unless Force is set, and otherwise overwritten in place.
//
// The background pass is inherently sequential: the estimate for frame t
// depends on frames 1..t, so frames are never reordered or parallelized here.
func (g *Generator) Generate(sourceID, srcPath string) (*Artifact, error) {
	outPath := ArtifactPath(g.opts.OutDir, sourceID)
	metaPath := MetaPath(g.opts.OutDir, sourceID)

	if !g.opts.Force {
		if meta, err := readMeta(metaPath); err == nil && meta.SettingsHash == g.hash {
			if _, err := os.Stat(outPath); err == nil {
				return &Artifact{
					SourceID: sourceID,
					Path:     outPath,
					Meta:     meta,
					Skipped:  true,
				}, nil
			}
		}
	}

	est, err := bgmodel.New(g.opts.Estimator)
	if err != nil {
		return nil, err
	}

	src, err := g.openSource(srcPath)
	if err != nil {
		return nil, fmt.Errorf("Failed to open %v: %w", srcPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(g.opts.OutDir, 0755); err != nil {
		return nil, err
	}
	sink, err := g.newSink(outPath, src.Info())
	if err != nil {
		return nil, fmt.Errorf("Failed to create %v: %w", outPath, err)
	}

	meta, err := g.run(sourceID, est, src, sink)
	if err != nil {
		// The half-written artifact must not survive, or a later run would
		// mistake it for a complete background video.
		sink.Close()
		os.Remove(outPath)
		os.Remove(metaPath)
		return nil, err
	}
	if err := sink.Close(); err != nil {
		os.Remove(outPath)
		return nil, err
	}
	if err := writeMeta(metaPath, meta); err != nil {
		return nil, err
	}
	return &Artifact{
		SourceID: sourceID,
		Path:     outPath,
		Meta:     meta,
	}, nil
}

// run pumps every frame through the estimator and into the sink, and returns
// the artifact metadata. One output frame is written per input frame, so the
// artifact stays frame-aligned with its source.
func (g *Generator) run(sourceID string, est bgmodel.Estimator, src vid.FrameSource, sink vid.FrameSink) (Metadata, error) {
	info := src.Info()
	numFrames := 0
	lastWarmedUp := false
	var shape vid.Shape
	for {
		frame, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Metadata{}, err
		}
		if numFrames == 0 {
			shape = vid.FrameShape(frame)
		} else if !vid.FrameShape(frame).Equals(shape) {
			return Metadata{}, &vid.DecodeError{
				SourceID: sourceID,
				Frame:    numFrames,
				Err:      fmt.Errorf("frame shape %v differs from video shape %v", vid.FrameShape(frame), shape),
			}
		}
		ef, err := est.Step(frame)
		if err != nil {
			return Metadata{}, err
		}
		if err := sink.Write(ef.Background); err != nil {
			return Metadata{}, err
		}
		numFrames++
		lastWarmedUp = ef.WarmedUp
	}
	if numFrames == 0 {
		return Metadata{}, &vid.DecodeError{
			SourceID: sourceID,
			Frame:    0,
			Err:      fmt.Errorf("video has no frames"),
		}
	}
	if !lastWarmedUp {
		g.log.Warnf("Background video for %v is low confidence: %v frames did not complete the estimator's warm-up", sourceID, numFrames)
	}
	return Metadata{
		SourceID:      sourceID,
		Variant:       g.opts.Estimator.Variant.String(),
		SettingsHash:  g.hash,
		Width:         shape.Width,
		Height:        shape.Height,
		FPS:           info.FPS,
		FrameCount:    numFrames,
		LowConfidence: !lastWarmedUp,
		GeneratedAt:   time.Now().UTC(),
	}, nil
}
