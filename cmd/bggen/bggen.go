package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/faunacam/bgmix/pkg/bggen"
	"github.com/faunacam/bgmix/pkg/bgmodel"
	"github.com/faunacam/bgmix/pkg/dataset"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

// resolveEstimator combines the optional pipeline config file with the
// estimator flag. An explicitly passed flag beats the config file; with
// neither, the default is gmm.
func resolveEstimator(cfg *bggen.PipelineConfig, flagVariant string) (bgmodel.Config, error) {
	if cfg != nil {
		est := cfg.Estimator
		if flagVariant != "" {
			est.Variant = flagVariant
		} else if est.Variant == "" {
			est.Variant = "gmm"
		}
		return est.Resolve()
	}
	if flagVariant == "" {
		flagVariant = "gmm"
	}
	v, err := bgmodel.ParseVariant(flagVariant)
	if err != nil {
		return bgmodel.Config{}, err
	}
	return bgmodel.DefaultConfig(v), nil
}

func main() {
	logger, err := logs.NewLog()
	check(err)

	parser := argparse.NewParser("bggen", "Generate synthetic background videos for a wildlife video dataset")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Pipeline config file (JSON). Flags override its values"})
	videoDir := parser.String("v", "videos", &argparse.Options{Help: "Directory of source videos"})
	annotationsDir := parser.String("a", "annotations", &argparse.Options{Help: "Directory of split manifests (train.csv etc)"})
	outDir := parser.String("o", "out", &argparse.Options{Help: "Output directory for background videos"})
	splits := parser.StringList("s", "split", &argparse.Options{Help: "Dataset split to process (repeatable)", Default: []string{"train"}})
	variant := parser.String("e", "estimator", &argparse.Options{Help: "Background estimator: framediff, gmm or mask (default gmm)"})
	workers := parser.Int("j", "workers", &argparse.Options{Help: "Concurrent videos", Default: 4})
	force := parser.Flag("f", "force", &argparse.Options{Help: "Regenerate even when an up-to-date artifact exists"})
	err = parser.Parse(os.Args)
	if err != nil {
		logger.Errorf(parser.Usage(err))
		os.Exit(1)
	}

	numWorkers := *workers
	var cfg *bggen.PipelineConfig
	if *configFile != "" {
		cfg, err = bggen.LoadPipelineConfig(*configFile)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		if *videoDir == "" {
			*videoDir = cfg.VideoDir
		}
		if *annotationsDir == "" {
			*annotationsDir = cfg.AnnotationsDir
		}
		if *outDir == "" {
			*outDir = cfg.OutDir
		}
		if cfg.NumWorkers > 0 {
			numWorkers = cfg.NumWorkers
		}
	}
	estimator, err := resolveEstimator(cfg, *variant)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *videoDir == "" || *annotationsDir == "" || *outDir == "" {
		logger.Errorf("Need --videos, --annotations and --out (or a config file that supplies them)")
		os.Exit(1)
	}

	// The manifests name foreground videos; the background for each is
	// generated from that same video, so the manifest is also our work list.
	sources := map[string]bggen.SourceRef{}
	for _, split := range *splits {
		manifest, err := dataset.Load(*annotationsDir, split)
		if err != nil {
			logger.Errorf("Failed to load manifest for split '%v': %v", split, err)
			os.Exit(1)
		}
		for _, entry := range manifest.Entries {
			id := entry.SourceID()
			sources[id] = bggen.SourceRef{ID: id, Path: filepath.Join(*videoDir, entry.FGPath)}
		}
		logger.Infof("Split '%v': %v entries", split, len(manifest.Entries))
	}
	refs := make([]bggen.SourceRef, 0, len(sources))
	for _, ref := range sources {
		refs = append(refs, ref)
	}
	logger.Infof("Generating %v backgrounds with the %v estimator on %v workers", len(refs), estimator.Variant, numWorkers)

	gen := bggen.NewGenerator(logger, bggen.Options{
		OutDir:    *outDir,
		Estimator: estimator,
		Force:     *force,
	})
	result := gen.GenerateBatch(refs, numWorkers)
	if result.Failed != 0 {
		fmt.Fprintf(os.Stderr, "%v videos failed\n", result.Failed)
		os.Exit(1)
	}
}
