package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/faunacam/bgmix/pkg/ensemble"
)

// aggpred folds per-view classifier scores into one prediction per video.
// Input files are JSON arrays of views, as emitted by an inference run that
// samples each video at several temporal offsets and spatial crops.

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	logger, err := logs.NewLog()
	check(err)

	parser := argparse.NewParser("aggpred", "Aggregate multi-view classifier scores into per-video predictions")
	inputs := parser.StringList("i", "input", &argparse.Options{Help: "View score file (JSON, repeatable). Use a directory to read all *.json in it", Required: true})
	output := parser.String("o", "output", &argparse.Options{Help: "Output predictions file. Defaults to stdout"})
	method := parser.String("m", "method", &argparse.Options{Help: "Aggregation method: average or max", Default: "average"})
	err = parser.Parse(os.Args)
	if err != nil {
		logger.Errorf(parser.Usage(err))
		os.Exit(1)
	}

	agg, err := ensemble.ParseMethod(*method)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	files := []string{}
	for _, in := range *inputs {
		st, err := os.Stat(in)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		if st.IsDir() {
			matches, err := filepath.Glob(filepath.Join(in, "*.json"))
			check(err)
			files = append(files, matches...)
		} else {
			files = append(files, in)
		}
	}
	if len(files) == 0 {
		logger.Errorf("No input files")
		os.Exit(1)
	}

	collector := ensemble.NewCollector(agg)
	numViews := 0
	for _, fn := range files {
		raw, err := os.ReadFile(fn)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		views := []ensemble.View{}
		if err := json.Unmarshal(raw, &views); err != nil {
			logger.Errorf("Failed to parse %v: %v", fn, err)
			os.Exit(1)
		}
		for _, view := range views {
			if err := collector.Add(view); err != nil {
				logger.Errorf("Rejected view of %v from %v: %v", view.VideoID, fn, err)
				os.Exit(1)
			}
		}
		numViews += len(views)
	}

	predictions, err := collector.Finish()
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	logger.Infof("Aggregated %v views into %v predictions (%v)", numViews, len(predictions), agg)

	j, err := json.MarshalIndent(predictions, "", "\t")
	check(err)
	j = append(j, '\n')
	if *output == "" {
		os.Stdout.Write(j)
	} else {
		check(os.WriteFile(*output, j, 0644))
	}
}
