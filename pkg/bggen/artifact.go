package bggen

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/faunacam/bgmix/pkg/bgmodel"
)

// One synthetic background video is persisted per source video, at a path
// derived from the source's identifier, with a JSON sidecar describing how it
// was generated. Training/eval code finds the pair via this convention.

// ArtifactPath returns where the background video for a source lives.
func ArtifactPath(outDir, sourceID string) string {
	return filepath.Join(outDir, sourceID+".mp4")
}

// MetaPath returns where the artifact's sidecar metadata lives.
func MetaPath(outDir, sourceID string) string {
	return filepath.Join(outDir, sourceID+".json")
}

// Metadata is the sidecar record written next to each background video.
type Metadata struct {
	SourceID      string    `json:"sourceID"`
	Variant       string    `json:"variant"`
	SettingsHash  string    `json:"settingsHash"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	FPS           float64   `json:"fps"`
	FrameCount    int       `json:"frameCount"`
	LowConfidence bool      `json:"lowConfidence"` // source was shorter than the estimator's warm-up window
	GeneratedAt   time.Time `json:"generatedAt"`
}

// Artifact is a generated (or reused) background video.
type Artifact struct {
	SourceID string
	Path     string
	Meta     Metadata
	Skipped  bool // an up-to-date artifact already existed
}

// settingsHash fingerprints the estimator configuration, so regeneration can
// be skipped when an artifact was produced with identical settings.
func settingsHash(cfg bgmodel.Config) string {
	j, _ := json.Marshal(struct {
		Variant string `json:"variant"`
		bgmodel.Config
	}{Variant: cfg.Variant.String(), Config: cfg})
	h := fnv.New64a()
	h.Write(j)
	return fmt.Sprintf("%016x", h.Sum64())
}

func writeMeta(path string, meta Metadata) error {
	j, err := json.MarshalIndent(meta, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, j, 0644)
}

func readMeta(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	meta := Metadata{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}
