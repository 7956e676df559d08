package bggen

import (
	"os"
	"sync"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/faunacam/bgmix/pkg/bgmodel"
	"github.com/faunacam/bgmix/pkg/vid"
	"github.com/stretchr/testify/require"
)

func solidFrame(width, height int, r, g, b byte) *cimg.Image {
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for i := 0; i < len(img.Pixels); i += 3 {
		img.Pixels[i] = r
		img.Pixels[i+1] = g
		img.Pixels[i+2] = b
	}
	return img
}

func staticVideo(numFrames int) []*cimg.Image {
	frames := []*cimg.Image{}
	for i := 0; i < numFrames; i++ {
		frames = append(frames, solidFrame(8, 6, 40, 90, 140))
	}
	return frames
}

// testHarness wires a Generator to in-memory sources and sinks. Real files
// are still created at the artifact paths, so the skip logic sees them.
type testHarness struct {
	gen     *Generator
	sources map[string][]*cimg.Image
	errAt   map[string]int // source path -> frame index that fails to decode

	lock     sync.Mutex // guards opens and lastSink across batch workers
	opens    int
	lastSink *vid.MemSink
}

func newHarness(t *testing.T, opts Options) *testHarness {
	h := &testHarness{
		sources: map[string][]*cimg.Image{},
		errAt:   map[string]int{},
	}
	h.gen = NewGenerator(logs.NewTestingLog(t), opts)
	h.gen.openSource = func(path string) (vid.FrameSource, error) {
		h.lock.Lock()
		h.opens++
		h.lock.Unlock()
		src := vid.NewMemSource(path, h.sources[path], 30)
		if at, ok := h.errAt[path]; ok {
			src.ErrAtFrame = at
		}
		return src, nil
	}
	h.gen.newSink = func(path string, info vid.StreamInfo) (vid.FrameSink, error) {
		// Touch the artifact path so idempotency and cleanup are observable
		if err := os.WriteFile(path, []byte{}, 0644); err != nil {
			return nil, err
		}
		sink := &vid.MemSink{}
		h.lock.Lock()
		h.lastSink = sink
		h.lock.Unlock()
		return sink, nil
	}
	return h
}

func frameDiffOptions(outDir string) Options {
	return Options{OutDir: outDir, Estimator: bgmodel.DefaultConfig(bgmodel.VariantFrameDiff)}
}

func TestGenerateFrameAligned(t *testing.T) {
	h := newHarness(t, frameDiffOptions(t.TempDir()))
	h.sources["/videos/zebra_001.mp4"] = staticVideo(6)

	artifact, err := h.gen.Generate("zebra_001", "/videos/zebra_001.mp4")
	require.NoError(t, err)
	require.False(t, artifact.Skipped)
	require.Equal(t, 6, len(h.lastSink.Frames))
	require.True(t, h.lastSink.Closed)
	require.Equal(t, 6, artifact.Meta.FrameCount)
	require.Equal(t, 8, artifact.Meta.Width)
	require.Equal(t, 6, artifact.Meta.Height)
	require.Equal(t, 30.0, artifact.Meta.FPS)
	require.Equal(t, "framediff", artifact.Meta.Variant)
	require.False(t, artifact.Meta.LowConfidence)

	// Sidecar must round-trip
	meta, err := readMeta(MetaPath(h.gen.opts.OutDir, "zebra_001"))
	require.NoError(t, err)
	require.Equal(t, artifact.Meta.SettingsHash, meta.SettingsHash)
}

func TestGenerateIdempotentSkip(t *testing.T) {
	h := newHarness(t, frameDiffOptions(t.TempDir()))
	h.sources["/videos/zebra_001.mp4"] = staticVideo(6)

	_, err := h.gen.Generate("zebra_001", "/videos/zebra_001.mp4")
	require.NoError(t, err)
	require.Equal(t, 1, h.opens)

	// Same settings: the source is not even decoded again
	artifact, err := h.gen.Generate("zebra_001", "/videos/zebra_001.mp4")
	require.NoError(t, err)
	require.True(t, artifact.Skipped)
	require.Equal(t, 1, h.opens)

	// Force overrides the skip
	h.gen.opts.Force = true
	artifact, err = h.gen.Generate("zebra_001", "/videos/zebra_001.mp4")
	require.NoError(t, err)
	require.False(t, artifact.Skipped)
	require.Equal(t, 2, h.opens)
}

func TestGenerateSettingsChangeRegenerates(t *testing.T) {
	outDir := t.TempDir()
	h := newHarness(t, frameDiffOptions(outDir))
	h.sources["/videos/zebra_001.mp4"] = staticVideo(6)

	_, err := h.gen.Generate("zebra_001", "/videos/zebra_001.mp4")
	require.NoError(t, err)

	opts := frameDiffOptions(outDir)
	opts.Estimator.DiffThreshold = 99
	h2 := newHarness(t, opts)
	h2.sources["/videos/zebra_001.mp4"] = h.sources["/videos/zebra_001.mp4"]

	artifact, err := h2.gen.Generate("zebra_001", "/videos/zebra_001.mp4")
	require.NoError(t, err)
	require.False(t, artifact.Skipped)
}

func TestGenerateAbortRemovesPartialArtifact(t *testing.T) {
	h := newHarness(t, frameDiffOptions(t.TempDir()))
	h.sources["/videos/hyena_007.mp4"] = staticVideo(10)
	h.errAt["/videos/hyena_007.mp4"] = 4

	_, err := h.gen.Generate("hyena_007", "/videos/hyena_007.mp4")
	decodeErr := &vid.DecodeError{}
	require.ErrorAs(t, err, &decodeErr)
	require.Equal(t, 4, decodeErr.Frame)

	// Neither the half-written video nor a sidecar may survive
	_, err = os.Stat(ArtifactPath(h.gen.opts.OutDir, "hyena_007"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(MetaPath(h.gen.opts.OutDir, "hyena_007"))
	require.True(t, os.IsNotExist(err))
}

func TestGenerateEmptyVideoFails(t *testing.T) {
	h := newHarness(t, frameDiffOptions(t.TempDir()))
	h.sources["/videos/empty.mp4"] = nil

	_, err := h.gen.Generate("empty", "/videos/empty.mp4")
	decodeErr := &vid.DecodeError{}
	require.ErrorAs(t, err, &decodeErr)
}

func TestGenerateShortVideoLowConfidence(t *testing.T) {
	cfg := bgmodel.DefaultConfig(bgmodel.VariantGMM)
	cfg.WarmupFrames = 50
	h := newHarness(t, Options{OutDir: t.TempDir(), Estimator: cfg})
	h.sources["/videos/short.mp4"] = staticVideo(5)

	artifact, err := h.gen.Generate("short", "/videos/short.mp4")
	require.NoError(t, err)
	require.True(t, artifact.Meta.LowConfidence)
	require.Equal(t, 5, len(h.lastSink.Frames))
}

func TestGenerateBatchIsolatesFailures(t *testing.T) {
	h := newHarness(t, frameDiffOptions(t.TempDir()))
	h.sources["/videos/zebra_001.mp4"] = staticVideo(6)
	h.sources["/videos/lion_042.mp4"] = staticVideo(6)
	h.sources["/videos/hyena_007.mp4"] = staticVideo(6)
	h.errAt["/videos/hyena_007.mp4"] = 1

	result := h.gen.GenerateBatch([]SourceRef{
		{ID: "zebra_001", Path: "/videos/zebra_001.mp4"},
		{ID: "lion_042", Path: "/videos/lion_042.mp4"},
		{ID: "hyena_007", Path: "/videos/hyena_007.mp4"},
	}, 2)

	require.Equal(t, 2, result.OK)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 0, result.Skipped)
	require.Contains(t, result.Errors, "hyena_007")
	decodeErr := &vid.DecodeError{}
	require.ErrorAs(t, result.Errors["hyena_007"], &decodeErr)

	// A second batch run with the same settings skips everything that succeeded
	result = h.gen.GenerateBatch([]SourceRef{
		{ID: "zebra_001", Path: "/videos/zebra_001.mp4"},
		{ID: "lion_042", Path: "/videos/lion_042.mp4"},
	}, 2)
	require.Equal(t, 2, result.Skipped)
	require.Equal(t, 0, result.OK)
}

func TestSettingsHashStable(t *testing.T) {
	a := frameDiffOptions("x").Estimator
	b := frameDiffOptions("y").Estimator
	require.Equal(t, settingsHash(a), settingsHash(b))
	b.DiffThreshold = 99
	require.NotEqual(t, settingsHash(a), settingsHash(b))
}
