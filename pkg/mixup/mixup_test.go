package mixup

import (
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/faunacam/bgmix/pkg/vid"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func solidFrame(width, height int, r, g, b uint8) *cimg.Image {
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for y := 0; y < height; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < width; x++ {
			row[x*3] = r
			row[x*3+1] = g
			row[x*3+2] = b
		}
	}
	return img
}

func paintRect(img *cimg.Image, x1, y1, x2, y2 int, r, g, b uint8) {
	for y := y1; y < y2; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := x1; x < x2; x++ {
			row[x*3] = r
			row[x*3+1] = g
			row[x*3+2] = b
		}
	}
}

func solidClip(sourceID string, numFrames, width, height int, r, g, b uint8) *vid.Clip {
	frames := make([]*cimg.Image, numFrames)
	for i := range frames {
		frames[i] = solidFrame(width, height, r, g, b)
	}
	return vid.NewClip(sourceID, frames)
}

func clipsEqual(t *testing.T, expected, actual *vid.Clip) {
	t.Helper()
	require.Equal(t, expected.NumFrames(), actual.NumFrames())
	for i := range expected.Frames {
		e, a := expected.Frames[i], actual.Frames[i]
		require.Equal(t, vid.FrameShape(e), vid.FrameShape(a))
		rowBytes := e.Width * e.NChan()
		for y := 0; y < e.Height; y++ {
			require.Equal(t, e.Pixels[y*e.Stride:y*e.Stride+rowBytes], a.Pixels[y*a.Stride:y*a.Stride+rowBytes], "frame %v row %v", i, y)
		}
	}
}

func fixedAugmenter(t *testing.T, strategy Strategy, coeff float64) *Augmenter {
	t.Helper()
	aug, err := NewAugmenter(Config{
		Strategy:    strategy,
		Coefficient: CoeffConfig{Dist: CoeffFixed, Value: coeff},
	}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	return aug
}

func TestBlendEndpointsExact(t *testing.T) {
	fg := solidClip("vid-001", 4, 8, 6, 200, 100, 50)
	fg.Labels = []int{2, 7}
	bg := solidClip("vid-001", 4, 8, 6, 90, 90, 90)

	// Coefficient 1 reproduces the foreground pixel-exact.
	sample, err := fixedAugmenter(t, StrategyBlend, 1).Mix(fg, bg)
	require.NoError(t, err)
	require.Equal(t, 1.0, sample.Coefficient)
	clipsEqual(t, fg, sample.Clip)
	require.Equal(t, fg.Labels, sample.Clip.Labels)

	// Coefficient 0 reproduces the background pixel-exact.
	sample, err = fixedAugmenter(t, StrategyBlend, 0).Mix(fg, bg)
	require.NoError(t, err)
	clipsEqual(t, bg, sample.Clip)
	// The sample still belongs to the foreground's video and keeps its labels.
	require.Equal(t, fg.SourceID, sample.Clip.SourceID)
	require.Equal(t, fg.Labels, sample.Clip.Labels)
}

func TestBlendMidpoint(t *testing.T) {
	fg := solidClip("vid-001", 2, 4, 4, 200, 200, 200)
	bg := solidClip("vid-001", 2, 4, 4, 100, 100, 100)
	sample, err := fixedAugmenter(t, StrategyBlend, 0.5).Mix(fg, bg)
	require.NoError(t, err)
	for _, f := range sample.Clip.Frames {
		require.Equal(t, uint8(150), f.Pixels[0])
	}
}

func TestShapeMismatchRejected(t *testing.T) {
	fg := solidClip("vid-001", 4, 8, 6, 1, 1, 1)
	aug := fixedAugmenter(t, StrategyBlend, 0.5)

	// Frame count mismatch
	bg := solidClip("vid-001", 3, 8, 6, 2, 2, 2)
	sample, err := aug.Mix(fg, bg)
	var mismatch *ShapeMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Nil(t, sample)
	require.Equal(t, 4, mismatch.FGFrames)
	require.Equal(t, 3, mismatch.BGFrames)

	// Spatial mismatch
	bg = solidClip("vid-001", 4, 8, 4, 2, 2, 2)
	sample, err = aug.Mix(fg, bg)
	require.ErrorAs(t, err, &mismatch)
	require.Nil(t, sample)
}

func TestChannelConcat(t *testing.T) {
	fg := solidClip("vid-001", 3, 4, 2, 10, 20, 30)
	fg.Labels = []int{5}
	bg := solidClip("vid-001", 3, 4, 2, 70, 80, 90)

	sample, err := fixedAugmenter(t, StrategyChannelConcat, 0.5).Mix(fg, bg)
	require.NoError(t, err)
	require.Nil(t, sample.Clip)
	cc := sample.Concat
	require.NotNil(t, cc)
	require.Equal(t, vid.Shape{Width: 4, Height: 2, NChan: 6}, cc.Shape)
	require.Len(t, cc.Frames, 3)
	require.Equal(t, []int{5}, cc.Labels)
	for _, f := range cc.Frames {
		// First half of each pixel's channels is the fg stream, second half bg.
		require.Equal(t, []byte{10, 20, 30, 70, 80, 90}, f[:6])
	}
}

func TestChannelConcatStreamDropout(t *testing.T) {
	fg := solidClip("vid-001", 1, 4, 2, 10, 20, 30)
	bg := solidClip("vid-001", 1, 4, 2, 70, 80, 90)

	// Keep-probability 1: both streams always present.
	aug, err := NewAugmenter(Config{
		Strategy:      StrategyChannelConcat,
		Coefficient:   CoeffConfig{Dist: CoeffFixed, Value: 1},
		StreamDropout: true,
	}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		sample, err := aug.Mix(fg, bg)
		require.NoError(t, err)
		require.Equal(t, []byte{10, 20, 30, 70, 80, 90}, sample.Concat.Frames[0][:6])
	}

	// Keep-probability 0: exactly one stream is zeroed on every draw.
	aug, err = NewAugmenter(Config{
		Strategy:      StrategyChannelConcat,
		Coefficient:   CoeffConfig{Dist: CoeffFixed, Value: 0},
		StreamDropout: true,
	}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	sawFGDrop, sawBGDrop := false, false
	for i := 0; i < 50; i++ {
		sample, err := aug.Mix(fg, bg)
		require.NoError(t, err)
		px := sample.Concat.Frames[0][:6]
		fgZero := px[0] == 0 && px[1] == 0 && px[2] == 0
		bgZero := px[3] == 0 && px[4] == 0 && px[5] == 0
		require.True(t, fgZero != bgZero, "exactly one stream must be zeroed")
		sawFGDrop = sawFGDrop || fgZero
		sawBGDrop = sawBGDrop || bgZero
	}
	require.True(t, sawFGDrop)
	require.True(t, sawBGDrop)
}

func TestExclusionNoForegroundReturnsBackground(t *testing.T) {
	// fg and bg are identical, so no pixel is detected as foreground, and the
	// sample must be the background clip unchanged. Holds for both fills.
	for _, fill := range []ExclusionFill{ExclusionFillBackground, ExclusionFillZero} {
		fg := solidClip("vid-001", 3, 8, 6, 44, 55, 66)
		bg := solidClip("vid-001", 3, 8, 6, 44, 55, 66)
		aug, err := NewAugmenter(Config{
			Strategy:    StrategyExclusion,
			Coefficient: CoeffConfig{Dist: CoeffFixed, Value: 0},
			Fill:        fill,
		}, rand.New(rand.NewSource(1)))
		require.NoError(t, err)
		sample, err := aug.Mix(fg, bg)
		require.NoError(t, err)
		clipsEqual(t, bg, sample.Clip)
		require.True(t, sample.Clip.Negative)
	}
}

func TestExclusionZeroFill(t *testing.T) {
	bg := solidClip("vid-001", 1, 8, 6, 100, 100, 100)
	fg := solidClip("vid-001", 1, 8, 6, 100, 100, 100)
	paintRect(fg.Frames[0], 2, 2, 4, 4, 250, 250, 250)

	aug, err := NewAugmenter(Config{
		Strategy:          StrategyExclusion,
		Coefficient:       CoeffConfig{Dist: CoeffFixed, Value: 0},
		Fill:              ExclusionFillZero,
		RederiveThreshold: 60,
	}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	sample, err := aug.Mix(fg, bg)
	require.NoError(t, err)
	out := sample.Clip.Frames[0]
	// Foreground region is blacked out, the rest is the background.
	require.Equal(t, uint8(0), out.Pixels[(2*out.Stride)+2*3])
	require.Equal(t, uint8(100), out.Pixels[0])
}

func TestExclusionReusesSuppliedMask(t *testing.T) {
	// fg and bg are identical, so re-derivation would find nothing, but the
	// estimator's own mask says a region is foreground.
	fg := solidClip("vid-001", 1, 8, 6, 100, 100, 100)
	bg := solidClip("vid-001", 1, 8, 6, 100, 100, 100)
	mask := make([]uint8, 8*6)
	mask[3*8+3] = 255

	aug, err := NewAugmenter(Config{
		Strategy:    StrategyExclusion,
		Coefficient: CoeffConfig{Dist: CoeffFixed, Value: 0},
		Fill:        ExclusionFillZero,
	}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	sample, err := aug.MixMasked(fg, bg, [][]uint8{mask})
	require.NoError(t, err)
	out := sample.Clip.Frames[0]
	require.Equal(t, uint8(0), out.Pixels[3*out.Stride+3*3])
	require.Equal(t, uint8(100), out.Pixels[0])
}

func TestMixMaskedRejectsUndersizedMask(t *testing.T) {
	// Wrong mask count and wrong per-mask size are both precondition
	// failures, never a crash partway through a frame.
	fg := solidClip("vid-001", 1, 8, 6, 100, 100, 100)
	bg := solidClip("vid-001", 1, 8, 6, 100, 100, 100)
	aug, err := NewAugmenter(Config{
		Strategy:    StrategyExclusion,
		Coefficient: CoeffConfig{Dist: CoeffFixed, Value: 0},
		Fill:        ExclusionFillZero,
	}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	_, err = aug.MixMasked(fg, bg, [][]uint8{make([]uint8, 10)})
	require.Error(t, err)
	_, err = aug.MixMasked(fg, bg, [][]uint8{make([]uint8, 8*6+1)})
	require.Error(t, err)

	_, err = aug.MixMasked(fg, bg, [][]uint8{make([]uint8, 8*6)})
	require.NoError(t, err)
}

func TestMixMaskedRequiresExclusion(t *testing.T) {
	fg := solidClip("vid-001", 1, 4, 4, 1, 1, 1)
	bg := solidClip("vid-001", 1, 4, 4, 1, 1, 1)
	aug := fixedAugmenter(t, StrategyBlend, 0.5)
	_, err := aug.MixMasked(fg, bg, [][]uint8{make([]uint8, 16)})
	require.Error(t, err)
}
