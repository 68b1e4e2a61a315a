package vad

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func newTestSegmenter(t *testing.T, probs []float32, clock *time.Time) *Segmenter {
	t.Helper()
	det := NewMockDetectorWithSequence(probs)
	cfg := DefaultConfig(16000)
	cfg.now = fixedClock(clock)
	seg, err := NewSegmenter(cfg, det)
	require.NoError(t, err)
	return seg
}

// pushFrames feeds n complete 512-sample frames, advances the clock well past
// the emission interval, and returns whatever the final Process call yields.
func pushFrames(t *testing.T, seg *Segmenter, n int, clock *time.Time) []Segment {
	t.Helper()
	samples := make([]float32, 0, n*ChunkSamples)
	for i := 0; i < n*ChunkSamples; i++ {
		samples = append(samples, 0.01)
	}
	*clock = clock.Add(2 * time.Second)
	segs, err := seg.Process(samples)
	require.NoError(t, err)
	return segs
}

func TestSegmenterSilenceOnlyEmitsDatalessSegment(t *testing.T) {
	clock := time.Now()
	seg := newTestSegmenter(t, []float32{0.1, 0.1, 0.1, 0.1}, &clock)

	segs := pushFrames(t, seg, 4, &clock)
	require.Len(t, segs, 1)
	assert.False(t, segs[0].HasSpeech())
	assert.Equal(t, uint32(0), segs[0].StartMs)
}

func TestSegmenterSpeechEmitsDataSegment(t *testing.T) {
	clock := time.Now()
	seg := newTestSegmenter(t, []float32{0.1, 0.9, 0.9, 0.1}, &clock)

	segs := pushFrames(t, seg, 4, &clock)
	require.Len(t, segs, 1)
	require.True(t, segs[0].HasSpeech())
	assert.Equal(t, 4*ChunkSamples, len(segs[0].Data))
}

func TestSegmenterGatesEmissionByInterval(t *testing.T) {
	clock := time.Now()
	seg := newTestSegmenter(t, []float32{0.9, 0.9, 0.9, 0.9}, &clock)

	samples := make([]float32, ChunkSamples)
	segs, err := seg.Process(samples)
	require.NoError(t, err)
	assert.Empty(t, segs, "first call should be gated by the 1s emission interval")
}

func TestSegmenterChunkIndicesAreMonotone(t *testing.T) {
	clock := time.Now()
	seg := newTestSegmenter(t, []float32{0.1, 0.1, 0.1, 0.1, 0.1, 0.1}, &clock)

	_ = pushFrames(t, seg, 3, &clock)
	assert.Equal(t, uint64(3), seg.nextIdx)
	_ = pushFrames(t, seg, 3, &clock)
	assert.Equal(t, uint64(6), seg.nextIdx)
}

func TestSegmenterCarriesOverPartialFrame(t *testing.T) {
	clock := time.Now()
	seg := newTestSegmenter(t, []float32{0.1}, &clock)

	partial := make([]float32, ChunkSamples/2)
	segs, err := seg.Process(partial)
	require.NoError(t, err)
	assert.Empty(t, segs)
	assert.Equal(t, ChunkSamples/2, len(seg.carry))
	assert.Equal(t, uint64(0), seg.nextIdx)
}

func TestSegmenterRejectsUnsupportedSampleRate(t *testing.T) {
	_, err := NewSegmenter(Config{SampleRate: 44100}, NewMockDetector())
	assert.Error(t, err)
}

func TestSegmenterRejectsNilDetector(t *testing.T) {
	_, err := NewSegmenter(DefaultConfig(16000), nil)
	assert.Error(t, err)
}
