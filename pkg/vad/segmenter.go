package vad

import (
	"container/list"
	"fmt"
	"time"
)

// ChunkSamples is the fixed frame size the Silero model consumes.
const ChunkSamples = 512

// Config configures a Segmenter.
type Config struct {
	// SampleRate of the incoming PCM, in Hz. Only 8000 and 16000 are
	// supported by the underlying detector.
	SampleRate int

	// SpeechThreshold is the minimum per-chunk speech probability that
	// counts a window as containing speech.
	SpeechThreshold float32

	// SilenceDurationMs is the length of the quietest region dropped from
	// the front of a long segment during the silence-area slide.
	SilenceDurationMs int

	// WindowMs bounds how much audio accumulates before a silence-area
	// slide trims the front of the deque.
	WindowMs int

	// IntervalMs is the minimum wall-clock gap between emissions.
	IntervalMs int

	// now, when set, replaces time.Now for deterministic tests.
	now func() time.Time
}

// DefaultConfig returns the spec's defaults for the given sample rate
// (threshold 0.5, 450ms silence, 10s window, 1s emission interval).
func DefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate:        sampleRate,
		SpeechThreshold:   0.5,
		SilenceDurationMs: 450,
		WindowMs:          10000,
		IntervalMs:        1000,
	}
}

func (c Config) chunkMs() float64 {
	return float64(ChunkSamples) / float64(c.SampleRate) * 1000
}

func (c *Config) applyDefaults() {
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = 0.5
	}
	if c.SilenceDurationMs == 0 {
		c.SilenceDurationMs = 450
	}
	if c.WindowMs == 0 {
		c.WindowMs = 10000
	}
	if c.IntervalMs == 0 {
		c.IntervalMs = 1000
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// Segment is a bounded speech region, or a silence region when Data is nil.
// Start/End are VAD-stream-local milliseconds (chunk_index * chunk_ms), not
// wall-clock time.
type Segment struct {
	StartMs uint32
	EndMs   uint32
	Data    []float32 // nil for pure-silence regions
}

// HasSpeech reports whether the segment carries transcribable audio.
func (s Segment) HasSpeech() bool { return s.Data != nil }

type scoredChunk struct {
	index uint64
	data  []float32
	pred  float32
}

// Segmenter is a stateful sliding-window VAD. It is not safe for concurrent
// use: Process must be called from a single goroutine at a time, matching
// the PCM mailbox's single-consumer delivery in pkg/service.
type Segmenter struct {
	cfg      Config
	detector DetectorInterface

	carry []float32 // samples not yet forming a full 512-sample frame

	chunks  *list.List // of scoredChunk, oldest first
	nextIdx uint64
	lastEmit time.Time
}

// NewSegmenter creates a Segmenter driving detector with cfg. detector is
// typically a *Detector (Silero/ONNX) in production and a *MockDetector in
// tests.
func NewSegmenter(cfg Config, detector DetectorInterface) (*Segmenter, error) {
	if detector == nil {
		return nil, fmt.Errorf("vad: detector is required")
	}
	if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("vad: unsupported sample rate %d", cfg.SampleRate)
	}
	cfg.applyDefaults()

	return &Segmenter{
		cfg:      cfg,
		detector: detector,
		chunks:   list.New(),
		lastEmit: cfg.now(),
	}, nil
}

// Process appends samples to the internal carry-over buffer, scores every
// complete 512-sample frame, and returns zero or more Segments per spec.md
// §4.B. Most calls return nothing: emission is gated by IntervalMs.
func (s *Segmenter) Process(samples []float32) ([]Segment, error) {
	s.carry = append(s.carry, samples...)

	for len(s.carry) >= ChunkSamples {
		frame := make([]float32, ChunkSamples)
		copy(frame, s.carry[:ChunkSamples])
		s.carry = s.carry[ChunkSamples:]

		pred, err := s.detector.Infer(frame)
		if err != nil {
			return nil, fmt.Errorf("vad: infer frame %d: %w", s.nextIdx, err)
		}

		s.chunks.PushBack(scoredChunk{index: s.nextIdx, data: frame, pred: pred})
		s.nextIdx++
	}

	now := s.cfg.now()
	if s.chunks.Len() == 0 {
		return nil, nil
	}
	if !s.lastEmit.IsZero() && now.Sub(s.lastEmit) < time.Duration(s.cfg.IntervalMs)*time.Millisecond {
		return nil, nil
	}
	s.lastEmit = now

	return s.emit(), nil
}

// Flush forces emission of whatever is currently buffered, bypassing the
// IntervalMs gate. Used by the realtime ticker (spec.md §4.H step 3,
// transpose_vad_cache) to surface low-latency partial captions from audio
// VAD has already accumulated but not yet emitted.
func (s *Segmenter) Flush() []Segment {
	if s.chunks.Len() == 0 {
		return nil
	}
	s.lastEmit = s.cfg.now()
	return s.emit()
}

func (s *Segmenter) emit() []Segment {
	first := s.chunks.Front().Value.(scoredChunk)
	last := s.chunks.Back().Value.(scoredChunk)

	chunkMs := s.cfg.chunkMs()
	startMs := uint32(float64(first.index) * chunkMs)
	endMs := uint32(float64(last.index) * chunkMs)

	speech := false
	for e := s.chunks.Front(); e != nil; e = e.Next() {
		if e.Value.(scoredChunk).pred >= s.cfg.SpeechThreshold {
			speech = true
			break
		}
	}

	if !speech {
		s.chunks.Init() // drain
		return []Segment{{StartMs: startMs, EndMs: endMs, Data: nil}}
	}

	data := s.concatData()

	if endMs-startMs > uint32(s.cfg.WindowMs) {
		s.slideSilenceArea()
	}

	return []Segment{{StartMs: startMs, EndMs: endMs, Data: data}}
}

func (s *Segmenter) concatData() []float32 {
	total := 0
	for e := s.chunks.Front(); e != nil; e = e.Next() {
		total += len(e.Value.(scoredChunk).data)
	}
	out := make([]float32, 0, total)
	for e := s.chunks.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(scoredChunk).data...)
	}
	return out
}

// slideSilenceArea implements the silence-area slide of spec.md §4.B: it
// convolves the probability series with a uniform kernel of length
// ceil(silence_ms / chunk_ms), picks the window with the lowest mean, and
// drops the deque front up to (and including) the end of that window. This
// bounds deque growth and starts the next emission at a plausible utterance
// boundary.
func (s *Segmenter) slideSilenceArea() {
	n := s.chunks.Len()
	preds := make([]float32, 0, n)
	for e := s.chunks.Front(); e != nil; e = e.Next() {
		preds = append(preds, e.Value.(scoredChunk).pred)
	}

	k := int((float64(s.cfg.SilenceDurationMs) + s.cfg.chunkMs() - 1) / s.cfg.chunkMs())
	if k < 1 {
		k = 1
	}
	if k >= n {
		// Kernel spans the whole buffer: leave the deque untouched rather
		// than sliding the entire thing away (matches the original
		// implementation's slide_to_silence_area guard).
		return
	}

	var windowSum float32
	for i := 0; i < k; i++ {
		windowSum += preds[i]
	}
	bestStart := 0
	bestMean := windowSum

	sum := windowSum
	for i := k; i < n; i++ {
		sum += preds[i] - preds[i-k]
		if sum < bestMean {
			bestMean = sum
			bestStart = i - k + 1
		}
	}

	drop := bestStart + k
	for i := 0; i < drop; i++ {
		s.chunks.Remove(s.chunks.Front())
	}
}
