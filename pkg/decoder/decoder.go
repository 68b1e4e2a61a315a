// Package decoder implements the CTC projection and collapse state machine
// that turns encoder output into timestamped tokens (spec.md §4.E).
package decoder

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/realtime-ai/transpose-engine/pkg/tensor"
)

// subwordMarker is U+2581, FunASR/SentencePiece's leading-space glyph.
const subwordMarker = "▁"

// frameMs is the encoder's output frame duration, derived from fbank stride
// (10ms) times 6x subsampling.
const frameMs = 60

// centerOffsetMs left-shifts a frame timestamp to its perceptual center.
const centerOffsetMs = 30

// Token is one decoded piece of text with frame-derived timestamps.
type Token struct {
	Text    string
	StartMs uint32
	EndMs   uint32
}

// Decoder projects encoder output to vocabulary logits, log-softmaxes, and
// collapses the resulting id sequence into tokens.
type Decoder struct {
	vocab  []string
	weight *tensor.Tensor // (dModel, vocabSize)
	bias   []float32
}

// New builds a Decoder from the projection weights and a token table.
func New(weight *tensor.Tensor, bias []float32, vocab []string) (*Decoder, error) {
	if weight == nil {
		return nil, fmt.Errorf("decoder: nil projection weight")
	}
	shape := weight.Shape()
	if len(shape) != 2 || shape[1] != len(vocab) {
		return nil, fmt.Errorf("decoder: projection weight shape %v does not match vocab size %d", shape, len(vocab))
	}
	return &Decoder{vocab: vocab, weight: weight, bias: bias}, nil
}

// LoadVocab reads a JSON array of strings from path.
func LoadVocab(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("decoder: read token table %s: %w", path, err)
	}
	var vocab []string
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("decoder: parse token table %s: %w", path, err)
	}
	return vocab, nil
}

// Decode runs the CTC projection, log-softmax, argmax, and collapse over a
// (T, dModel) encoder output tensor. Timestamps are frame-local (see
// Runtime.Transpose, which offsets them by the segment's start).
func (d *Decoder) Decode(encoderOut *tensor.Tensor) ([]Token, error) {
	logits, err := tensor.MatMul(encoderOut, d.weight)
	if err != nil {
		return nil, fmt.Errorf("decoder: ctc projection: %w", err)
	}
	if d.bias != nil {
		logits.AddBiasRows(d.bias)
	}

	logProbs := tensor.LogSoftmaxLastAxis(logits)
	ids := argmaxRows(logProbs, len(d.vocab))

	return d.collapse(ids), nil
}

func argmaxRows(t *tensor.Tensor, vocabSize int) []int {
	data := t.Data()
	steps := len(data) / vocabSize
	ids := make([]int, steps)
	for i := 0; i < steps; i++ {
		row := data[i*vocabSize : (i+1)*vocabSize]
		best, bestVal := 0, row[0]
		for j, v := range row {
			if v > bestVal {
				best, bestVal = j, v
			}
		}
		ids[i] = best
	}
	return ids
}

// collapseState tracks whether the current run of non-blank ids (everything
// since the last blank, whatever the ids) has already produced a token, per
// the explicit state-machine requirement of spec.md §9
// ("avoid boolean flags buried in a loop").
type collapseState int

const (
	stateActive collapseState = iota
	stateSuppressed
)

func (d *Decoder) collapse(ids []int) []Token {
	var tokens []Token
	state := stateActive
	start := 0

	for i, id := range ids {
		if id == 0 { // CTC blank
			state = stateActive
			continue
		}
		if id < 0 || id >= len(d.vocab) {
			continue
		}
		raw := d.vocab[id]
		if strings.HasPrefix(raw, "<|") {
			continue // control token, never emitted, never affects collapse state
		}
		if state == stateSuppressed {
			continue // collapse repeated non-blank runs until the next blank
		}

		tokens = append(tokens, Token{
			Text:    strings.ReplaceAll(raw, subwordMarker, " "),
			StartMs: frameTimestamp(start),
			EndMs:   frameTimestamp(i),
		})
		start = i
		state = stateSuppressed
	}

	return tokens
}

func frameTimestamp(frameIndex int) uint32 {
	ms := frameIndex*frameMs - centerOffsetMs
	if ms < 0 {
		return 0
	}
	return uint32(ms)
}
