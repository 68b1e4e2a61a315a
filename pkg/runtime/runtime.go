// Package runtime glues the VAD segmenter, frontend, encoder, and decoder
// into the single `transpose(pcm) -> []Token` operation the transcription
// service drives (spec.md §4.F).
package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/realtime-ai/transpose-engine/pkg/audio"
	"github.com/realtime-ai/transpose-engine/pkg/decoder"
	"github.com/realtime-ai/transpose-engine/pkg/encoder"
	"github.com/realtime-ai/transpose-engine/pkg/frontend"
	"github.com/realtime-ai/transpose-engine/pkg/tensor"
	sttrace "github.com/realtime-ai/transpose-engine/pkg/trace"
	"github.com/realtime-ai/transpose-engine/pkg/vad"
)

// Prompt embedding table row indices (spec.md §3, "Prompt Embeddings";
// mirrors the original checkpoint's fixed lookups).
const (
	languageIDDefault  = 0
	eventEmoID1        = 1
	eventEmoID2        = 2
	textNormModeNormal = 15
)

// Config names the on-disk assets and feature toggles a Runtime is built
// from, mirroring TransposeConfig.model in spec.md §3.
type Config struct {
	ModelDir string
	UseGPU   bool

	VADEnabled bool
	VAD        vad.Config

	// Resample, when non-nil, resamples incoming PCM from From to To Hz
	// before VAD/feature extraction (spec.md §4.F step 1).
	Resample *ResampleConfig
}

type ResampleConfig struct {
	FromHz int
	ToHz   int
}

// RequiredFiles lists the on-disk assets a Runtime needs, used by
// pkg/service to verify presence before attempting a reload (spec.md §4.H,
// "verify all required files exist on disk").
func RequiredFiles(modelDir string) []string {
	return []string{
		filepath.Join(modelDir, "model.pt"),
		filepath.Join(modelDir, "tokens.json"),
		filepath.Join(modelDir, "am.mvn"),
	}
}

// Runtime is a fully constructed inference pipeline: optional resampler,
// optional VAD segmenter, CMVN-applying frontend, encoder, and decoder.
type Runtime struct {
	cfg Config

	resampler *audio.Resample
	segmenter *vad.Segmenter

	frontend frontend.Frontend
	cmvn     *frontend.CMVNTable

	encoder *encoder.Encoder
	decoder *decoder.Decoder

	embedTable   [][]float32
	devicePolicy tensor.DevicePolicy
}

// New loads weights, tokens, and the CMVN table from cfg.ModelDir and
// builds a Runtime. Construction fails if any required file is missing or
// malformed (spec.md §4.F, "Failure").
func New(cfg Config, fe frontend.Frontend, detector vad.DetectorInterface) (*Runtime, error) {
	for _, f := range RequiredFiles(cfg.ModelDir) {
		if _, err := os.Stat(f); err != nil {
			return nil, fmt.Errorf("runtime: missing required file %s: %w", f, err)
		}
	}

	weights, embedTable, err := loadWeights(filepath.Join(cfg.ModelDir, "model.pt"))
	if err != nil {
		return nil, err
	}

	vocab, err := decoder.LoadVocab(filepath.Join(cfg.ModelDir, "tokens.json"))
	if err != nil {
		return nil, err
	}

	cmvn, err := frontend.LoadCMVNTable(filepath.Join(cfg.ModelDir, "am.mvn"))
	if err != nil {
		return nil, err
	}

	enc, err := encoder.New(encoder.DefaultConfig(), weights)
	if err != nil {
		return nil, fmt.Errorf("runtime: build encoder: %w", err)
	}

	ctcWeight, err := weights.Get("ctc_lo.weight")
	if err != nil {
		return nil, fmt.Errorf("runtime: build decoder: %w", err)
	}
	ctcBiasT, err := weights.Get("ctc_lo.bias")
	if err != nil {
		return nil, fmt.Errorf("runtime: build decoder: %w", err)
	}
	dec, err := decoder.New(ctcWeight, ctcBiasT.Data(), vocab)
	if err != nil {
		return nil, fmt.Errorf("runtime: build decoder: %w", err)
	}

	devicePolicy := tensor.DefaultDevicePolicy()
	if cfg.UseGPU {
		log.Printf("[runtime] gpu requested but no accelerator backend is wired in this build; attention/linear ops stay on %s, fsmn conv stays on %s", devicePolicy.Resolve(tensor.OpAttention), devicePolicy.Resolve(tensor.OpFSMNConv))
	}

	var resampler *audio.Resample
	if cfg.Resample != nil {
		resampler, err = audio.NewResample(cfg.Resample.FromHz, cfg.Resample.ToHz)
		if err != nil {
			return nil, fmt.Errorf("runtime: build resampler: %w", err)
		}
	}

	var segmenter *vad.Segmenter
	if cfg.VADEnabled {
		segmenter, err = vad.NewSegmenter(cfg.VAD, detector)
		if err != nil {
			return nil, fmt.Errorf("runtime: build vad segmenter: %w", err)
		}
	}

	return &Runtime{
		cfg:          cfg,
		resampler:    resampler,
		segmenter:    segmenter,
		frontend:     fe,
		cmvn:         cmvn,
		encoder:      enc,
		decoder:      dec,
		embedTable:   embedTable,
		devicePolicy: devicePolicy,
	}, nil
}

// Transpose runs one PCM chunk through resample -> VAD -> frontend ->
// encoder -> decoder, per spec.md §4.F.
func (r *Runtime) Transpose(ctx context.Context, pcm []float32) ([]decoder.Token, error) {
	if r.resampler != nil {
		resampled, err := r.resampler.Resample(pcm)
		if err != nil {
			return nil, fmt.Errorf("runtime: resample: %w", err)
		}
		pcm = resampled
	}

	if r.segmenter == nil {
		tokens, err := r.processSegment(ctx, pcm)
		if err != nil {
			return nil, err
		}
		return tokens, nil
	}

	var segments []vad.Segment
	err := sttrace.InstrumentSegment(ctx, len(pcm), func(context.Context) error {
		var segErr error
		segments, segErr = r.segmenter.Process(pcm)
		return segErr
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: vad: %w", err)
	}
	return r.tokensFromSegments(ctx, segments)
}

// TransposeVADCache flushes whatever VAD has already buffered, without
// waiting for a new PCM chunk (spec.md §4.H step 3, the realtime tick's
// low-latency partial-caption path).
func (r *Runtime) TransposeVADCache(ctx context.Context) ([]decoder.Token, error) {
	if r.segmenter == nil {
		return nil, nil
	}
	return r.tokensFromSegments(ctx, r.segmenter.Flush())
}

func (r *Runtime) tokensFromSegments(ctx context.Context, segments []vad.Segment) ([]decoder.Token, error) {
	var out []decoder.Token
	for _, seg := range segments {
		if !seg.HasSpeech() {
			out = append(out, decoder.Token{StartMs: seg.StartMs, EndMs: seg.EndMs})
			continue
		}

		tokens, err := r.processSegment(ctx, seg.Data)
		if err != nil {
			return nil, fmt.Errorf("runtime: process segment: %w", err)
		}
		for i := range tokens {
			tokens[i].StartMs += seg.StartMs
			tokens[i].EndMs += seg.StartMs
		}
		out = append(out, tokens...)
	}
	return out, nil
}

func (r *Runtime) processSegment(ctx context.Context, pcm []float32) ([]decoder.Token, error) {
	features, err := r.frontend.ExtractFeatures(pcm)
	if err != nil {
		return nil, fmt.Errorf("runtime: extract features: %w", err)
	}
	r.cmvn.ApplyTensor(features)

	input, err := r.buildPromptedInput(features)
	if err != nil {
		return nil, err
	}

	var encoderOut *tensor.Tensor
	err = sttrace.InstrumentEncode(ctx, input.Shape()[0], func(context.Context) error {
		var encErr error
		encoderOut, encErr = r.encoder.Forward(input)
		return encErr
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: encoder forward: %w", err)
	}

	var tokens []decoder.Token
	err = sttrace.InstrumentDecode(ctx, func(context.Context) (int, error) {
		var decErr error
		tokens, decErr = r.decoder.Decode(encoderOut)
		return len(tokens), decErr
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// buildPromptedInput concatenates the language/event-emotion/text-norm
// prompt embeddings ahead of the feature sequence, per spec.md §4.F step 3.
func (r *Runtime) buildPromptedInput(features *tensor.Tensor) (*tensor.Tensor, error) {
	shape := features.Shape()
	if len(shape) == 3 {
		var err error
		features, err = features.Reshape(shape[1], shape[2])
		if err != nil {
			return nil, err
		}
	}

	language := r.embedRow(languageIDDefault)
	eventEmo1 := r.embedRow(eventEmoID1)
	eventEmo2 := r.embedRow(eventEmoID2)
	textNorm := r.embedRow(textNormModeNormal)

	dim := len(language)
	prompt, err := tensor.New([]int{4, dim}, concatRows(language, eventEmo1, eventEmo2, textNorm))
	if err != nil {
		return nil, fmt.Errorf("runtime: build prompt: %w", err)
	}

	rowsA := toRowTensor(prompt)
	rowsB := toRowTensor(features)
	return tensor.New(
		[]int{rowsA.Shape()[0] + rowsB.Shape()[0], dim},
		append(append([]float32{}, rowsA.Data()...), rowsB.Data()...),
	)
}

func (r *Runtime) embedRow(id int) []float32 {
	row := r.embedTable[id]
	out := make([]float32, len(row))
	copy(out, row)
	return out
}

func concatRows(rows ...[]float32) []float32 {
	out := make([]float32, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}

func toRowTensor(t *tensor.Tensor) *tensor.Tensor {
	shape := t.Shape()
	if len(shape) == 2 {
		return t
	}
	reshaped, _ := t.Reshape(shape[len(shape)-2], shape[len(shape)-1])
	return reshaped
}

// Refresh re-enables/disables VAD or the resampler without reloading
// weights, per spec.md §4.F. Callers (pkg/service) are responsible for
// deciding when a full reload is required instead (model_dir/use_gpu
// changes).
func (r *Runtime) Refresh(newCfg, oldCfg Config, detector vad.DetectorInterface) error {
	if newCfg.VADEnabled != oldCfg.VADEnabled {
		if newCfg.VADEnabled {
			seg, err := vad.NewSegmenter(newCfg.VAD, detector)
			if err != nil {
				return fmt.Errorf("runtime: refresh vad: %w", err)
			}
			r.segmenter = seg
		} else {
			r.segmenter = nil
		}
	}

	resampleChanged := (newCfg.Resample == nil) != (oldCfg.Resample == nil)
	if !resampleChanged && newCfg.Resample != nil && oldCfg.Resample != nil {
		resampleChanged = *newCfg.Resample != *oldCfg.Resample
	}
	if resampleChanged {
		if r.resampler != nil {
			r.resampler.Free()
			r.resampler = nil
		}
		if newCfg.Resample != nil {
			resampler, err := audio.NewResample(newCfg.Resample.FromHz, newCfg.Resample.ToHz)
			if err != nil {
				return fmt.Errorf("runtime: refresh resampler: %w", err)
			}
			r.resampler = resampler
		}
	}

	r.cfg = newCfg
	return nil
}

// Close releases the runtime's resampler resources.
func (r *Runtime) Close() {
	if r.resampler != nil {
		r.resampler.Free()
	}
}
