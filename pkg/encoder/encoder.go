package encoder

import (
	"fmt"
	"math"

	"github.com/realtime-ai/transpose-engine/pkg/tensor"
)

// Config fixes the SANM encoder's architecture per spec.md §4.D.
type Config struct {
	InputSize  int // 560
	OutputSize int // 512
	Heads      int // 4
	KernelSize int // 11
	SANMShift  int // 0
	NumBlocks  int // 50 (1 encoders0 + 49 encoders)
	TPBlocks   int // 20
}

func DefaultConfig() Config {
	return Config{
		InputSize:  560,
		OutputSize: 512,
		Heads:      4,
		KernelSize: 11,
		SANMShift:  0,
		NumBlocks:  50,
		TPBlocks:   20,
	}
}

// Encoder is the SANM transformer encoder: the encoders0 dimension-changing
// block, 49 full-residual base blocks (50 main blocks in all), a norm, 20
// TP blocks, and a final norm (spec.md §4.D).
type Encoder struct {
	cfg        Config
	encoders0  *Block
	encoders   []*Block
	tpEncoders []*Block
	afterNorm  *LayerNorm
	tpNorm     *LayerNorm
}

// New builds an Encoder from a flat weight map, reading parameters under
// the "encoder." key prefix used by the original checkpoint.
func New(cfg Config, w Weights) (*Encoder, error) {
	e0, err := NewBlock(w, "encoder.encoders0.0", cfg.InputSize, cfg.OutputSize, cfg.Heads, cfg.KernelSize, cfg.SANMShift)
	if err != nil {
		return nil, fmt.Errorf("encoder: encoders0: %w", err)
	}

	encoders := make([]*Block, cfg.NumBlocks-1)
	for i := range encoders {
		b, err := NewBlock(w, fmt.Sprintf("encoder.encoders.%d", i), cfg.OutputSize, cfg.OutputSize, cfg.Heads, cfg.KernelSize, cfg.SANMShift)
		if err != nil {
			return nil, fmt.Errorf("encoder: encoders[%d]: %w", i, err)
		}
		encoders[i] = b
	}

	tpEncoders := make([]*Block, cfg.TPBlocks)
	for i := range tpEncoders {
		b, err := NewBlock(w, fmt.Sprintf("encoder.tp_encoders.%d", i), cfg.OutputSize, cfg.OutputSize, cfg.Heads, cfg.KernelSize, cfg.SANMShift)
		if err != nil {
			return nil, fmt.Errorf("encoder: tp_encoders[%d]: %w", i, err)
		}
		tpEncoders[i] = b
	}

	afterNorm, err := NewLayerNorm(w, "encoder.after_norm", 1e-5)
	if err != nil {
		return nil, fmt.Errorf("encoder: after_norm: %w", err)
	}
	tpNorm, err := NewLayerNorm(w, "encoder.tp_norm", 1e-5)
	if err != nil {
		return nil, fmt.Errorf("encoder: tp_norm: %w", err)
	}

	return &Encoder{
		cfg:        cfg,
		encoders0:  e0,
		encoders:   encoders,
		tpEncoders: tpEncoders,
		afterNorm:  afterNorm,
		tpNorm:     tpNorm,
	}, nil
}

// Forward runs the full encoder stack over a (T, InputSize) input (the
// prompt-prepended feature sequence built by pkg/runtime) and returns a
// (T, OutputSize) tensor.
func (e *Encoder) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	x = x.Clone().Scale(float32(math.Sqrt(float64(e.cfg.OutputSize))))
	x = addPositionEncoding(x)

	var err error
	x, err = e.encoders0.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("encoder: encoders0 forward: %w", err)
	}

	for i, b := range e.encoders {
		x, err = b.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("encoder: encoders[%d] forward: %w", i, err)
		}
	}

	x = e.afterNorm.Forward(x)

	for i, b := range e.tpEncoders {
		x, err = b.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("encoder: tp_encoders[%d] forward: %w", i, err)
		}
	}

	return e.tpNorm.Forward(x), nil
}

func addPositionEncoding(x *tensor.Tensor) *tensor.Tensor {
	shape := x.Shape()
	steps, dim := shape[0], shape[1]
	table := sinusoidalPositionEncoding(steps, dim)

	data := x.Data()
	for t := 0; t < steps; t++ {
		row := table[t]
		for d := 0; d < dim; d++ {
			data[t*dim+d] += row[d]
		}
	}
	return x
}
