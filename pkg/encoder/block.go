package encoder

import (
	"fmt"

	"github.com/realtime-ai/transpose-engine/pkg/tensor"
)

// Block is one EncoderLayerSANM: norm -> self_attn -> residual -> norm ->
// FFN -> residual (spec.md §4.D). When inSize != outSize (the single
// encoders0 block) the first residual add is skipped entirely — the
// attention's q/k/v projection (inSize -> 3*outSize) is what carries the
// dimension change.
type Block struct {
	inSize, outSize int
	attn            *Attention
	ffn             *FFN
	norm1, norm2    *LayerNorm
}

func NewBlock(w Weights, prefix string, inSize, outSize, heads, kernelSize, fsmnShift int) (*Block, error) {
	attn, err := NewAttention(w, prefix, outSize, heads, kernelSize, fsmnShift)
	if err != nil {
		return nil, fmt.Errorf("encoder: block %s attention: %w", prefix, err)
	}
	ffn, err := NewFFN(w, prefix+".feed_forward")
	if err != nil {
		return nil, fmt.Errorf("encoder: block %s ffn: %w", prefix, err)
	}
	norm1, err := NewLayerNorm(w, prefix+".norm1", 1e-5)
	if err != nil {
		return nil, fmt.Errorf("encoder: block %s norm1: %w", prefix, err)
	}
	norm2, err := NewLayerNorm(w, prefix+".norm2", 1e-5)
	if err != nil {
		return nil, fmt.Errorf("encoder: block %s norm2: %w", prefix, err)
	}

	return &Block{
		inSize:  inSize,
		outSize: outSize,
		attn:    attn,
		ffn:     ffn,
		norm1:   norm1,
		norm2:   norm2,
	}, nil
}

// Forward runs the block over a (T, inSize) input and returns a
// (T, outSize) output.
func (b *Block) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	normed := b.norm1.Forward(x)

	attnOut, err := b.attn.Forward(normed)
	if err != nil {
		return nil, fmt.Errorf("encoder: block self-attn: %w", err)
	}

	var x1 *tensor.Tensor
	if b.inSize == b.outSize {
		x1, err = tensor.Add(x, attnOut)
		if err != nil {
			return nil, err
		}
	} else {
		x1 = attnOut
	}

	normed2 := b.norm2.Forward(x1)
	ffOut, err := b.ffn.Forward(normed2)
	if err != nil {
		return nil, fmt.Errorf("encoder: block ffn: %w", err)
	}

	return tensor.Add(x1, ffOut)
}
