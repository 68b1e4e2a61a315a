package encoder

import (
	"fmt"

	"github.com/realtime-ai/transpose-engine/pkg/tensor"
)

// FFN is the position-wise feed-forward network: linear -> relu -> linear.
// Dropout is a no-op at inference, per spec.md §4.D.
type FFN struct {
	w1, w2 *tensor.Tensor
	b1, b2 []float32
}

func NewFFN(w Weights, prefix string) (*FFN, error) {
	w1, err := w.get(prefix + ".w_1.weight")
	if err != nil {
		return nil, err
	}
	b1, err := w.get(prefix + ".w_1.bias")
	if err != nil {
		return nil, err
	}
	w2, err := w.get(prefix + ".w_2.weight")
	if err != nil {
		return nil, err
	}
	b2, err := w.get(prefix + ".w_2.bias")
	if err != nil {
		return nil, err
	}
	return &FFN{w1: w1, w2: w2, b1: b1.Data(), b2: b2.Data()}, nil
}

func (f *FFN) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	hidden, err := tensor.MatMul(x, f.w1)
	if err != nil {
		return nil, fmt.Errorf("encoder: ffn first linear: %w", err)
	}
	hidden.AddBiasRows(f.b1).ReLU()

	out, err := tensor.MatMul(hidden, f.w2)
	if err != nil {
		return nil, fmt.Errorf("encoder: ffn second linear: %w", err)
	}
	out.AddBiasRows(f.b2)
	return out, nil
}
