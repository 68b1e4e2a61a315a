// Package encoder implements the SANM transformer encoder stack: 50 base
// blocks followed by 20 TP blocks, per spec.md §4.D.
package encoder

import (
	"fmt"

	"github.com/realtime-ai/transpose-engine/pkg/tensor"
)

// Weights is a flat parameter store keyed by the original checkpoint's
// dotted names (e.g. "encoder.encoders0.0.self_attn.linear_q_k_v.weight").
// pkg/runtime populates it from the pickle-loaded state dict; encoder.New
// slices it into each block's fields.
type Weights map[string]*tensor.Tensor

func (w Weights) get(name string) (*tensor.Tensor, error) {
	t, ok := w[name]
	if !ok {
		return nil, fmt.Errorf("encoder: missing weight %q", name)
	}
	return t, nil
}

// Get looks up a weight by its dotted checkpoint name. Exported for callers
// outside this package (pkg/runtime) that need weights not owned by any
// encoder block, such as the CTC projection.
func (w Weights) Get(name string) (*tensor.Tensor, error) {
	return w.get(name)
}
