// Package frontend declares the PCM-to-features boundary this codebase
// treats as external (spec.md §1 lists the fbank/CMVN frontend as out of
// scope for the core reimplementation). It supplies only the interface the
// runtime depends on plus the CMVN table loader, which is data plumbing
// rather than signal-processing math.
package frontend

import (
	"github.com/realtime-ai/transpose-engine/pkg/tensor"
)

// FeatureDim is the frontend's output feature width: 80 mel bins stacked 7
// wide (spec.md §4.C).
const FeatureDim = 80 * 7

// Frontend turns a segment's PCM samples into log-mel features with CMVN
// applied. The concrete fbank/windowing implementation lives outside this
// module; production wiring supplies it via an external collaborator that
// satisfies this interface.
type Frontend interface {
	// ExtractFeatures returns a rank-3 tensor shaped (1, T', FeatureDim).
	ExtractFeatures(pcm []float32) (*tensor.Tensor, error)
}

// CMVNTable holds the per-feature-dimension global mean/variance
// normalization shipped alongside a model as am.mvn.
type CMVNTable struct {
	Shift []float32
	Scale []float32
}

// Apply normalizes a single feature vector in place: (x + shift) * scale.
func (c *CMVNTable) Apply(feature []float32) {
	for i, v := range feature {
		feature[i] = (v + c.Shift[i]) * c.Scale[i]
	}
}

// ApplyTensor normalizes every row of a (1, T, FeatureDim) tensor in place.
func (c *CMVNTable) ApplyTensor(t *tensor.Tensor) {
	data := t.Data()
	for i := 0; i < len(data); i += FeatureDim {
		c.Apply(data[i : i+FeatureDim])
	}
}
