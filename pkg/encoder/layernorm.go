package encoder

import (
	"math"

	"github.com/realtime-ai/transpose-engine/pkg/tensor"
)

// LayerNorm normalizes each row of a (T, D) tensor to zero mean/unit
// variance, then applies a learned per-dimension scale and shift.
type LayerNorm struct {
	Gamma []float32
	Beta  []float32
	Eps   float32
}

func NewLayerNorm(w Weights, prefix string, eps float32) (*LayerNorm, error) {
	gamma, err := w.get(prefix + ".weight")
	if err != nil {
		return nil, err
	}
	beta, err := w.get(prefix + ".bias")
	if err != nil {
		return nil, err
	}
	return &LayerNorm{Gamma: gamma.Data(), Beta: beta.Data(), Eps: eps}, nil
}

// Forward returns a new tensor with the layer norm applied.
func (ln *LayerNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	out := x.Clone()
	shape := out.Shape()
	d := shape[len(shape)-1]
	data := out.Data()

	for i := 0; i < len(data); i += d {
		row := data[i : i+d]

		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(d)

		var variance float32
		for _, v := range row {
			diff := v - mean
			variance += diff * diff
		}
		variance /= float32(d)

		invStd := float32(1.0 / math.Sqrt(float64(variance)+float64(ln.Eps)))
		for j, v := range row {
			row[j] = (v-mean)*invStd*ln.Gamma[j] + ln.Beta[j]
		}
	}

	return out
}
