package encoder

import (
	"fmt"
	"math"

	"github.com/realtime-ai/transpose-engine/pkg/tensor"
)

// Attention is MultiHeadedAttentionSANM: standard scaled dot-product
// attention over H heads, plus an FSMN depth-wise convolution branch fed by
// V whose output is added to the attention output (spec.md §4.D).
type Attention struct {
	dModel int
	heads  int
	dK     int

	qkvWeight *tensor.Tensor // (dModel, 3*dModel)
	qkvBias   []float32      // 3*dModel
	outWeight *tensor.Tensor // (dModel, dModel)
	outBias   []float32

	fsmnKernel [][]float32 // dModel rows, kernel-size cols
	fsmnShift  int
}

// NewAttention builds an Attention block from the checkpoint's weights for
// block name prefix (e.g. "encoder.encoders.3").
func NewAttention(w Weights, prefix string, dModel, heads, kernelSize, fsmnShift int) (*Attention, error) {
	qkv, err := w.get(prefix + ".self_attn.linear_q_k_v.weight")
	if err != nil {
		return nil, err
	}
	qkvBiasT, err := w.get(prefix + ".self_attn.linear_q_k_v.bias")
	if err != nil {
		return nil, err
	}
	out, err := w.get(prefix + ".self_attn.linear_out.weight")
	if err != nil {
		return nil, err
	}
	outBiasT, err := w.get(prefix + ".self_attn.linear_out.bias")
	if err != nil {
		return nil, err
	}
	fsmnW, err := w.get(prefix + ".self_attn.fsmn_block.weight")
	if err != nil {
		return nil, err
	}

	if dModel%heads != 0 {
		return nil, fmt.Errorf("encoder: d_model %d not divisible by heads %d", dModel, heads)
	}

	kernel := make([][]float32, dModel)
	fd := fsmnW.Data()
	for c := 0; c < dModel; c++ {
		kernel[c] = append([]float32(nil), fd[c*kernelSize:(c+1)*kernelSize]...)
	}

	return &Attention{
		dModel:     dModel,
		heads:      heads,
		dK:         dModel / heads,
		qkvWeight:  qkv,
		qkvBias:    qkvBiasT.Data(),
		outWeight:  out,
		outBias:    outBiasT.Data(),
		fsmnKernel: kernel,
		fsmnShift:  fsmnShift,
	}, nil
}

// Forward runs self-attention plus the FSMN memory branch over a (T, dModel)
// input and returns a (T, dModel) output.
func (a *Attention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	qkv, err := tensor.MatMul(x, a.qkvWeight)
	if err != nil {
		return nil, fmt.Errorf("encoder: qkv projection: %w", err)
	}
	qkv.AddBiasRows(a.qkvBias)

	q, err := qkv.SliceCols(0, a.dModel)
	if err != nil {
		return nil, err
	}
	k, err := qkv.SliceCols(a.dModel, 2*a.dModel)
	if err != nil {
		return nil, err
	}
	v, err := qkv.SliceCols(2*a.dModel, 3*a.dModel)
	if err != nil {
		return nil, err
	}

	vRows := toRows(v)
	fsmnOut := fsmnConv(vRows, a.fsmnKernel, a.fsmnShift)
	fsmnMemory := fromRows(fsmnOut)

	attnOut, err := a.multiHead(q, k, v)
	if err != nil {
		return nil, err
	}

	proj, err := tensor.MatMul(attnOut, a.outWeight)
	if err != nil {
		return nil, fmt.Errorf("encoder: out projection: %w", err)
	}
	proj.AddBiasRows(a.outBias)

	return tensor.Add(proj, fsmnMemory)
}

func (a *Attention) multiHead(q, k, v *tensor.Tensor) (*tensor.Tensor, error) {
	scale := float32(1.0 / math.Sqrt(float64(a.dK)))
	heads := make([]*tensor.Tensor, a.heads)

	for h := 0; h < a.heads; h++ {
		from, to := h*a.dK, (h+1)*a.dK
		qh, err := q.SliceCols(from, to)
		if err != nil {
			return nil, err
		}
		kh, err := k.SliceCols(from, to)
		if err != nil {
			return nil, err
		}
		vh, err := v.SliceCols(from, to)
		if err != nil {
			return nil, err
		}

		qh.Scale(scale)
		khT, err := kh.Transpose()
		if err != nil {
			return nil, err
		}
		scores, err := tensor.MatMul(qh, khT)
		if err != nil {
			return nil, fmt.Errorf("encoder: attention scores head %d: %w", h, err)
		}
		weights := tensor.SoftmaxLastAxis(scores)

		headOut, err := tensor.MatMul(weights, vh)
		if err != nil {
			return nil, fmt.Errorf("encoder: attention*V head %d: %w", h, err)
		}
		heads[h] = headOut
	}

	return tensor.ConcatCols(heads...)
}

func toRows(t *tensor.Tensor) [][]float32 {
	shape := t.Shape()
	rows, cols := shape[0], shape[1]
	data := t.Data()
	out := make([][]float32, rows)
	for r := 0; r < rows; r++ {
		out[r] = data[r*cols : (r+1)*cols]
	}
	return out
}

func fromRows(rows [][]float32) *tensor.Tensor {
	if len(rows) == 0 {
		t, _ := tensor.New([]int{0, 0}, nil)
		return t
	}
	cols := len(rows[0])
	data := make([]float32, len(rows)*cols)
	for r, row := range rows {
		copy(data[r*cols:], row)
	}
	t, _ := tensor.New([]int{len(rows), cols}, data)
	return t
}
