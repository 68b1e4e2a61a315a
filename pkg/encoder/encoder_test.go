package encoder

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/transpose-engine/pkg/tensor"
)

// tinyConfig builds a small architecture (1 encoders0 + 1 encoders + 1
// tp_encoders block) so tests exercise real shapes without the full 70-block
// stack.
func tinyConfig() Config {
	return Config{
		InputSize:  6,
		OutputSize: 4,
		Heads:      2,
		KernelSize: 3,
		SANMShift:  0,
		NumBlocks:  2,
		TPBlocks:   1,
	}
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func identityLike(rows, cols int) []float32 {
	out := make([]float32, rows*cols)
	for i := 0; i < rows && i < cols; i++ {
		out[i*cols+i] = 1
	}
	return out
}

func buildAttnWeights(w Weights, prefix string, inSize, outSize, kernelSize int) {
	w[prefix+".self_attn.linear_q_k_v.weight"] = must(tensor.New([]int{inSize, 3 * outSize}, identityQKV(inSize, outSize)))
	w[prefix+".self_attn.linear_q_k_v.bias"] = must(tensor.New([]int{3 * outSize}, make([]float32, 3*outSize)))
	w[prefix+".self_attn.linear_out.weight"] = must(tensor.New([]int{outSize, outSize}, identityLike(outSize, outSize)))
	w[prefix+".self_attn.linear_out.bias"] = must(tensor.New([]int{outSize}, make([]float32, outSize)))
	w[prefix+".self_attn.fsmn_block.weight"] = must(tensor.New([]int{outSize, kernelSize}, make([]float32, outSize*kernelSize)))
	w[prefix+".feed_forward.w_1.weight"] = must(tensor.New([]int{outSize, outSize}, identityLike(outSize, outSize)))
	w[prefix+".feed_forward.w_1.bias"] = must(tensor.New([]int{outSize}, make([]float32, outSize)))
	w[prefix+".feed_forward.w_2.weight"] = must(tensor.New([]int{outSize, outSize}, identityLike(outSize, outSize)))
	w[prefix+".feed_forward.w_2.bias"] = must(tensor.New([]int{outSize}, make([]float32, outSize)))
	w[prefix+".norm1.weight"] = must(tensor.New([]int{inSize}, ones(inSize)))
	w[prefix+".norm1.bias"] = must(tensor.New([]int{inSize}, make([]float32, inSize)))
	w[prefix+".norm2.weight"] = must(tensor.New([]int{outSize}, ones(outSize)))
	w[prefix+".norm2.bias"] = must(tensor.New([]int{outSize}, make([]float32, outSize)))
}

// identityQKV builds a (inSize, 3*outSize) weight whose Q chunk is an
// identity-like projection and whose K/V chunks are zero, so attention
// reduces to a near-deterministic pass-through for shape testing.
func identityQKV(inSize, outSize int) []float32 {
	out := make([]float32, inSize*3*outSize)
	for i := 0; i < inSize && i < outSize; i++ {
		out[i*3*outSize+i] = 1 // Q chunk
	}
	return out
}

func must(t *tensor.Tensor, err error) *tensor.Tensor {
	if err != nil {
		panic(err)
	}
	return t
}

func buildTinyWeights(cfg Config) Weights {
	w := Weights{}
	buildAttnWeights(w, "encoder.encoders0.0", cfg.InputSize, cfg.OutputSize, cfg.KernelSize)
	for i := 0; i < cfg.NumBlocks-1; i++ {
		buildAttnWeights(w, fmt.Sprintf("encoder.encoders.%d", i), cfg.OutputSize, cfg.OutputSize, cfg.KernelSize)
	}
	for i := 0; i < cfg.TPBlocks; i++ {
		buildAttnWeights(w, fmt.Sprintf("encoder.tp_encoders.%d", i), cfg.OutputSize, cfg.OutputSize, cfg.KernelSize)
	}
	w["encoder.after_norm.weight"] = must(tensor.New([]int{cfg.OutputSize}, ones(cfg.OutputSize)))
	w["encoder.after_norm.bias"] = must(tensor.New([]int{cfg.OutputSize}, make([]float32, cfg.OutputSize)))
	w["encoder.tp_norm.weight"] = must(tensor.New([]int{cfg.OutputSize}, ones(cfg.OutputSize)))
	w["encoder.tp_norm.bias"] = must(tensor.New([]int{cfg.OutputSize}, make([]float32, cfg.OutputSize)))
	return w
}

func TestEncoderForwardProducesExpectedOutputShape(t *testing.T) {
	cfg := tinyConfig()
	w := buildTinyWeights(cfg)

	enc, err := New(cfg, w)
	require.NoError(t, err)

	const seqLen = 5
	input := must(tensor.New([]int{seqLen, cfg.InputSize}, make([]float32, seqLen*cfg.InputSize)))

	out, err := enc.Forward(input)
	require.NoError(t, err)
	assert.Equal(t, []int{seqLen, cfg.OutputSize}, out.Shape())
}

func TestNewRejectsMissingWeights(t *testing.T) {
	cfg := tinyConfig()
	_, err := New(cfg, Weights{})
	assert.Error(t, err)
}

func TestSinusoidalPositionEncodingIsDeterministic(t *testing.T) {
	a := sinusoidalPositionEncoding(4, 8)
	b := sinusoidalPositionEncoding(4, 8)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a[0], a[1])
}
