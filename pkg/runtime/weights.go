package runtime

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"

	"github.com/realtime-ai/transpose-engine/pkg/encoder"
	"github.com/realtime-ai/transpose-engine/pkg/tensor"
)

// embedDim is the prompt/feature embedding width (spec.md §3, "Prompt
// Embeddings").
const embedDim = 560

// numEmbeddings matches the original checkpoint's embedding table size:
// 7 base entries + 7 language-id entries + 2 text-norm entries.
const numEmbeddings = 16

// loadWeights reads a PyTorch pickle state dict (model.pt) into a flat
// parameter map plus the prompt embedding table. GGUF checkpoints are
// recognized by extension and rejected outright: no GGUF reader exists
// anywhere this codebase is grounded on, so quantized weights are an
// explicit unsupported-format error rather than a half-built reader.
func loadWeights(path string) (encoder.Weights, [][]float32, error) {
	if strings.EqualFold(filepath.Ext(path), ".gguf") {
		return nil, nil, fmt.Errorf("runtime: gguf weights not supported by this build (%s)", path)
	}

	result, err := pytorch.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("runtime: load weight file %s: %w", path, err)
	}

	dict, ok := result.(*pytorch.OrderedDict)
	if !ok {
		return nil, nil, fmt.Errorf("runtime: weight file %s did not decode to a state dict (got %T)", path, result)
	}

	weights := encoder.Weights{}
	var embedTable [][]float32

	for _, key := range dict.Keys {
		raw, _ := dict.Get(key)
		pt, ok := raw.(*pytorch.Tensor)
		if !ok {
			continue
		}

		data, err := floatStorageData(pt)
		if err != nil {
			return nil, nil, fmt.Errorf("runtime: weight %q: %w", key, err)
		}

		if key == "embed.weight" {
			embedTable = reshapeRows(data, numEmbeddings, embedDim)
			continue
		}

		shape := make([]int, len(pt.Size))
		for i, s := range pt.Size {
			shape[i] = s
		}
		t, err := tensor.New(shape, data)
		if err != nil {
			return nil, nil, fmt.Errorf("runtime: weight %q: %w", key, err)
		}
		weights[key] = t
	}

	if embedTable == nil {
		return nil, nil, fmt.Errorf("runtime: weight file %s missing embed.weight", path)
	}

	return weights, embedTable, nil
}

func floatStorageData(t *pytorch.Tensor) ([]float32, error) {
	storage, ok := t.Source.(*pytorch.FloatStorage)
	if !ok {
		return nil, fmt.Errorf("unsupported storage type %T (expected float32)", t.Source)
	}

	n := 1
	for _, s := range t.Size {
		n *= s
	}
	out := storage.Data[t.StorageOffset : t.StorageOffset+int64(n)]
	return out, nil
}

func reshapeRows(flat []float32, rows, cols int) [][]float32 {
	out := make([][]float32, rows)
	for r := 0; r < rows; r++ {
		out[r] = flat[r*cols : (r+1)*cols]
	}
	return out
}
