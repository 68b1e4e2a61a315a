package runtime

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/transpose-engine/pkg/tensor"
)

func TestRequiredFilesListsExpectedAssets(t *testing.T) {
	files := RequiredFiles("/models/sensevoice")
	assert.Contains(t, files, filepath.Join("/models/sensevoice", "model.pt"))
	assert.Contains(t, files, filepath.Join("/models/sensevoice", "tokens.json"))
	assert.Contains(t, files, filepath.Join("/models/sensevoice", "am.mvn"))
}

func TestBuildPromptedInputPrependsFourPromptRows(t *testing.T) {
	r := &Runtime{
		embedTable: make([][]float32, numEmbeddings),
	}
	for i := range r.embedTable {
		row := make([]float32, embedDim)
		for d := range row {
			row[d] = float32(i)
		}
		r.embedTable[i] = row
	}

	const seqLen = 3
	features, err := tensor.New([]int{seqLen, embedDim}, make([]float32, seqLen*embedDim))
	require.NoError(t, err)

	out, err := r.buildPromptedInput(features)
	require.NoError(t, err)
	assert.Equal(t, []int{4 + seqLen, embedDim}, out.Shape())

	// First row should be the language embedding (id 0): all zeros.
	assert.Equal(t, make([]float32, embedDim), out.Data()[0:embedDim])
	// Last feature row (originally zero) should still be zero, confirming
	// the feature block was appended untouched after the four prompt rows.
	lastRow := out.Data()[(4+seqLen-1)*embedDim : (4+seqLen)*embedDim]
	assert.Equal(t, make([]float32, embedDim), lastRow)
}

func TestTokensFromSegmentsReturnsNilForNoSegments(t *testing.T) {
	r := &Runtime{}
	out, err := r.tokensFromSegments(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRefreshNoopWhenNothingChanges(t *testing.T) {
	cfg := Config{VADEnabled: false, Resample: nil}

	r := &Runtime{cfg: cfg}
	err := r.Refresh(cfg, cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, r.resampler)
	assert.Nil(t, r.segmenter)
}

func TestRefreshIsNoopWhenResampleConfigIsIdentical(t *testing.T) {
	cfg := Config{Resample: &ResampleConfig{FromHz: 48000, ToHz: 16000}}

	r := &Runtime{cfg: cfg}
	err := r.Refresh(cfg, cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, r.resampler, "resampler should only be (re)built when the config actually changes")
}
