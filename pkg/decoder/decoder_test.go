package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/transpose-engine/pkg/tensor"
)

var testVocab = []string{"<blank>", "▁hello", "world", "<|en|>"}

func logitsFor(ids []int, vocabSize int) *tensor.Tensor {
	data := make([]float32, len(ids)*vocabSize)
	for i, id := range ids {
		for v := 0; v < vocabSize; v++ {
			if v == id {
				data[i*vocabSize+v] = 10
			} else {
				data[i*vocabSize+v] = -10
			}
		}
	}
	t, _ := tensor.New([]int{len(ids), vocabSize}, data)
	return t
}

func TestCollapseEmitsOncePerNonBlankRun(t *testing.T) {
	d := &Decoder{vocab: testVocab}
	ids := []int{0, 1, 1, 0, 2, 2, 2, 0}
	tokens := d.collapse(ids)

	require.Len(t, tokens, 2)
	assert.Equal(t, " hello", tokens[0].Text)
	assert.Equal(t, "world", tokens[1].Text)
}

func TestCollapseSkipsControlTokensWithoutAffectingState(t *testing.T) {
	d := &Decoder{vocab: testVocab}
	ids := []int{3, 0, 1, 3, 1}
	tokens := d.collapse(ids)

	require.Len(t, tokens, 1)
	assert.Equal(t, " hello", tokens[0].Text)
}

func TestFrameTimestampClampsAtZero(t *testing.T) {
	assert.Equal(t, uint32(0), frameTimestamp(0))
	assert.Equal(t, uint32(30), frameTimestamp(1))
	assert.Equal(t, uint32(90), frameTimestamp(2))
}

func TestDecodeEndToEnd(t *testing.T) {
	vocabSize := len(testVocab)
	weight, err := tensor.New([]int{vocabSize, vocabSize}, identity(vocabSize))
	require.NoError(t, err)

	d, err := New(weight, nil, testVocab)
	require.NoError(t, err)

	encoderOut := logitsFor([]int{0, 1, 0, 2, 0}, vocabSize)
	tokens, err := d.Decode(encoderOut)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, " hello", tokens[0].Text)
	assert.Equal(t, "world", tokens[1].Text)
}

func identity(n int) []float32 {
	out := make([]float32, n*n)
	for i := 0; i < n; i++ {
		out[i*n+i] = 1
	}
	return out
}

func TestNewRejectsVocabSizeMismatch(t *testing.T) {
	weight, err := tensor.New([]int{4, 3}, make([]float32, 12))
	require.NoError(t, err)
	_, err = New(weight, nil, testVocab)
	assert.Error(t, err)
}
