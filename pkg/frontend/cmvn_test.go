package frontend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestCMVNDoc(t *testing.T) string {
	t.Helper()
	shift := make([]string, FeatureDim)
	scale := make([]string, FeatureDim)
	for i := range shift {
		shift[i] = "-0.5"
		scale[i] = "2.0"
	}
	var b strings.Builder
	b.WriteString("<Nnet>\n")
	b.WriteString("<Splice> 560 560\n")
	b.WriteString("<AddShift> 560 560\n")
	b.WriteString(" [ " + strings.Join(shift, " ") + " ]\n")
	b.WriteString("<Rescale> 560 560\n")
	b.WriteString(" [ " + strings.Join(scale, " ") + " ]\n")
	b.WriteString("</Nnet>\n")
	return b.String()
}

func TestParseCMVNExtractsShiftAndScale(t *testing.T) {
	doc := buildTestCMVNDoc(t)
	shift, scale, err := parseCMVN(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, shift, FeatureDim)
	require.Len(t, scale, FeatureDim)
	assert.Equal(t, float32(-0.5), shift[0])
	assert.Equal(t, float32(2.0), scale[FeatureDim-1])
}

func TestParseCMVNRejectsShortRow(t *testing.T) {
	doc := "<AddShift> 2 2\n [ 1 2 ]\n<Rescale> 2 2\n [ 1 2 ]\n"
	_, _, err := parseCMVN(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestCMVNTableApplyShiftsAndScales(t *testing.T) {
	table := &CMVNTable{
		Shift: []float32{1, -1},
		Scale: []float32{2, 0.5},
	}
	feature := []float32{3, 3}
	table.Apply(feature)
	assert.Equal(t, []float32{8, 1}, feature)
}
