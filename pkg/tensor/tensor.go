// Package tensor provides the thin rank-3 float32 tensor type the SANM
// encoder and CTC decoder are built on, plus the per-op device placement
// table described in spec.md §9 ("Device-placement policy inside
// attention").
//
// Matrix multiplication and reshape are delegated to gorgonia.org/tensor's
// *tensor.Dense; this package adds the float32/rank-3 conventions this
// codebase's model uses (batch size is always 1) and implements the other
// ops itself (elementwise add, softmax, log-softmax, transpose, column
// slicing and concatenation). The FSMN depthwise convolution lives in
// pkg/encoder.
package tensor

import (
	"fmt"
	"math"

	gorgonia "gorgonia.org/tensor"
)

// Tensor wraps a gorgonia Dense tensor of float32 values. Shapes in this
// codebase are always rank 2 or 3: (T, D) or (1, T, D).
type Tensor struct {
	dense *gorgonia.Dense
}

// New builds a Tensor from shape and row-major data. len(data) must equal
// the product of shape.
func New(shape []int, data []float32) (*Tensor, error) {
	want := 1
	for _, d := range shape {
		want *= d
	}
	if want != len(data) {
		return nil, fmt.Errorf("tensor: shape %v wants %d elements, got %d", shape, want, len(data))
	}
	d := gorgonia.New(
		gorgonia.Of(gorgonia.Float32),
		gorgonia.WithShape(shape...),
		gorgonia.WithBacking(data),
	)
	return &Tensor{dense: d}, nil
}

// Zeros builds a Tensor of the given shape filled with zero.
func Zeros(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	t, _ := New(shape, make([]float32, n))
	return t
}

// Shape returns the tensor's dimensions.
func (t *Tensor) Shape() []int {
	s := t.dense.Shape()
	out := make([]int, len(s))
	copy(out, s)
	return out
}

// Data returns the tensor's backing row-major float32 slice. Mutating it
// mutates the tensor.
func (t *Tensor) Data() []float32 {
	return t.dense.Data().([]float32)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	d := make([]float32, len(t.Data()))
	copy(d, t.Data())
	out, _ := New(t.Shape(), d)
	return out
}

// Reshape returns a copy of the tensor's data with a new shape; the receiver
// is left unchanged.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	clone := t.dense.Clone().(*gorgonia.Dense)
	if err := clone.Reshape(shape...); err != nil {
		return nil, fmt.Errorf("tensor: reshape %v -> %v: %w", t.Shape(), shape, err)
	}
	return &Tensor{dense: clone}, nil
}

// MatMul performs a 2-D matrix multiplication; both tensors must be rank 2.
func MatMul(a, b *Tensor) (*Tensor, error) {
	r, err := gorgonia.MatMul(a.dense, b.dense)
	if err != nil {
		return nil, fmt.Errorf("tensor: matmul: %w", err)
	}
	d, ok := r.(*gorgonia.Dense)
	if !ok {
		return nil, fmt.Errorf("tensor: matmul returned unexpected type %T", r)
	}
	return &Tensor{dense: d}, nil
}

// Add performs elementwise addition; shapes must match.
func Add(a, b *Tensor) (*Tensor, error) {
	ad := a.Data()
	bd := b.Data()
	if len(ad) != len(bd) {
		return nil, fmt.Errorf("tensor: add shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	out := make([]float32, len(ad))
	for i := range ad {
		out[i] = ad[i] + bd[i]
	}
	return New(a.Shape(), out)
}

// Concat concatenates tensors of shape (1, Ti, D) along axis 1, producing
// (1, sum(Ti), D). Used to build the prompted encoder input (spec.md §4.F
// step 3: language/event-emotion/text-norm embeddings prepended to features).
func Concat(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("tensor: concat requires at least one tensor")
	}
	d := parts[0].Shape()[2]
	totalT := 0
	for _, p := range parts {
		s := p.Shape()
		if len(s) != 3 || s[0] != 1 || s[2] != d {
			return nil, fmt.Errorf("tensor: concat shape mismatch %v", s)
		}
		totalT += s[1]
	}
	out := make([]float32, totalT*d)
	offset := 0
	for _, p := range parts {
		copy(out[offset:], p.Data())
		offset += len(p.Data())
	}
	return New([]int{1, totalT, d}, out)
}

// SoftmaxLastAxis applies softmax over the final dimension of a rank-2
// (T, D) tensor, row by row.
func SoftmaxLastAxis(t *Tensor) *Tensor {
	return applyLastAxis(t, softmaxRow)
}

// LogSoftmaxLastAxis applies log-softmax over the final dimension of a
// rank-2 (T, D) tensor, row by row (used by the CTC decoder, spec.md §4.E).
func LogSoftmaxLastAxis(t *Tensor) *Tensor {
	return applyLastAxis(t, logSoftmaxRow)
}

func applyLastAxis(t *Tensor, fn func([]float32)) *Tensor {
	out := t.Clone()
	shape := out.Shape()
	d := shape[len(shape)-1]
	data := out.Data()
	for i := 0; i < len(data); i += d {
		fn(data[i : i+d])
	}
	return out
}

func softmaxRow(row []float32) {
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - max)))
		row[i] = e
		sum += e
	}
	for i := range row {
		row[i] /= sum
	}
}

func logSoftmaxRow(row []float32) {
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v - max))
	}
	logSum := math.Log(sum)
	for i, v := range row {
		row[i] = v - max - float32(logSum)
	}
}

// ReLU applies the rectified linear unit elementwise, in place, and returns
// the receiver for chaining.
func (t *Tensor) ReLU() *Tensor {
	d := t.Data()
	for i, v := range d {
		if v < 0 {
			d[i] = 0
		}
	}
	return t
}

// Scale multiplies every element by s, in place, and returns the receiver.
func (t *Tensor) Scale(s float32) *Tensor {
	d := t.Data()
	for i := range d {
		d[i] *= s
	}
	return t
}

// Transpose returns the transpose of a rank-2 (rows, cols) tensor.
func (t *Tensor) Transpose() (*Tensor, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("tensor: transpose requires rank 2, got shape %v", shape)
	}
	rows, cols := shape[0], shape[1]
	src := t.Data()
	out := make([]float32, len(src))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = src[r*cols+c]
		}
	}
	return New([]int{cols, rows}, out)
}

// SliceCols returns the column range [from, to) of a rank-2 (rows, cols)
// tensor as a new (rows, to-from) tensor.
func (t *Tensor) SliceCols(from, to int) (*Tensor, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("tensor: slice-cols requires rank 2, got shape %v", shape)
	}
	rows, cols := shape[0], shape[1]
	if from < 0 || to > cols || from >= to {
		return nil, fmt.Errorf("tensor: invalid column range [%d,%d) for %d columns", from, to, cols)
	}
	width := to - from
	src := t.Data()
	out := make([]float32, rows*width)
	for r := 0; r < rows; r++ {
		copy(out[r*width:(r+1)*width], src[r*cols+from:r*cols+to])
	}
	return New([]int{rows, width}, out)
}

// ConcatCols horizontally concatenates rank-2 tensors sharing the same row
// count into a single (rows, sum(cols)) tensor.
func ConcatCols(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("tensor: concat-cols requires at least one tensor")
	}
	rows := parts[0].Shape()[0]
	totalCols := 0
	for _, p := range parts {
		s := p.Shape()
		if len(s) != 2 || s[0] != rows {
			return nil, fmt.Errorf("tensor: concat-cols row mismatch %v", s)
		}
		totalCols += s[1]
	}
	out := make([]float32, rows*totalCols)
	colOffset := 0
	for _, p := range parts {
		cols := p.Shape()[1]
		src := p.Data()
		for r := 0; r < rows; r++ {
			copy(out[r*totalCols+colOffset:r*totalCols+colOffset+cols], src[r*cols:(r+1)*cols])
		}
		colOffset += cols
	}
	return New([]int{rows, totalCols}, out)
}

// AddBiasRows adds a length-cols bias vector to every row of a rank-2
// tensor, in place, and returns the receiver.
func (t *Tensor) AddBiasRows(bias []float32) *Tensor {
	shape := t.Shape()
	cols := shape[len(shape)-1]
	data := t.Data()
	for i := 0; i < len(data); i += cols {
		for c := 0; c < cols; c++ {
			data[i+c] += bias[c]
		}
	}
	return t
}
