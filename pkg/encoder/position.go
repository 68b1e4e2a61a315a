package encoder

import "math"

// sinusoidalPositionEncoding returns a (steps, dim) table of log-spaced
// sinusoidal position encodings with base 10000, following the standard
// "Attention Is All You Need" formulation referenced by spec.md §4.D.
func sinusoidalPositionEncoding(steps, dim int) [][]float32 {
	const base = 10000.0
	table := make([][]float32, steps)
	for pos := 0; pos < steps; pos++ {
		row := make([]float32, dim)
		for i := 0; i < dim; i += 2 {
			freq := 1.0 / math.Pow(base, float64(i)/float64(dim))
			angle := float64(pos) * freq
			row[i] = float32(math.Sin(angle))
			if i+1 < dim {
				row[i+1] = float32(math.Cos(angle))
			}
		}
		table[pos] = row
	}
	return table
}
