package audioio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesToFloat32MonoPassthrough(t *testing.T) {
	data := make([]byte, 4*3)
	for i, v := range []float32{0.1, -0.2, 0.3} {
		putF32(data[i*4:], v)
	}

	out := bytesToFloat32Mono(data, 1, 3)
	assert.InDelta(t, float32(0.1), out[0], 1e-6)
	assert.InDelta(t, float32(-0.2), out[1], 1e-6)
	assert.InDelta(t, float32(0.3), out[2], 1e-6)
}

func TestBytesToFloat32MonoSelectsChannelZero(t *testing.T) {
	// Two interleaved channels; channel 0 carries 1.0, channel 1 carries -1.0.
	const frames = 2
	data := make([]byte, 4*2*frames)
	for f := 0; f < frames; f++ {
		putF32(data[f*8:], 1.0)
		putF32(data[f*8+4:], -1.0)
	}

	out := bytesToFloat32Mono(data, 2, frames)
	for _, v := range out {
		assert.InDelta(t, float32(1.0), v, 1e-6)
	}
}

func TestFloat32LERoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	for _, v := range []float32{0, 1, -1, 3.5, -12345.6789} {
		putF32(buf, v)
		assert.Equal(t, v, getF32(buf))
	}
}
