// Package audio provides audio processing utilities shared by the capture
// and transcription pipeline.
package audio

import (
	"fmt"

	"github.com/asticode/go-astiav"
)

// Resample converts mono float32 PCM from one sample rate to another using
// FFmpeg's software resampler. It is used by the inference runtime when a
// TransposeConfig requests resample: {from_hz, to_hz} (spec.md §4.F step 1),
// typically 48000 -> 16000 to match the model's expected input rate.
type Resample struct {
	ctx      *astiav.SoftwareResampleContext
	inFrame  *astiav.Frame
	outFrame *astiav.Frame
	inRate   int
	outRate  int
}

// NewResample creates a resampler from inRate to outRate, both in Hz, for
// mono audio.
func NewResample(inRate, outRate int) (*Resample, error) {
	if inRate <= 0 {
		return nil, fmt.Errorf("audio: invalid input sample rate %d", inRate)
	}
	if outRate <= 0 {
		return nil, fmt.Errorf("audio: invalid output sample rate %d", outRate)
	}

	r := &Resample{inRate: inRate, outRate: outRate}

	r.ctx = astiav.AllocSoftwareResampleContext()
	if r.ctx == nil {
		return nil, fmt.Errorf("audio: failed to allocate resample context")
	}

	r.inFrame = astiav.AllocFrame()
	if r.inFrame == nil {
		r.Free()
		return nil, fmt.Errorf("audio: failed to allocate input frame")
	}

	r.outFrame = astiav.AllocFrame()
	if r.outFrame == nil {
		r.Free()
		return nil, fmt.Errorf("audio: failed to allocate output frame")
	}

	return r, nil
}

// Free releases the resampler's FFmpeg resources. Safe to call more than
// once.
func (r *Resample) Free() {
	if r.ctx != nil {
		r.ctx.Free()
		r.ctx = nil
	}
	if r.inFrame != nil {
		r.inFrame.Free()
		r.inFrame = nil
	}
	if r.outFrame != nil {
		r.outFrame.Free()
		r.outFrame = nil
	}
}

// Resample converts a slice of mono float32 samples at r.inRate to a new
// slice at r.outRate.
func (r *Resample) Resample(in []float32) ([]float32, error) {
	const align = 0

	if len(in) == 0 {
		return nil, fmt.Errorf("audio: empty input samples")
	}

	r.inFrame.Unref()
	r.outFrame.Unref()

	r.inFrame.SetChannelLayout(astiav.ChannelLayoutMono)
	r.inFrame.SetSampleFormat(astiav.SampleFormatFlt)
	r.inFrame.SetSampleRate(r.inRate)
	r.inFrame.SetNbSamples(len(in))

	outNumSamples := (len(in)*r.outRate + r.inRate - 1) / r.inRate
	if outNumSamples == 0 {
		outNumSamples = 1
	}

	r.outFrame.SetChannelLayout(astiav.ChannelLayoutMono)
	r.outFrame.SetSampleFormat(astiav.SampleFormatFlt)
	r.outFrame.SetSampleRate(r.outRate)
	r.outFrame.SetNbSamples(outNumSamples)

	if err := r.inFrame.AllocBuffer(align); err != nil {
		return nil, fmt.Errorf("audio: allocate input buffer: %w", err)
	}
	if err := r.outFrame.AllocBuffer(align); err != nil {
		return nil, fmt.Errorf("audio: allocate output buffer: %w", err)
	}
	if err := r.inFrame.MakeWritable(); err != nil {
		return nil, fmt.Errorf("audio: make input frame writable: %w", err)
	}

	inBytes := float32SliceToBytes(in)
	actualBufferSize, err := r.inFrame.SamplesBufferSize(align)
	if err != nil {
		return nil, fmt.Errorf("audio: get input buffer size: %w", err)
	}
	if len(inBytes) < actualBufferSize {
		padded := make([]byte, actualBufferSize)
		copy(padded, inBytes)
		inBytes = padded
	}

	if err := r.inFrame.Data().SetBytes(inBytes[:actualBufferSize], align); err != nil {
		return nil, fmt.Errorf("audio: set input frame data: %w", err)
	}

	if err := r.ctx.ConvertFrame(r.inFrame, r.outFrame); err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}

	outBytes, err := r.outFrame.Data().Bytes(align)
	if err != nil {
		return nil, fmt.Errorf("audio: get output frame data: %w", err)
	}

	return bytesToFloat32Slice(outBytes), nil
}

func float32SliceToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		putFloat32LE(out[i*4:], s)
	}
	return out
}

func bytesToFloat32Slice(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = getFloat32LE(data[i*4:])
	}
	return out
}
