// Package audioio wraps miniaudio (via malgo) to expose the host
// enumeration / open / play surface the transcription service uses to pull
// PCM chunks off a capture device (spec.md §4.I).
package audioio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/realtime-ai/transpose-engine/pkg/audio"
)

// HostDevice describes one enumerated capture device under one backend
// (host).
type HostDevice struct {
	Host   string
	ID     string
	Name   string
	malgID malgo.DeviceID
}

// EnumerateHosts lists every capture device visible to every backend malgo
// knows how to probe on this platform (ALSA/PulseAudio on Linux, WASAPI on
// Windows, CoreAudio on macOS). A context is spun up per backend purely for
// enumeration and torn down immediately after.
func EnumerateHosts() ([]HostDevice, error) {
	var out []HostDevice

	backends := malgo.DefaultBackends(malgo.DefaultBackends()...)
	for _, backend := range backends {
		ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, func(string) {})
		if err != nil {
			continue // backend unavailable on this host; skip it
		}

		infos, err := ctx.Devices(malgo.Capture)
		if err == nil {
			for _, info := range infos {
				out = append(out, HostDevice{
					Host:   backend.String(),
					ID:     fmt.Sprintf("%x", info.ID.String()),
					Name:   info.Name(),
					malgID: info.ID,
				})
			}
		}

		_ = ctx.Uninit()
		ctx.Free()
	}

	return out, nil
}

// Input is an opened capture device streaming mono float32 PCM.
type Input struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate int
	channels   uint32

	smoothing *audio.RingBuffer

	mu      sync.Mutex
	out     chan []float32
	closed  bool
	onError func(error)
}

// Open initializes a capture device matching host/device (as returned by
// EnumerateHosts) at its native sample rate. If device is empty, the
// backend's default capture device is used.
func Open(host HostDevice) (*Input, error) {
	backend, err := backendFromString(host.Host)
	if err != nil {
		return nil, err
	}

	ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("audioio: init context for host %q: %w", host.Host, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	if host.Name != "" {
		cfg.Capture.DeviceID = host.malgID.Pointer()
	}
	cfg.Alsa.NoMMap = 1

	in := &Input{
		ctx:        ctx,
		sampleRate: int(cfg.SampleRate),
		channels:   cfg.Capture.Channels,
		smoothing:  audio.NewRingBuffer(48000, 200),
		out:        make(chan []float32, 16),
	}

	callbacks := malgo.DeviceCallbacks{
		Data: in.onData,
	}
	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("audioio: init device: %w", err)
	}
	in.device = device
	in.sampleRate = int(device.SampleRate())

	return in, nil
}

func backendFromString(name string) (malgo.Backend, error) {
	for _, b := range malgo.DefaultBackends() {
		if b.String() == name {
			return b, nil
		}
	}
	return 0, fmt.Errorf("audioio: unknown host backend %q", name)
}

// SampleRate returns the opened device's native sample rate in Hz.
func (in *Input) SampleRate() int { return in.sampleRate }

// onData runs on miniaudio's realtime capture thread. It must never block or
// allocate in a way that can stall: the float32 bytes handed to us are
// copied into the smoothing ring buffer, then forwarded non-blockingly.
// Channel downmixing is channel-0 selection (spec.md §4.I), applied here
// when the device was opened with more than one channel.
func (in *Input) onData(_, pSample []byte, frameCount uint32) {
	samples := bytesToFloat32Mono(pSample, in.channels, frameCount)
	if len(samples) == 0 {
		return
	}

	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		putF32(buf[i*4:], s)
	}
	in.smoothing.Write(buf)

	select {
	case in.out <- samples:
	default:
		// Consumer fell behind; drop this chunk rather than block the
		// audio callback.
	}
}

// Play starts the device and returns the channel of mono float32 PCM
// chunks. Closing the Input closes the channel.
func (in *Input) Play() (<-chan []float32, error) {
	if err := in.device.Start(); err != nil {
		return nil, fmt.Errorf("audioio: start device: %w", err)
	}
	return in.out, nil
}

// Close stops and releases the device. Safe to call more than once.
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true

	if in.device != nil {
		in.device.Uninit()
	}
	if in.ctx != nil {
		_ = in.ctx.Uninit()
		in.ctx.Free()
	}
	close(in.out)
	return nil
}

func bytesToFloat32Mono(data []byte, channels uint32, frameCount uint32) []float32 {
	if channels <= 1 {
		out := make([]float32, frameCount)
		for i := range out {
			out[i] = getF32(data[i*4:])
		}
		return out
	}

	out := make([]float32, frameCount)
	stride := int(channels) * 4
	for i := 0; i < int(frameCount); i++ {
		out[i] = getF32(data[i*stride:])
	}
	return out
}
