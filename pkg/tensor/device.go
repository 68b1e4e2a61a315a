package tensor

// Device identifies where an operator's math should run.
type Device int

const (
	// Auto lets the runtime pick GPU when available, falling back to CPU.
	Auto Device = iota
	CPU
	GPU
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return "auto"
	}
}

// OpKind identifies a class of operator inside the encoder/decoder graph
// that the device placement policy can pin independently.
type OpKind int

const (
	OpAttention OpKind = iota
	OpLinear
	OpFSMNConv
)

// DevicePolicy maps operator kinds to the device they should execute on.
// spec.md §9 calls out FSMN's depthwise convolution as CPU-bound regardless
// of where the rest of the block runs, since its kernel is too small to
// benefit from GPU dispatch overhead.
type DevicePolicy map[OpKind]Device

// DefaultDevicePolicy is the policy pkg/runtime uses (TransposeConfig has
// no field that overrides placement): everything auto-placed except the
// FSMN convolution.
func DefaultDevicePolicy() DevicePolicy {
	return DevicePolicy{
		OpAttention: Auto,
		OpLinear:    Auto,
		OpFSMNConv:  CPU,
	}
}

// Resolve returns the device for op, defaulting to Auto if the policy has no
// entry for it.
func (p DevicePolicy) Resolve(op OpKind) Device {
	if d, ok := p[op]; ok {
		return d
	}
	return Auto
}
