package types

import (
	"fmt"
)

const (
	// DeviceCPU identifies the host processor. There is exactly one CPU device per runtime
	// process; its index is always 0.
	DeviceCPU DeviceType = "CPU"

	// DeviceGPU identifies a physical GPU managed by the runtime.
	DeviceGPU DeviceType = "GPU"
)

// DeviceType is the closed set of device classes the runtime multiplexes over.
type DeviceType string

// DeviceSpec identifies a single physical device as a (type, index) pair.
//
// DeviceSpec is a value type: it is comparable, usable as a map key, and totally ordered
// via Less. The zero value is not a valid device.
type DeviceSpec struct {
	Type  DeviceType `json:"type"`
	Index int        `json:"index"`
}

// CPU0 is the canonical host-processor device.
var CPU0 = DeviceSpec{Type: DeviceCPU, Index: 0}

// GPU returns the DeviceSpec for the GPU with the given index.
func GPU(index int) DeviceSpec {
	return DeviceSpec{Type: DeviceGPU, Index: index}
}

// Less provides the total order over DeviceSpec values: CPU devices sort before GPU devices,
// and devices of the same type sort by index.
func (d DeviceSpec) Less(other DeviceSpec) bool {
	if d.Type != other.Type {
		return d.Type < other.Type
	}
	return d.Index < other.Index
}

// IsGPU returns true if the target DeviceSpec identifies a GPU device.
func (d DeviceSpec) IsGPU() bool {
	return d.Type == DeviceGPU
}

func (d DeviceSpec) String() string {
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}
