package scheduling

import (
	"github.com/scusemua/gpu-mux/common/scheduling/resource"
	"github.com/scusemua/gpu-mux/common/types"
)

// NoopPerTaskDevice is the per-task device used when no provider is registered for the
// task's primary device (host execution). Every node resolves to the same default
// context on stream 0, and Close releases nothing.
type NoopPerTaskDevice struct {
	rctx *resource.Context
}

// NewNoopPerTaskDevice creates a NoopPerTaskDevice bound to the given resource context.
func NewNoopPerTaskDevice(rctx *resource.Context) *NoopPerTaskDevice {
	return &NoopPerTaskDevice{rctx: rctx}
}

func (d *NoopPerTaskDevice) Spec() types.DeviceSpec {
	return d.rctx.Spec()
}

func (d *NoopPerTaskDevice) ResourceContext() *resource.Context {
	return d.rctx
}

func (d *NoopPerTaskDevice) DeviceContextForNode(_ int) DeviceContext {
	return noopDeviceContext{device: d.rctx.Spec()}
}

func (d *NoopPerTaskDevice) Close() {}

type noopDeviceContext struct {
	device types.DeviceSpec
}

func (c noopDeviceContext) Device() types.DeviceSpec {
	return c.device
}

func (c noopDeviceContext) Stream() int {
	return 0
}
