package device

import (
	"github.com/scusemua/gpu-mux/common/scheduling"
	"github.com/scusemua/gpu-mux/common/scheduling/resource"
	"github.com/scusemua/gpu-mux/common/types"
)

// PerTaskGPUDevice is a GPUDevice wrapper scoped to a single task. It holds the physical
// streams acquired for the task and the node → physical-stream table derived from the
// graph's logical assignment.
type PerTaskGPUDevice struct {
	base *GPUDevice
	rctx *resource.Context

	// nsMap maps node ids to physical stream indices.
	nsMap map[int]int

	// streams are the physical streams held by this task, freed on Close.
	streams []int
}

// newPerTaskGPUDevice runs the construction protocol: commit the staged GPU_STREAM
// grant, acquire that many physical streams, and bind logical streams to physical
// streams round-robin over the assignment's defined order.
//
// On stream shortage the acquired streams are freed, the allocation scope is rolled
// back, and the task proceeds with zero streams: every node then resolves to the
// device's default context.
func newPerTaskGPUDevice(base *GPUDevice, rctx *resource.Context, assignment *NodeStreamMap) *PerTaskGPUDevice {
	device := &PerTaskGPUDevice{
		base: base,
		rctx: rctx,
	}

	// Take and use all GPU streams in the staging area.
	scope := rctx.Alloc(types.ResourceGPUStream)
	if scope.Valid() {
		num := scope.Resources().Get(types.NewTag(types.ResourceGPUStream, rctx.Spec()))
		device.streams = base.AllocateStreams(num)

		if int64(len(device.streams)) != num {
			shortage := &StreamShortageError{Requested: num, Got: len(device.streams)}

			base.FreeStreams(device.streams)
			scope.Rollback()

			base.log.Error("Can't get enough GPU streams for ticket %d: %v", rctx.Ticket(), shortage)
			device.streams = nil
		}
	}
	scope.Close()

	// Map logical streams to physical streams using round-robin.
	if len(device.streams) > 0 && assignment != nil {
		device.nsMap = make(map[int]int, assignment.Len())

		logicalToPhysical := make(map[int]int)
		next := 0
		for el := assignment.Front(); el != nil; el = el.Next() {
			physical, ok := logicalToPhysical[el.Value]
			if !ok {
				physical = device.streams[next]
				next++
				if next >= len(device.streams) {
					next = 0
				}
				logicalToPhysical[el.Value] = physical
			}
			device.nsMap[el.Key] = physical
		}
	}

	return device
}

// Spec returns the underlying device.
func (d *PerTaskGPUDevice) Spec() types.DeviceSpec {
	return d.base.Spec()
}

// ResourceContext returns the resource context the device was bound with.
func (d *PerTaskGPUDevice) ResourceContext() *resource.Context {
	return d.rctx
}

// Streams returns the physical streams held by this task.
func (d *PerTaskGPUDevice) Streams() []int {
	return d.streams
}

// DeviceContextForNode returns the context of the physical stream assigned to the node,
// or the device's default context when the node has no assignment.
func (d *PerTaskGPUDevice) DeviceContextForNode(id int) scheduling.DeviceContext {
	if physical, ok := d.nsMap[id]; ok {
		return d.base.contexts[physical]
	}
	return d.base.contexts[0]
}

// Close frees the physical streams previously allocated. The resource context drops
// independently.
func (d *PerTaskGPUDevice) Close() {
	d.base.FreeStreams(d.streams)
	d.streams = nil
}
