package device

import (
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/gpu-mux/common/metrics"
	"github.com/scusemua/gpu-mux/common/scheduling"
	"github.com/scusemua/gpu-mux/common/scheduling/resource"
	"github.com/scusemua/gpu-mux/common/types"
	"github.com/scusemua/gpu-mux/common/utils/hashmap"
)

// ErrNoStreamAssignment indicates a per-task device was requested for a graph whose
// stream assignment was never computed (FillContextMap was not called).
var ErrNoStreamAssignment = fmt.Errorf("no cached stream assignment exists for the specified graph")

// StreamShortageError records a per-task stream acquisition that obtained fewer physical
// streams than the resource monitor granted. The task proceeds with zero streams.
type StreamShortageError struct {
	Requested int64
	Got       int
}

func (e *StreamShortageError) Error() string {
	return fmt.Sprintf("StreamShortageError[Requested=%d,Got=%d]", e.Requested, e.Got)
}

// StreamContext is the execution context bound to one physical stream of a GPUDevice.
type StreamContext struct {
	device types.DeviceSpec
	stream int
}

func (c *StreamContext) Device() types.DeviceSpec {
	return c.device
}

func (c *StreamContext) Stream() int {
	return c.stream
}

// GPUDevice is the shared, long-lived side of one physical GPU: it owns the pool of
// physical execution streams and the per-graph stream-assignment cache, and it builds
// per-task devices for admitted tasks.
//
// The stream pool and the assignment cache are guarded independently; neither lock is
// ever held while calling into the resource monitor.
type GPUDevice struct {
	log logger.Logger

	spec     types.DeviceSpec
	capacity int

	muStream   sync.Mutex
	streamUsed []bool
	inUse      int

	// assignCache maps graph fingerprints to cached NodeStreamMaps. The concurrent map
	// carries its own synchronization.
	assignCache *hashmap.ConcurrentMap[*NodeStreamMap]

	// contexts holds one device context per physical stream. contexts[0] doubles as the
	// default context for unmapped nodes.
	contexts []*StreamContext

	metricsManager *metrics.RuntimeMetricsManager
}

// NewGPUDevice creates a GPUDevice for the GPU at the given index with maxStreams
// concurrent physical streams. metricsManager may be nil.
func NewGPUDevice(index int, maxStreams int, metricsManager *metrics.RuntimeMetricsManager) *GPUDevice {
	if maxStreams < 1 {
		maxStreams = 1
	}

	spec := types.GPU(index)

	contexts := make([]*StreamContext, maxStreams)
	for i := range contexts {
		contexts[i] = &StreamContext{device: spec, stream: i}
	}

	device := &GPUDevice{
		spec:           spec,
		capacity:       maxStreams,
		streamUsed:     make([]bool, maxStreams),
		assignCache:    hashmap.NewConcurrentMap[*NodeStreamMap](32),
		contexts:       contexts,
		metricsManager: metricsManager,
	}
	config.InitLogger(&device.log, device)

	return device
}

// Spec returns the device this GPUDevice manages.
func (d *GPUDevice) Spec() types.DeviceSpec {
	return d.spec
}

// Capacity returns the number of physical streams the device owns.
func (d *GPUDevice) Capacity() int {
	return d.capacity
}

// FillContextMap computes the logical stream assignment for the graph and caches it
// under the graph's fingerprint.
//
// With a single stream there is nothing to assign. A pre-existing entry under the same
// fingerprint is a warning (graph resubmission or fingerprint reuse) but is overwritten.
func (d *GPUDevice) FillContextMap(graph *types.Graph) error {
	if d.capacity == 1 {
		return nil
	}

	key := graph.FingerprintKey()
	if _, loaded := d.assignCache.Load(key); loaded {
		d.log.Warn("Detected graph fingerprint reuse: %s", key)
	}

	assignment := AssignStreams(graph, d.capacity)
	d.assignCache.Store(key, assignment)

	return nil
}

// FlushCache removes the cached stream assignment for the graph.
func (d *GPUDevice) FlushCache(graph *types.Graph) {
	d.assignCache.Delete(graph.FingerprintKey())
}

// AllocateStreams marks up to num free physical streams as used, scanning in index
// order, and returns their indices. A shorter result indicates shortage; the caller
// decides how to react.
func (d *GPUDevice) AllocateStreams(num int64) []int {
	if num == 0 {
		return nil
	}

	d.muStream.Lock()
	defer d.muStream.Unlock()

	var streams []int
	for i := 0; i < d.capacity && int64(len(streams)) < num; i++ {
		if !d.streamUsed[i] {
			d.streamUsed[i] = true
			streams = append(streams, i)
		}
	}

	d.inUse += len(streams)
	d.metricsManager.ObserveStreamsInUse(d.spec, d.inUse)

	return streams
}

// FreeStreams returns the given physical streams to the pool. Freeing a stream that is
// not allocated is a programming error and panics.
func (d *GPUDevice) FreeStreams(streams []int) {
	if len(streams) == 0 {
		return
	}

	d.muStream.Lock()
	defer d.muStream.Unlock()

	for _, i := range streams {
		if !d.streamUsed[i] {
			panic(fmt.Sprintf("double free of physical stream %d on %s", i, d.spec))
		}
		d.streamUsed[i] = false
	}

	d.inUse -= len(streams)
	d.metricsManager.ObserveStreamsInUse(d.spec, d.inUse)
}

// CreatePerTaskDevice builds a per-task device bound to the cached stream assignment
// for the graph. FillContextMap must have run for the graph first (unless the device
// has a single stream, in which case every node uses the default context).
func (d *GPUDevice) CreatePerTaskDevice(graph *types.Graph, rctx *resource.Context) (scheduling.PerTaskDevice, error) {
	var assignment *NodeStreamMap
	if d.capacity > 1 {
		cached, ok := d.assignCache.Load(graph.FingerprintKey())
		if !ok {
			return nil, ErrNoStreamAssignment
		}
		assignment = cached
	}

	return newPerTaskGPUDevice(d, rctx, assignment), nil
}
