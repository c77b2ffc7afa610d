package device_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/gpu-mux/common/scheduling/resource"
	"github.com/scusemua/gpu-mux/common/types"
	"github.com/scusemua/gpu-mux/runtimed/device"
)

var (
	gpu0      = types.GPU(0)
	streamTag = types.NewTag(types.ResourceGPUStream, gpu0)
)

// chainGraph builds a linear chain of n nodes.
func chainGraph(n int) *types.Graph {
	nodes := make([]types.NodeDef, n)
	for i := 0; i < n; i++ {
		nodes[i] = types.NodeDef{ID: i, Name: "node", Op: "Op"}
		if i > 0 {
			nodes[i].Inputs = []int{i - 1}
		}
	}
	return types.NewGraph(nodes)
}

// fanOutGraph builds one producer with n consumers.
func fanOutGraph(n int) *types.Graph {
	nodes := []types.NodeDef{{ID: 0, Name: "producer", Op: "Const"}}
	for i := 1; i <= n; i++ {
		nodes = append(nodes, types.NodeDef{ID: i, Name: "consumer", Op: "Op", Inputs: []int{0}})
	}
	return types.NewGraph(nodes)
}

func newContextWithStreams(monitor *resource.Monitor, n int64) *resource.Context {
	ticket, err := monitor.MintStaging(types.SingleResource(streamTag, n))
	Expect(err).To(BeNil())
	return resource.NewContext(monitor, 1, "sess", gpu0, ticket)
}

var _ = Describe("GPU Device Tests", func() {
	Context("Stream pool", func() {
		It("Allocates streams in index order and frees them", func() {
			gpu := device.NewGPUDevice(0, 4, nil)

			first := gpu.AllocateStreams(2)
			Expect(first).To(Equal([]int{0, 1}))

			second := gpu.AllocateStreams(2)
			Expect(second).To(Equal([]int{2, 3}))

			gpu.FreeStreams(first)
			third := gpu.AllocateStreams(1)
			Expect(third).To(Equal([]int{0}))
		})

		It("Returns fewer streams than requested under shortage", func() {
			gpu := device.NewGPUDevice(0, 2, nil)

			streams := gpu.AllocateStreams(4)
			Expect(streams).To(HaveLen(2))
		})

		It("Panics on double free", func() {
			gpu := device.NewGPUDevice(0, 2, nil)

			streams := gpu.AllocateStreams(1)
			gpu.FreeStreams(streams)
			Expect(func() { gpu.FreeStreams(streams) }).To(Panic())
		})

		It("Hands out pairwise-disjoint indices under concurrency", func() {
			gpu := device.NewGPUDevice(0, 64, nil)

			var mu sync.Mutex
			seen := make(map[int]int)

			var wg sync.WaitGroup
			for worker := 0; worker < 16; worker++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 50; i++ {
						streams := gpu.AllocateStreams(3)

						mu.Lock()
						for _, s := range streams {
							seen[s]++
							// No stream may be held twice concurrently.
							Expect(seen[s]).To(Equal(1))
						}
						mu.Unlock()

						mu.Lock()
						for _, s := range streams {
							seen[s]--
						}
						mu.Unlock()
						gpu.FreeStreams(streams)
					}
				}()
			}
			wg.Wait()
		})
	})

	Context("Stream assignment", func() {
		It("Keeps a linear chain on a single logical stream", func() {
			assignment := device.AssignStreams(chainGraph(5), 4)
			Expect(assignment.Len()).To(Equal(5))

			stream, _ := assignment.Get(0)
			for i := 1; i < 5; i++ {
				s, ok := assignment.Get(i)
				Expect(ok).To(BeTrue())
				Expect(s).To(Equal(stream))
			}
		})

		It("Spreads fan-out across distinct logical streams", func() {
			assignment := device.AssignStreams(fanOutGraph(3), 4)

			streams := make(map[int]bool)
			for el := assignment.Front(); el != nil; el = el.Next() {
				streams[el.Value] = true
			}
			Expect(len(streams)).To(BeNumerically(">", 1))
		})

		It("Is deterministic for the same graph", func() {
			graph := fanOutGraph(5)
			a := device.AssignStreams(graph, 4)
			b := device.AssignStreams(graph, 4)

			Expect(a.Len()).To(Equal(b.Len()))
			for el := a.Front(); el != nil; el = el.Next() {
				other, ok := b.Get(el.Key)
				Expect(ok).To(BeTrue())
				Expect(other).To(Equal(el.Value))
			}
		})
	})

	Context("FillContextMap", func() {
		It("Is a no-op for a single-stream device", func() {
			gpu := device.NewGPUDevice(0, 1, nil)
			Expect(gpu.FillContextMap(chainGraph(3))).To(BeNil())
		})

		It("Caches the assignment and overwrites on fingerprint reuse", func() {
			monitor := resource.NewMonitor(types.SingleResource(streamTag, 4))
			gpu := device.NewGPUDevice(0, 4, nil)
			graph := fanOutGraph(3)

			Expect(gpu.FillContextMap(graph)).To(BeNil())
			// The overwrite path only warns.
			Expect(gpu.FillContextMap(graph)).To(BeNil())

			rctx := newContextWithStreams(monitor, 2)
			perTask, err := gpu.CreatePerTaskDevice(graph, rctx)
			Expect(err).To(BeNil())
			perTask.Close()
		})

		It("Refuses a per-task device for an unassigned graph", func() {
			monitor := resource.NewMonitor(types.SingleResource(streamTag, 4))
			gpu := device.NewGPUDevice(0, 4, nil)

			rctx := newContextWithStreams(monitor, 2)
			_, err := gpu.CreatePerTaskDevice(chainGraph(2), rctx)
			Expect(err).To(Equal(device.ErrNoStreamAssignment))
		})

		It("Flushes a cached assignment", func() {
			monitor := resource.NewMonitor(types.SingleResource(streamTag, 4))
			gpu := device.NewGPUDevice(0, 4, nil)
			graph := fanOutGraph(3)

			Expect(gpu.FillContextMap(graph)).To(BeNil())
			gpu.FlushCache(graph)

			rctx := newContextWithStreams(monitor, 2)
			_, err := gpu.CreatePerTaskDevice(graph, rctx)
			Expect(err).To(Equal(device.ErrNoStreamAssignment))
		})
	})

	Context("Per-task device construction", func() {
		It("Commits the staged stream grant and maps nodes round-robin", func() {
			monitor := resource.NewMonitor(types.SingleResource(streamTag, 4))
			gpu := device.NewGPUDevice(0, 4, nil)
			graph := fanOutGraph(3)

			Expect(gpu.FillContextMap(graph)).To(BeNil())

			rctx := newContextWithStreams(monitor, 2)
			perTask, err := gpu.CreatePerTaskDevice(graph, rctx)
			Expect(err).To(BeNil())

			gpuPerTask := perTask.(*device.PerTaskGPUDevice)
			Expect(gpuPerTask.Streams()).To(HaveLen(2))
			Expect(monitor.InUse().Get(streamTag)).To(Equal(int64(2)))

			// Every node resolves to one of the task's physical streams.
			held := map[int]bool{}
			for _, s := range gpuPerTask.Streams() {
				held[s] = true
			}
			for _, node := range graph.Nodes() {
				ctx := perTask.DeviceContextForNode(node.ID)
				Expect(held[ctx.Stream()]).To(BeTrue())
				Expect(ctx.Device()).To(Equal(gpu0))
			}

			perTask.Close()

			// The streams returned to the pool.
			Expect(gpu.AllocateStreams(4)).To(HaveLen(4))
		})

		It("Falls back to zero streams and rolls back on shortage", func() {
			// The monitor grants 4 streams but the device only has 2.
			monitor := resource.NewMonitor(types.SingleResource(streamTag, 4))
			gpu := device.NewGPUDevice(0, 2, nil)
			graph := fanOutGraph(3)

			Expect(gpu.FillContextMap(graph)).To(BeNil())

			rctx := newContextWithStreams(monitor, 4)
			perTask, err := gpu.CreatePerTaskDevice(graph, rctx)
			Expect(err).To(BeNil())

			gpuPerTask := perTask.(*device.PerTaskGPUDevice)
			Expect(gpuPerTask.Streams()).To(BeEmpty())

			// The scope was rolled back: nothing committed, and the two briefly-held
			// physical streams are free again.
			Expect(monitor.InUse().Get(streamTag)).To(Equal(int64(0)))
			Expect(gpu.AllocateStreams(2)).To(HaveLen(2))

			// Every node falls back to the default context on stream 0.
			for _, node := range graph.Nodes() {
				Expect(perTask.DeviceContextForNode(node.ID).Stream()).To(Equal(0))
			}

			perTask.Close()
		})

		It("Resolves unmapped nodes to the default context", func() {
			monitor := resource.NewMonitor(types.SingleResource(streamTag, 4))
			gpu := device.NewGPUDevice(0, 4, nil)
			graph := fanOutGraph(2)

			Expect(gpu.FillContextMap(graph)).To(BeNil())

			rctx := newContextWithStreams(monitor, 2)
			perTask, err := gpu.CreatePerTaskDevice(graph, rctx)
			Expect(err).To(BeNil())
			defer perTask.Close()

			// Node 99 is not in the graph.
			Expect(perTask.DeviceContextForNode(99).Stream()).To(Equal(0))
		})
	})
})
