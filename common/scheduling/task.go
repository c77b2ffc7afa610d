package scheduling

import (
	"time"

	"github.com/google/uuid"
	"github.com/scusemua/gpu-mux/common/scheduling/resource"
	"github.com/scusemua/gpu-mux/common/types"
)

// Completion carries the outcome of a task execution back to the engine: a status, the
// resource usage observed while running (used to update monitors), and the wall-clock
// duration of the run.
type Completion struct {
	Status        error
	ObservedUsage types.Resources
	Duration      time.Duration
}

// DeviceContext is the execution context a node runs against on its assigned physical
// stream.
type DeviceContext interface {
	// Device returns the device this context belongs to.
	Device() types.DeviceSpec

	// Stream returns the physical stream index this context drives.
	Stream() int
}

// PerTaskDevice is a device wrapper scoped to a single task, carrying that task's
// physical-stream assignments. Implementations free their physical streams on Close;
// the task's resource context is dropped independently.
type PerTaskDevice interface {
	// Spec returns the underlying device.
	Spec() types.DeviceSpec

	// ResourceContext returns the resource context the device was bound with.
	ResourceContext() *resource.Context

	// DeviceContextForNode returns the device context assigned to the given node, or
	// the device's default context if the node has no assignment.
	DeviceContextForNode(id int) DeviceContext

	// Close releases the task's physical streams back to the shared device.
	Close()
}

// DeviceProvider is the shared, long-lived side of a device: it owns physical streams
// and the per-graph stream-assignment cache, and builds PerTaskDevice values.
type DeviceProvider interface {
	// Spec returns the device this provider manages.
	Spec() types.DeviceSpec

	// FillContextMap computes and caches the logical stream assignment for the graph.
	FillContextMap(graph *types.Graph) error

	// FlushCache removes the cached stream assignment for the graph.
	FlushCache(graph *types.Graph)

	// CreatePerTaskDevice builds a per-task device bound to the cached stream
	// assignment for the graph.
	CreatePerTaskDevice(graph *types.Graph, rctx *resource.Context) (PerTaskDevice, error)
}

// Task is a unit of work submitted by a session: a computation graph execution with a
// declared resource request.
//
// The engine admits the task (binding a resource context), then calls Prepare, Run, and
// Complete — in that order — on a worker thread.
type Task interface {
	// ID returns the task's unique identifier.
	ID() string

	// SessionHandle returns the handle of the owning session.
	SessionHandle() string

	// RequestedResources returns the resource vector the task declared at submission.
	RequestedResources() types.Resources

	// PreferredDevice returns the task's target device preference. The boolean is false
	// when the task will accept any device.
	PreferredDevice() (types.DeviceSpec, bool)

	// Graph returns the computation graph this task executes.
	Graph() *types.Graph

	// BindResourceContext attaches the resource context created at admission.
	BindResourceContext(rctx *resource.Context)

	// ResourceContext returns the context bound at admission, or nil before admission.
	ResourceContext() *resource.Context

	// Prepare runs on the worker thread before Run, with the per-task device bound.
	Prepare(device PerTaskDevice) error

	// Run executes the task's kernel workload and returns its completion.
	Run(device PerTaskDevice, rctx *resource.Context) *Completion

	// Complete is invoked with the task's completion after Run (or with a synthesized
	// failure completion when Prepare fails or the engine rejects the task).
	Complete(completion *Completion)
}

// TaskCallbacks bundles the closures a BaseTask executes. Any nil callback is a no-op
// (Run yields a successful empty Completion).
type TaskCallbacks struct {
	OnPrepare  func(device PerTaskDevice) error
	OnRun      func(device PerTaskDevice, rctx *resource.Context) *Completion
	OnComplete func(completion *Completion)
}

// BaseTask is the standard Task implementation: a closure trio plus a requested-resource
// vector.
type BaseTask struct {
	id            string
	sessionHandle string
	request       types.Resources
	graph         *types.Graph

	device    types.DeviceSpec
	hasDevice bool

	callbacks TaskCallbacks

	rctx *resource.Context
}

// NewTask creates a task owned by the session with the given handle.
func NewTask(sessionHandle string, graph *types.Graph, request types.Resources, callbacks TaskCallbacks) *BaseTask {
	return &BaseTask{
		id:            uuid.NewString(),
		sessionHandle: sessionHandle,
		request:       request,
		graph:         graph,
		callbacks:     callbacks,
	}
}

// SetPreferredDevice records a target device preference for the task.
func (t *BaseTask) SetPreferredDevice(spec types.DeviceSpec) {
	t.device = spec
	t.hasDevice = true
}

func (t *BaseTask) ID() string {
	return t.id
}

func (t *BaseTask) SessionHandle() string {
	return t.sessionHandle
}

func (t *BaseTask) RequestedResources() types.Resources {
	return t.request
}

func (t *BaseTask) PreferredDevice() (types.DeviceSpec, bool) {
	return t.device, t.hasDevice
}

func (t *BaseTask) Graph() *types.Graph {
	return t.graph
}

func (t *BaseTask) BindResourceContext(rctx *resource.Context) {
	t.rctx = rctx
}

func (t *BaseTask) ResourceContext() *resource.Context {
	return t.rctx
}

func (t *BaseTask) Prepare(device PerTaskDevice) error {
	if t.callbacks.OnPrepare == nil {
		return nil
	}
	return t.callbacks.OnPrepare(device)
}

func (t *BaseTask) Run(device PerTaskDevice, rctx *resource.Context) *Completion {
	if t.callbacks.OnRun == nil {
		return &Completion{}
	}
	return t.callbacks.OnRun(device, rctx)
}

func (t *BaseTask) Complete(completion *Completion) {
	if t.callbacks.OnComplete == nil {
		return
	}
	t.callbacks.OnComplete(completion)
}
