package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/scusemua/gpu-mux/common/configuration"
	"github.com/scusemua/gpu-mux/common/metrics"
	"github.com/scusemua/gpu-mux/common/scheduling"
	"github.com/scusemua/gpu-mux/common/scheduling/policy"
	"github.com/scusemua/gpu-mux/common/scheduling/resource"
	"github.com/scusemua/gpu-mux/common/types"
	"github.com/scusemua/gpu-mux/common/utils/hashmap"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"
)

// idleWait bounds how long the scheduler blocks when no work was scheduled and no
// change-set is pending. The bound guards against missed wakeups.
const idleWait = 50 * time.Millisecond

// ExecutionEngine owns the scheduling loop: it admits tasks through the resource
// monitor, selects among runnable sessions via the configured policy, and dispatches
// admitted tasks onto a bounded worker pool.
//
// One long-running scheduler goroutine executes the outer loop. A fixed pool of worker
// goroutines executes kernels, consuming admitted tasks in admission order and waking
// the scheduler on completion.
type ExecutionEngine struct {
	// Id is the unique identifier of the engine, used only for logging.
	Id string

	log logger.Logger

	monitor        *resource.Monitor
	metricsManager *metrics.RuntimeMetricsManager

	// params is swapped atomically by SetSchedulingParam and read at the top of every
	// scheduling iteration.
	params      atomic.Pointer[configuration.SchedulerParameters]
	paramsDirty atomic.Bool

	// policy is owned by the scheduler goroutine; it is replaced there when paramsDirty
	// is observed.
	policy scheduling.Policy

	mu             sync.Mutex
	sessions       []*scheduling.SessionItem
	sessionsByName *hashmap.CornelkMap[string, *scheduling.SessionItem]
	changes        scheduling.SessionChangeSet
	sessionCounter uint64

	devices       map[types.DeviceSpec]scheduling.DeviceProvider
	defaultDevice types.DeviceSpec

	// listeners are attached to every resource context created at admission.
	listeners []resource.AllocationListener

	// taskQueue feeds admitted tasks to the worker pool in admission order.
	taskQueue  chan *dispatchedTask
	workersWG  sync.WaitGroup
	inflight   sync.WaitGroup
	wake       chan struct{}
	stop       chan struct{}
	loopDone   chan struct{}
	running    atomic.Bool
	stopping   atomic.Bool
	numWorkers int
}

// dispatchedTask pairs an admitted task with its owning session on the worker queue.
type dispatchedTask struct {
	session *scheduling.SessionItem
	task    scheduling.Task
}

// NewExecutionEngine creates an ExecutionEngine over the given monitor, configured from
// opts. metricsManager may be nil.
func NewExecutionEngine(monitor *resource.Monitor, opts *configuration.RuntimeOptions, metricsManager *metrics.RuntimeMetricsManager) (*ExecutionEngine, error) {
	engine := &ExecutionEngine{
		Id:             uuid.NewString(),
		monitor:        monitor,
		metricsManager: metricsManager,
		sessionsByName: hashmap.NewCornelkMap[string, *scheduling.SessionItem](32),
		changes:        scheduling.NewSessionChangeSet(),
		devices:        make(map[types.DeviceSpec]scheduling.DeviceProvider),
		defaultDevice:  types.CPU0,
		numWorkers:     opts.NumWorkers,
		wake:           make(chan struct{}, 1),
	}
	config.InitLogger(&engine.log, engine)

	params := opts.SchedulerParameters
	engine.params.Store(&params)

	activePolicy, err := policy.GetSchedulingPolicy(params.SchedulingPolicy, engine)
	if err != nil {
		return nil, err
	}
	engine.policy = activePolicy

	engine.log.Debug("Execution engine initialized: policy=%s, workers=%d, maxHolWaiting=%d, workConservative=%v",
		params.SchedulingPolicy, opts.NumWorkers, params.MaxHolWaiting, params.WorkConservative)

	return engine, nil
}

// RegisterDevice registers a device provider. The first GPU provider registered becomes
// the default dispatch target for tasks that declare no device preference.
func (e *ExecutionEngine) RegisterDevice(provider scheduling.DeviceProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()

	spec := provider.Spec()
	e.devices[spec] = provider

	if spec.IsGPU() && !e.defaultDevice.IsGPU() {
		e.defaultDevice = spec
	}
}

// AddAllocationListener registers a listener to be attached to every resource context
// the engine creates at admission. Must be called before StartScheduler.
func (e *ExecutionEngine) AddAllocationListener(listener resource.AllocationListener) {
	e.listeners = append(e.listeners, listener)
}

// Monitor returns the engine's resource monitor.
func (e *ExecutionEngine) Monitor() *resource.Monitor {
	return e.monitor
}

// CreateSession registers a new session and returns its SessionItem. The scheduler is
// woken so the new session is visible to the next iteration's change-set.
func (e *ExecutionEngine) CreateSession() *scheduling.SessionItem {
	e.mu.Lock()

	e.sessionCounter++
	session := scheduling.NewSessionItem(uuid.NewString(), e.sessionCounter)
	e.sessions = append(e.sessions, session)
	e.sessionsByName.Store(session.Handle(), session)
	e.changes.Record(session.Handle(), scheduling.SessionAdded)

	e.mu.Unlock()

	e.log.Debug("Created session %s (order=%d)", session.Handle(), session.InsertOrder())
	e.signal()

	return session
}

// RemoveSession tears a session down: its pending tasks are rejected with ErrCancelled
// and it stops being a scheduling candidate.
func (e *ExecutionEngine) RemoveSession(handle string) error {
	e.mu.Lock()

	session, ok := e.sessionsByName.Load(handle)
	if !ok {
		e.mu.Unlock()
		return scheduling.ErrNoSuchSession
	}

	e.sessionsByName.Delete(handle)
	e.sessions = slices.DeleteFunc(e.sessions, func(s *scheduling.SessionItem) bool {
		return s.Handle() == handle
	})
	e.changes.Record(handle, scheduling.SessionRemoved)

	e.mu.Unlock()

	rejectPending(session)

	e.log.Debug("Removed session %s", handle)
	e.signal()

	return nil
}

// Submit appends the task to its owning session's queue and wakes the scheduler.
func (e *ExecutionEngine) Submit(task scheduling.Task) error {
	if e.stopping.Load() {
		return scheduling.ErrCancelled
	}

	session, ok := e.sessionsByName.Load(task.SessionHandle())
	if !ok {
		return scheduling.ErrNoSuchSession
	}

	session.EnqueueTask(task)
	e.signal()

	return nil
}

// SetSchedulingParam atomically swaps the scheduling parameters. The change — including
// a policy change — takes effect on the next scheduling iteration.
func (e *ExecutionEngine) SetSchedulingParam(params configuration.SchedulerParameters) {
	if err := params.Validate(); err != nil {
		e.log.Error("Rejecting invalid scheduling parameters: %v", err)
		return
	}

	e.params.Store(&params)
	e.paramsDirty.Store(true)
	e.signal()
}

// SchedulingParameters returns the parameters currently in effect.
func (e *ExecutionEngine) SchedulingParameters() configuration.SchedulerParameters {
	return *e.params.Load()
}

// StartScheduler launches the dedicated scheduling goroutine.
func (e *ExecutionEngine) StartScheduler() error {
	if !e.running.CompareAndSwap(false, true) {
		return scheduling.ErrEngineAlreadyRunning
	}

	e.stopping.Store(false)
	e.stop = make(chan struct{})
	e.loopDone = make(chan struct{})
	e.taskQueue = make(chan *dispatchedTask, 1024)

	for i := 0; i < e.numWorkers; i++ {
		e.workersWG.Add(1)
		go e.worker()
	}

	go e.schedulerLoop()

	e.log.Info("Scheduler started (policy=%s)", e.policy.Name())

	return nil
}

// StopScheduler cooperatively shuts the scheduler down: no further submissions are
// accepted, in-flight tasks run to natural completion, still-queued tasks are rejected
// with ErrCancelled, and the scheduling goroutine is joined.
func (e *ExecutionEngine) StopScheduler() error {
	if !e.running.Load() {
		return scheduling.ErrEngineNotRunning
	}

	e.stopping.Store(true)
	close(e.stop)
	e.signal()

	// The scheduler loop is the sole producer for the worker queue; once it has
	// joined, the queue can be closed and drained.
	<-e.loopDone
	close(e.taskQueue)
	e.workersWG.Wait()
	e.inflight.Wait()

	e.mu.Lock()
	sessions := slices.Clone(e.sessions)
	e.mu.Unlock()

	for _, session := range sessions {
		rejectPending(session)
	}

	e.running.Store(false)
	e.log.Info("Scheduler stopped")

	return nil
}

// TryScheduleTask attempts to admit the task: mint a staging ticket sized to its
// declared request, bind a resource context, and hand it to a worker.
//
// On admission failure the task is left untouched in its queue; the typed error is
// logged at debug level only.
func (e *ExecutionEngine) TryScheduleTask(session *scheduling.SessionItem, task scheduling.Task) error {
	if e.stopping.Load() {
		return scheduling.ErrCancelled
	}

	request := task.RequestedResources()

	ticket, err := e.monitor.MintStaging(request)
	if err != nil {
		e.metricsManager.AdmissionFailed()
		e.log.Debug("Admission of task %s (session %s) failed: %v", task.ID(), session.Handle(), err)
		return err
	}

	spec, ok := task.PreferredDevice()
	if !ok {
		spec = e.defaultDevice
	}

	rctx := resource.NewContext(e.monitor, task.Graph().Fingerprint(), session.Handle(), spec, ticket)
	for _, listener := range e.listeners {
		rctx.AddListener(listener)
	}
	task.BindResourceContext(rctx)

	session.AddAllocated(request)

	e.inflight.Add(1)
	e.taskQueue <- &dispatchedTask{session: session, task: task}

	e.metricsManager.TaskScheduled(e.policy.Name())

	return nil
}

// worker executes admitted tasks from the dispatch queue until it closes. Tasks of a
// single session arrive in submission order; with one worker they also run in that
// order.
func (e *ExecutionEngine) worker() {
	defer e.workersWG.Done()

	for dispatched := range e.taskQueue {
		e.runTask(dispatched.session, dispatched.task)
	}
}

// SelectPagingVictims returns up to max pagable, non-protected sessions in
// least-recently-scheduled order. Callers page the victims' buffer trees toward another
// device to relieve memory pressure.
func (e *ExecutionEngine) SelectPagingVictims(max int) []*scheduling.SessionItem {
	e.mu.Lock()
	candidates := slices.Clone(e.sessions)
	e.mu.Unlock()

	candidates = slices.DeleteFunc(candidates, func(s *scheduling.SessionItem) bool {
		return s.Protected() || !s.Pagable()
	})

	slices.SortStableFunc(candidates, func(a, b *scheduling.SessionItem) int {
		if a.LastScheduledAt().Before(b.LastScheduledAt()) {
			return -1
		}
		if a.LastScheduledAt().After(b.LastScheduledAt()) {
			return 1
		}
		return int(a.InsertOrder()) - int(b.InsertOrder())
	})

	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

// schedulerLoop is the outer loop of §"one iteration": snapshot sessions, consume the
// change-set, let the policy pick and advance candidates, then block briefly when idle.
func (e *ExecutionEngine) schedulerLoop() {
	defer close(e.loopDone)

	for {
		select {
		case <-e.stop:
			return
		default:
		}

		e.maybeSwapPolicy()

		e.mu.Lock()
		sessions := slices.Clone(e.sessions)
		changes := e.changes
		e.changes = scheduling.NewSessionChangeSet()
		e.mu.Unlock()

		candidates := e.policy.SelectCandidateSessions(sessions, changes)

		total := 0
		for _, candidate := range candidates {
			scheduled, contd := e.policy.MaybeScheduleFrom(candidate)
			total += scheduled
			if !contd {
				break
			}
		}

		if total == 0 && changes.Empty() {
			select {
			case <-e.wake:
			case <-e.stop:
				return
			case <-time.After(idleWait):
			}
		}
	}
}

// maybeSwapPolicy replaces the active policy when SetSchedulingParam changed it. Runs
// only on the scheduler goroutine.
func (e *ExecutionEngine) maybeSwapPolicy() {
	if !e.paramsDirty.CompareAndSwap(true, false) {
		return
	}

	params := e.params.Load()
	if e.policy.Name() == params.SchedulingPolicy {
		return
	}

	newPolicy, err := policy.GetSchedulingPolicy(params.SchedulingPolicy, e)
	if err != nil {
		e.log.Error("Keeping policy %s: %v", e.policy.Name(), err)
		return
	}

	e.log.Info("Swapping scheduling policy: %s -> %s", e.policy.Name(), newPolicy.Name())
	e.policy = newPolicy
}

// runTask executes one admitted task on a worker goroutine: bind a per-task device, run
// prepare → run → complete, release accounting, and wake the scheduler.
func (e *ExecutionEngine) runTask(session *scheduling.SessionItem, task scheduling.Task) {
	defer e.inflight.Done()

	rctx := task.ResourceContext()

	device := e.bindPerTaskDevice(task, rctx)

	started := time.Now()

	var completion *scheduling.Completion
	if err := task.Prepare(device); err != nil {
		completion = &scheduling.Completion{Status: err}
	} else {
		completion = task.Run(device, rctx)
	}

	device.Close()

	e.finishTask(session, task, completion, time.Since(started))
}

// bindPerTaskDevice builds the per-task device for the task's primary device, falling
// back to a no-op host device when no provider is registered for it.
func (e *ExecutionEngine) bindPerTaskDevice(task scheduling.Task, rctx *resource.Context) scheduling.PerTaskDevice {
	e.mu.Lock()
	provider, ok := e.devices[rctx.Spec()]
	e.mu.Unlock()

	if !ok {
		return scheduling.NewNoopPerTaskDevice(rctx)
	}

	if err := provider.FillContextMap(task.Graph()); err != nil {
		e.log.Error("Stream assignment for graph %s on %s failed: %v",
			task.Graph().FingerprintKey(), rctx.Spec(), err)
		return scheduling.NewNoopPerTaskDevice(rctx)
	}

	device, err := provider.CreatePerTaskDevice(task.Graph(), rctx)
	if err != nil {
		e.log.Error("Per-task device construction on %s failed: %v", rctx.Spec(), err)
		return scheduling.NewNoopPerTaskDevice(rctx)
	}

	return device
}

// finishTask releases the task's remaining accounting, records statistics, invokes the
// completion hook, and wakes the scheduler.
func (e *ExecutionEngine) finishTask(session *scheduling.SessionItem, task scheduling.Task, completion *scheduling.Completion, elapsed time.Duration) {
	if completion == nil {
		completion = &scheduling.Completion{}
	}
	completion.Duration = elapsed

	rctx := task.ResourceContext()
	if rctx != nil {
		rctx.ReleaseStaging()

		// Whatever the task left committed under its ticket is released here; explicit
		// per-resource deallocs during Run have already been accounted.
		if remaining, ok := e.monitor.Committed(rctx.Ticket()); ok {
			e.monitor.Free(rctx.Ticket(), remaining)
		}
	}

	session.SubAllocated(task.RequestedResources())
	session.Statistics().RecordTask(elapsed, utilizationRatio(completion.ObservedUsage, task.RequestedResources()))

	e.metricsManager.ObserveTaskLatency(elapsed)
	e.metricsManager.ObserveResources(e.monitor.InUse(), e.monitor.StagingTotal())

	task.Complete(completion)

	e.signal()
}

// signal wakes the scheduler goroutine if it is blocked. Non-blocking.
func (e *ExecutionEngine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// rejectPending drains a session's queue, completing every task with ErrCancelled.
func rejectPending(session *scheduling.SessionItem) {
	for {
		task, ok := session.DequeueHead()
		if !ok {
			return
		}
		task.Complete(&scheduling.Completion{Status: scheduling.ErrCancelled})
	}
}

// utilizationRatio computes total observed usage over total requested usage as a decimal.
// The ratio is not clamped, so usage beyond the request yields a value above one; an
// empty request yields zero.
func utilizationRatio(observed types.Resources, requested types.Resources) decimal.Decimal {
	var requestedTotal, observedTotal int64
	for _, tag := range requested.Tags() {
		requestedTotal += requested.Get(tag)
	}
	for _, tag := range observed.Tags() {
		observedTotal += observed.Get(tag)
	}

	if requestedTotal == 0 {
		return decimal.Zero
	}

	return decimal.NewFromInt(observedTotal).Div(decimal.NewFromInt(requestedTotal))
}
