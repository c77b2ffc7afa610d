package daemon

import (
	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"github.com/scusemua/gpu-mux/common/configuration"
	"github.com/scusemua/gpu-mux/common/metrics"
	"github.com/scusemua/gpu-mux/common/scheduling/engine"
	"github.com/scusemua/gpu-mux/common/scheduling/resource"
	"github.com/scusemua/gpu-mux/common/types"
	"github.com/scusemua/gpu-mux/runtimed/device"
	"github.com/scusemua/gpu-mux/runtimed/tensor"
)

// RuntimeDaemon assembles the GPU-sharing runtime: the resource monitor sized from the
// configured devices, one GPUDevice per physical GPU, the execution engine, the pager,
// the metrics endpoint, and the configuration hot-reload watcher.
//
// The RPC boundary that feeds sessions into the daemon is external; clients drive the
// daemon through Engine().
type RuntimeDaemon struct {
	log logger.Logger

	opts *configuration.RuntimeOptions

	monitor        *resource.Monitor
	engine         *engine.ExecutionEngine
	devices        []*device.GPUDevice
	pager          *tensor.Pager
	metricsManager *metrics.RuntimeMetricsManager
	watcher        *configuration.Watcher
}

// New creates a RuntimeDaemon from the given options.
//
// allocators and copier are the numerical-library adapters used for tensor paging;
// when either is nil, paging is unavailable and SelectPagingVictims-driven migration is
// disabled.
func New(opts *configuration.RuntimeOptions, allocators tensor.AllocatorProvider, copier tensor.DMACopier) (*RuntimeDaemon, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid runtime options")
	}

	daemon := &RuntimeDaemon{
		opts:           opts,
		metricsManager: metrics.NewRuntimeMetricsManager(opts.PrometheusPort),
	}
	config.InitLogger(&daemon.log, daemon)

	daemon.monitor = resource.NewMonitor(capacitiesFromOptions(opts))

	executionEngine, err := engine.NewExecutionEngine(daemon.monitor, opts, daemon.metricsManager)
	if err != nil {
		return nil, err
	}
	daemon.engine = executionEngine

	executionEngine.AddAllocationListener(resource.NewAllocationLogListener())

	for i := 0; i < opts.NumGPUs; i++ {
		gpu := device.NewGPUDevice(i, opts.MaxStreamsPerGPU, daemon.metricsManager)
		daemon.devices = append(daemon.devices, gpu)
		executionEngine.RegisterDevice(gpu)
	}

	if allocators != nil && copier != nil {
		daemon.pager = tensor.NewPager(allocators, copier, daemon.metricsManager)
	}

	return daemon, nil
}

// capacitiesFromOptions builds the monitor's capacity vector: per GPU, its memory and
// stream capacities. No compute-time capacity is configured.
func capacitiesFromOptions(opts *configuration.RuntimeOptions) types.Resources {
	capacity := types.NewResources()

	for i := 0; i < opts.NumGPUs; i++ {
		gpu := types.GPU(i)
		capacity.Set(types.NewTag(types.ResourceMemory, gpu), opts.GPUMemoryBytes)
		capacity.Set(types.NewTag(types.ResourceGPUStream, gpu), int64(opts.MaxStreamsPerGPU))
	}

	return capacity
}

// Start launches the metrics endpoint, the scheduler thread, and the config watcher.
func (d *RuntimeDaemon) Start(configPath string) error {
	if err := d.metricsManager.Start(); err != nil {
		return err
	}

	if err := d.engine.StartScheduler(); err != nil {
		return err
	}

	if configPath != "" {
		watcher, err := configuration.NewWatcher(configPath, d.engine.SetSchedulingParam)
		if err != nil {
			// Hot reload is best-effort; the daemon runs fine without it.
			d.log.Warn("Configuration hot-reload disabled: %v", err)
		} else {
			d.watcher = watcher
		}
	}

	d.log.Info("Runtime daemon started: %d GPU(s), %d stream(s) each, policy=%s",
		d.opts.NumGPUs, d.opts.MaxStreamsPerGPU, d.engine.SchedulingParameters().SchedulingPolicy)

	return nil
}

// Stop shuts the daemon down: scheduler first (draining in-flight tasks), then the
// watcher and the metrics endpoint.
func (d *RuntimeDaemon) Stop() error {
	var firstErr error

	if err := d.engine.StopScheduler(); err != nil {
		firstErr = err
	}

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := d.metricsManager.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// Engine returns the daemon's execution engine.
func (d *RuntimeDaemon) Engine() *engine.ExecutionEngine {
	return d.engine
}

// Monitor returns the daemon's resource monitor.
func (d *RuntimeDaemon) Monitor() *resource.Monitor {
	return d.monitor
}

// Pager returns the daemon's pager, or nil when paging adapters were not provided.
func (d *RuntimeDaemon) Pager() *tensor.Pager {
	return d.pager
}

// Devices returns the daemon's GPU devices.
func (d *RuntimeDaemon) Devices() []*device.GPUDevice {
	return d.devices
}
