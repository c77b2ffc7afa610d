package configuration

import (
	"fmt"
	"os"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxHolWaiting    = 50
	DefaultSchedulingPolicy = "pack"
	DefaultMaxStreams       = 8
)

// SchedulerParameters are the scheduling parameters that may be swapped at runtime.
// Changes take effect on the next scheduling iteration.
type SchedulerParameters struct {
	// SchedulingPolicy selects the active policy. Options are 'fair', 'preempt', 'pack',
	// 'rr', and 'fifo'.
	SchedulingPolicy string `name:"scheduling-policy" json:"scheduling-policy" yaml:"scheduling-policy" description:"The scheduling policy to use. Options are 'fair', 'preempt', 'pack', 'rr', and 'fifo'."`

	// MaxHolWaiting is the maximum number of tasks allowed to go before the queue head
	// of a session during head-of-line bypass.
	MaxHolWaiting uint64 `name:"max-hol-waiting" json:"max-hol-waiting" yaml:"max-hol-waiting" description:"Maximum number of tasks allowed to go before the queue head in scheduling."`

	// WorkConservative, when true, lets the scheduler bypass an inadmissible head task
	// and try later tasks of the same session rather than idle.
	WorkConservative bool `name:"work-conservative" json:"work-conservative" yaml:"work-conservative" description:"If true, the scheduler will not idle while any admissible task exists, subject to the head-of-line waiting cap."`
}

// RuntimeOptions includes all configuration parameters of the GPU-sharing runtime daemon.
type RuntimeOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	SchedulerParameters `yaml:"scheduler"`

	// NumGPUs is the number of physical GPU devices managed by the runtime.
	NumGPUs int `name:"num-gpus" json:"num-gpus" yaml:"num-gpus" description:"The number of physical GPU devices managed by the runtime."`

	// MaxStreamsPerGPU is the number of concurrent physical execution streams per GPU device.
	MaxStreamsPerGPU int `name:"max-streams-per-gpu" json:"max-streams-per-gpu" yaml:"max-streams-per-gpu" description:"The number of concurrent physical execution streams available on each GPU device."`

	// GPUMemoryBytes is the configured memory capacity, in bytes, of each GPU device.
	GPUMemoryBytes int64 `name:"gpu-memory-bytes" json:"gpu-memory-bytes" yaml:"gpu-memory-bytes" description:"The memory capacity, in bytes, of each GPU device."`

	// NumWorkers bounds the shared worker pool that executes tasks.
	NumWorkers int `name:"num-workers" json:"num-workers" yaml:"num-workers" description:"The maximum number of tasks executing concurrently on worker threads."`

	// PrometheusPort is the port on which the runtime serves Prometheus metrics.
	// A value <= 0 disables the metrics endpoint.
	PrometheusPort int `name:"prometheus-port" json:"prometheus-port" yaml:"prometheus-port" description:"The port on which the runtime will serve Prometheus metrics. Disabled when <= 0."`
}

// NewRuntimeOptions returns a RuntimeOptions populated with defaults.
func NewRuntimeOptions() *RuntimeOptions {
	return &RuntimeOptions{
		SchedulerParameters: SchedulerParameters{
			SchedulingPolicy: DefaultSchedulingPolicy,
			MaxHolWaiting:    DefaultMaxHolWaiting,
			WorkConservative: true,
		},
		NumGPUs:          1,
		MaxStreamsPerGPU: DefaultMaxStreams,
		NumWorkers:       4,
	}
}

// LoadRuntimeOptions reads the YAML config file at the given path into a new RuntimeOptions.
// Absent fields keep their defaults.
func LoadRuntimeOptions(path string) (*RuntimeOptions, error) {
	opts := NewRuntimeOptions()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err = yaml.Unmarshal(raw, opts); err != nil {
		return nil, fmt.Errorf("malformed configuration file \"%s\": %w", path, err)
	}

	if err = opts.Validate(); err != nil {
		return nil, err
	}

	return opts, nil
}

// Validate checks the options for inconsistencies and normalizes degenerate values.
func (opts *RuntimeOptions) Validate() error {
	if opts.NumGPUs < 0 {
		return fmt.Errorf("num-gpus must be nonnegative (got %d)", opts.NumGPUs)
	}

	if opts.MaxStreamsPerGPU <= 0 {
		opts.MaxStreamsPerGPU = DefaultMaxStreams
	}

	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}

	return opts.SchedulerParameters.Validate()
}

// Validate normalizes the scheduling parameters.
func (p *SchedulerParameters) Validate() error {
	if p.SchedulingPolicy == "" {
		p.SchedulingPolicy = DefaultSchedulingPolicy
	}
	p.SchedulingPolicy = strings.ToLower(p.SchedulingPolicy)

	return nil
}

func (opts *RuntimeOptions) Clone() *RuntimeOptions {
	clone := *opts
	return &clone
}

func (opts *RuntimeOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent
// instead of json.Marshal.
func (opts *RuntimeOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}
