package types

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// ResourceMemory is device memory, accounted in bytes.
	ResourceMemory ResourceType = "MEMORY"

	// ResourceGPUStream is a physical GPU execution stream. Accounted in whole streams.
	ResourceGPUStream ResourceType = "GPU_STREAM"

	// ResourceCPUComputeTime and ResourceGPUComputeTime are accounted in abstract
	// compute-time units. No built-in policy reads them, and the daemon configures no
	// capacity for them.
	ResourceCPUComputeTime ResourceType = "CPU_COMPUTE_TIME"
	ResourceGPUComputeTime ResourceType = "GPU_COMPUTE_TIME"
)

// ResourceType is the closed set of resource classes tracked by the resource monitor.
// The set is extensible per build, but values are never synthesized at runtime.
type ResourceType string

// ResourceTag identifies a typed capacity on a particular device, e.g. (MEMORY, GPU:0).
// ResourceTag is a value type and is usable as a map key.
type ResourceTag struct {
	Type   ResourceType `json:"type"`
	Device DeviceSpec   `json:"device"`
}

// NewTag creates a ResourceTag for the given resource type and device.
func NewTag(t ResourceType, device DeviceSpec) ResourceTag {
	return ResourceTag{Type: t, Device: device}
}

func (t ResourceTag) String() string {
	return fmt.Sprintf("%s@%s", t.Type, t.Device)
}

// Resources is a resource vector: a mapping from ResourceTag to a nonnegative quantity.
// A zero entry is equivalent to an absent entry; mutating operations normalize by removing
// entries that reach zero.
type Resources map[ResourceTag]int64

// NewResources creates an empty resource vector.
func NewResources() Resources {
	return make(Resources)
}

// SingleResource creates a resource vector holding a single entry.
func SingleResource(tag ResourceTag, n int64) Resources {
	return Resources{tag: n}
}

// Get returns the quantity recorded for tag, or zero if the tag is absent.
func (r Resources) Get(tag ResourceTag) int64 {
	return r[tag]
}

// Set records n for tag, removing the entry when n is zero.
func (r Resources) Set(tag ResourceTag, n int64) {
	if n == 0 {
		delete(r, tag)
		return
	}
	r[tag] = n
}

// Add increases the quantity recorded for tag by n.
func (r Resources) Add(tag ResourceTag, n int64) {
	r.Set(tag, r[tag]+n)
}

// Sub decreases the quantity recorded for tag by n, saturating at zero.
// Sub returns the amount actually subtracted.
func (r Resources) Sub(tag ResourceTag, n int64) int64 {
	cur := r[tag]
	if n > cur {
		n = cur
	}
	r.Set(tag, cur-n)
	return n
}

// Merge adds every entry of other into the target vector.
func (r Resources) Merge(other Resources) {
	for tag, n := range other {
		r.Add(tag, n)
	}
}

// Empty returns true if the vector holds no nonzero entries.
func (r Resources) Empty() bool {
	for _, n := range r {
		if n != 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the resource vector.
func (r Resources) Clone() Resources {
	clone := make(Resources, len(r))
	for tag, n := range r {
		if n != 0 {
			clone[tag] = n
		}
	}
	return clone
}

// DominatedBy returns true if, for every tag, the target vector's quantity is less than
// or equal to the other vector's quantity.
func (r Resources) DominatedBy(other Resources) bool {
	for tag, n := range r {
		if n > other[tag] {
			return false
		}
	}
	return true
}

// Conflicts returns true if the target vector requests a nonzero amount for any tag
// present (nonzero) in other. It is used by head-of-line bypass to decide whether a
// later task competes with the blocked head task's unmet requirement.
func (r Resources) Conflicts(other Resources) bool {
	for tag, n := range r {
		if n > 0 && other[tag] > 0 {
			return true
		}
	}
	return false
}

// Tags returns the tags present in the vector, sorted for deterministic iteration.
func (r Resources) Tags() []ResourceTag {
	tags := make([]ResourceTag, 0, len(r))
	for tag := range r {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Device != tags[j].Device {
			return tags[i].Device.Less(tags[j].Device)
		}
		return tags[i].Type < tags[j].Type
	})
	return tags
}

// String returns a stable, human-readable rendering of the vector, suitable for logging.
func (r Resources) String() string {
	if len(r) == 0 {
		return "Resources{}"
	}

	var builder strings.Builder
	builder.WriteString("Resources{")
	for i, tag := range r.Tags() {
		if i > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString(fmt.Sprintf("%s=%d", tag.String(), r[tag]))
	}
	builder.WriteString("}")
	return builder.String()
}
