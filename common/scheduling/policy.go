package scheduling

import (
	"github.com/scusemua/gpu-mux/common/configuration"
)

const (
	PolicyFair    PolicyName = "fair"
	PolicyPreempt PolicyName = "preempt"
	PolicyPack    PolicyName = "pack"
	PolicyRR      PolicyName = "rr"
	PolicyFIFO    PolicyName = "fifo"
)

// PolicyName identifies one of the built-in scheduling policies.
type PolicyName string

// Policy is the scheduler policy plugin interface. The engine owns the policy instance;
// policies hold a reference back to the engine to read configuration and to drive
// admission.
type Policy interface {
	// Name returns the policy's name.
	Name() string

	// SelectCandidateSessions returns an ordered subset of sessions deserving a
	// scheduling opportunity this iteration. The change-set covers the sessions added
	// and removed since the previous iteration; it is consumed exactly once.
	SelectCandidateSessions(sessions []*SessionItem, changes SessionChangeSet) []*SessionItem

	// MaybeScheduleFrom attempts to advance tasks in the given session. It returns how
	// many tasks it dispatched and whether the engine should keep iterating candidates.
	MaybeScheduleFrom(session *SessionItem) (int, bool)
}

// Engine is the surface a Policy uses to read configuration and dispatch tasks.
type Engine interface {
	// SchedulingParameters returns the parameters in effect for this iteration.
	SchedulingParameters() configuration.SchedulerParameters

	// TryScheduleTask attempts to admit the given task: minting a staging ticket sized
	// to the task's declared request, binding a resource context, and handing the task
	// to a worker. On admission failure, a resource.ErrOutOfCapacity-classified error
	// is returned and the task is NOT consumed from the session's queue.
	TryScheduleTask(session *SessionItem, task Task) error
}
