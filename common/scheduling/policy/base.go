package policy

import (
	"errors"

	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/gpu-mux/common/scheduling"
	"github.com/scusemua/gpu-mux/common/scheduling/resource"
	"github.com/scusemua/gpu-mux/common/types"
)

// basePolicy carries the engine back-reference and the scheduling loop shared by the
// built-in policies: dispatch the head task when admission allows, otherwise optionally
// bypass the head under the work-conservation rules.
type basePolicy struct {
	engine scheduling.Engine
	log    logger.Logger
}

// scheduleHead attempts to dispatch the session's head task exactly once.
//
// Returns (1, nil) when the head dispatched; (0, err) when admission failed with err.
// An empty queue returns (0, nil).
func (p *basePolicy) scheduleHead(session *scheduling.SessionItem) (int, error) {
	head, ok := session.HeadTask()
	if !ok {
		return 0, nil
	}

	if err := p.engine.TryScheduleTask(session, head); err != nil {
		return 0, err
	}

	// Admission succeeded: the head leaves the queue and the bypass counter resets.
	session.DequeueHead()
	session.ResetHolWaiting()
	session.MarkScheduled()

	return 1, nil
}

// bypassHead tries subsequent tasks in the session's queue that declare no resource
// conflict with the head task's unmet requirement, honoring the max-hol-waiting cap.
// Each dispatched bypass increments the session's holWaiting counter.
//
// offending is the set of tags the head task could not be admitted for.
func (p *basePolicy) bypassHead(session *scheduling.SessionItem, offending []types.ResourceTag) int {
	params := p.engine.SchedulingParameters()
	if !params.WorkConservative {
		return 0
	}

	scheduled := 0

	// Index 0 is the blocked head; start behind it. Dispatching an entry shifts the
	// queue left, so the index only advances past entries we skip.
	i := 1
	for session.HolWaiting() < params.MaxHolWaiting {
		task, ok := session.TaskAt(i)
		if !ok {
			break
		}

		if conflictsWithUnmet(task, offending) {
			i++
			continue
		}

		if err := p.engine.TryScheduleTask(session, task); err != nil {
			i++
			continue
		}

		session.RemoveTaskAt(i)
		session.IncrementHolWaiting()
		session.MarkScheduled()
		scheduled++
	}

	return scheduled
}

// scheduleWithBypass is the full per-session step used by the fair and preempt policies:
// dispatch the head if resources admit, otherwise bypass past it up to the cap.
func (p *basePolicy) scheduleWithBypass(session *scheduling.SessionItem) (int, bool) {
	scheduled, err := p.scheduleHead(session)
	if err == nil {
		return scheduled, true
	}

	if !errors.Is(err, resource.ErrOutOfCapacity) {
		// Shutdown or another terminal condition; stop iterating.
		return scheduled, false
	}

	p.log.Trace("Head task of session %s blocked on admission: %v", session.Handle(), err)

	var outOfCapacity *resource.OutOfCapacityError
	if errors.As(err, &outOfCapacity) {
		scheduled += p.bypassHead(session, outOfCapacity.OffendingTags)
	}

	return scheduled, true
}

// drainSession dispatches head tasks greedily until the queue empties or admission
// fails. Used by the pack and fifo policies.
func (p *basePolicy) drainSession(session *scheduling.SessionItem) (int, bool) {
	total := 0
	for {
		scheduled, err := p.scheduleHead(session)
		total += scheduled

		if err != nil {
			return total, errors.Is(err, resource.ErrOutOfCapacity)
		}

		if scheduled == 0 {
			// Queue drained.
			return total, true
		}
	}
}

// conflictsWithUnmet returns true if the task requests a nonzero amount of any tag the
// blocked head task could not obtain.
func conflictsWithUnmet(task scheduling.Task, offending []types.ResourceTag) bool {
	request := task.RequestedResources()
	for _, tag := range offending {
		if request.Get(tag) > 0 {
			return true
		}
	}
	return false
}
