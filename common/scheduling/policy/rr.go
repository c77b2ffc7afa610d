package policy

import (
	"github.com/Scusemua/go-utils/config"
	"github.com/scusemua/gpu-mux/common/scheduling"
	"golang.org/x/exp/slices"
)

// RoundRobinPolicy dispatches exactly one task per session per turn, visiting sessions
// in strict rotation.
type RoundRobinPolicy struct {
	basePolicy

	// rotation advances once per iteration so each iteration starts from the next
	// session in insertion order.
	rotation int
}

// NewRoundRobinPolicy creates a RoundRobinPolicy bound to the given engine.
func NewRoundRobinPolicy(engine scheduling.Engine) *RoundRobinPolicy {
	policy := &RoundRobinPolicy{
		basePolicy: basePolicy{engine: engine},
	}
	config.InitLogger(&policy.log, policy)
	return policy
}

func (p *RoundRobinPolicy) Name() string {
	return string(scheduling.PolicyRR)
}

// SelectCandidateSessions returns the sessions in insertion order, rotated one further
// each iteration.
func (p *RoundRobinPolicy) SelectCandidateSessions(sessions []*scheduling.SessionItem, _ scheduling.SessionChangeSet) []*scheduling.SessionItem {
	candidates := slices.Clone(sessions)
	slices.SortStableFunc(candidates, func(a, b *scheduling.SessionItem) int {
		return int(a.InsertOrder()) - int(b.InsertOrder())
	})

	if len(candidates) == 0 {
		return candidates
	}

	pivot := p.rotation % len(candidates)
	p.rotation++

	rotated := make([]*scheduling.SessionItem, 0, len(candidates))
	rotated = append(rotated, candidates[pivot:]...)
	rotated = append(rotated, candidates[:pivot]...)
	return rotated
}

// MaybeScheduleFrom dispatches exactly one task if the head is admissible. The head is
// never bypassed under rr, so dispatch order per session equals submission order.
func (p *RoundRobinPolicy) MaybeScheduleFrom(session *scheduling.SessionItem) (int, bool) {
	scheduled, err := p.scheduleHead(session)
	if err != nil {
		p.log.Trace("Head task of session %s blocked on admission: %v", session.Handle(), err)
	}
	return scheduled, true
}
