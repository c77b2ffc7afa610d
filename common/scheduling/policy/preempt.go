package policy

import (
	"github.com/Scusemua/go-utils/config"
	"github.com/scusemua/gpu-mux/common/scheduling"
	"golang.org/x/exp/slices"
)

// PreemptPolicy always gives a newer session higher priority: candidates are visited
// newest-first, and as soon as a non-empty session has been visited, every older session
// contributes zero tasks for the remainder of the iteration.
type PreemptPolicy struct {
	basePolicy

	// suspendOlder is set once a newer session with runnable tasks has been visited in
	// the current iteration. Reset by SelectCandidateSessions.
	suspendOlder bool
}

// NewPreemptPolicy creates a PreemptPolicy bound to the given engine.
func NewPreemptPolicy(engine scheduling.Engine) *PreemptPolicy {
	policy := &PreemptPolicy{
		basePolicy: basePolicy{engine: engine},
	}
	config.InitLogger(&policy.log, policy)
	return policy
}

func (p *PreemptPolicy) Name() string {
	return string(scheduling.PolicyPreempt)
}

// SelectCandidateSessions orders sessions newest-first by insertion order and resets the
// per-iteration suspension state.
func (p *PreemptPolicy) SelectCandidateSessions(sessions []*scheduling.SessionItem, _ scheduling.SessionChangeSet) []*scheduling.SessionItem {
	p.suspendOlder = false

	candidates := slices.Clone(sessions)
	slices.SortStableFunc(candidates, func(a, b *scheduling.SessionItem) int {
		return int(b.InsertOrder()) - int(a.InsertOrder())
	})
	return candidates
}

// MaybeScheduleFrom behaves like the fair policy for the newest non-empty session, and
// contributes zero tasks for every older session while that session has runnable tasks.
func (p *PreemptPolicy) MaybeScheduleFrom(session *scheduling.SessionItem) (int, bool) {
	if p.suspendOlder {
		return 0, true
	}

	hadTasks := session.QueueLen() > 0

	scheduled, contd := p.scheduleWithBypass(session)

	if hadTasks {
		// A newer session with runnable tasks suspends every older one, whether or not
		// its tasks were admitted this iteration.
		p.suspendOlder = true
	}

	return scheduled, contd
}
