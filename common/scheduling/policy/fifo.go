package policy

import (
	"github.com/Scusemua/go-utils/config"
	"github.com/scusemua/gpu-mux/common/scheduling"
	"golang.org/x/exp/slices"
)

// FifoPolicy serves sessions strictly in submission order, draining each session fully
// before moving on. A session whose head cannot be admitted blocks the iteration; no
// later session is visited until it clears.
type FifoPolicy struct {
	basePolicy
}

// NewFifoPolicy creates a FifoPolicy bound to the given engine.
func NewFifoPolicy(engine scheduling.Engine) *FifoPolicy {
	policy := &FifoPolicy{
		basePolicy: basePolicy{engine: engine},
	}
	config.InitLogger(&policy.log, policy)
	return policy
}

func (p *FifoPolicy) Name() string {
	return string(scheduling.PolicyFIFO)
}

// SelectCandidateSessions returns the sessions in submission (insertion) order.
func (p *FifoPolicy) SelectCandidateSessions(sessions []*scheduling.SessionItem, _ scheduling.SessionChangeSet) []*scheduling.SessionItem {
	candidates := slices.Clone(sessions)
	slices.SortStableFunc(candidates, func(a, b *scheduling.SessionItem) int {
		return int(a.InsertOrder()) - int(b.InsertOrder())
	})
	return candidates
}

// MaybeScheduleFrom drains the session until its queue empties or admission fails.
// Iteration continues to the next session only once this session is fully drained.
func (p *FifoPolicy) MaybeScheduleFrom(session *scheduling.SessionItem) (int, bool) {
	scheduled, ok := p.drainSession(session)
	if !ok {
		return scheduled, false
	}

	return scheduled, session.QueueLen() == 0
}
