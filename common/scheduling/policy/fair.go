package policy

import (
	"github.com/Scusemua/go-utils/config"
	"github.com/scusemua/gpu-mux/common/scheduling"
	"golang.org/x/exp/slices"
)

// FairPolicy gives every session a turn: candidates are visited least-recently-scheduled
// first, and a session whose head task cannot be admitted may have its head bypassed up
// to the configured cap before it blocks.
type FairPolicy struct {
	basePolicy
}

// NewFairPolicy creates a FairPolicy bound to the given engine.
func NewFairPolicy(engine scheduling.Engine) *FairPolicy {
	policy := &FairPolicy{
		basePolicy: basePolicy{engine: engine},
	}
	config.InitLogger(&policy.log, policy)
	return policy
}

func (p *FairPolicy) Name() string {
	return string(scheduling.PolicyFair)
}

// SelectCandidateSessions orders all sessions least-recently-scheduled first, breaking
// ties by insertion order so a fresh session is not starved behind an equally-fresh one.
func (p *FairPolicy) SelectCandidateSessions(sessions []*scheduling.SessionItem, _ scheduling.SessionChangeSet) []*scheduling.SessionItem {
	candidates := slices.Clone(sessions)
	slices.SortStableFunc(candidates, func(a, b *scheduling.SessionItem) int {
		if !a.LastScheduledAt().Equal(b.LastScheduledAt()) {
			if a.LastScheduledAt().Before(b.LastScheduledAt()) {
				return -1
			}
			return 1
		}
		return int(a.InsertOrder()) - int(b.InsertOrder())
	})
	return candidates
}

// MaybeScheduleFrom dispatches the session's head task if resources admit; otherwise it
// bypasses the head up to max-hol-waiting times before leaving the session blocked.
func (p *FairPolicy) MaybeScheduleFrom(session *scheduling.SessionItem) (int, bool) {
	return p.scheduleWithBypass(session)
}
