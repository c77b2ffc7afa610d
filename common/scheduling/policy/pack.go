package policy

import (
	"github.com/Scusemua/go-utils/config"
	"github.com/scusemua/gpu-mux/common/scheduling"
	"golang.org/x/exp/slices"
)

// PackPolicy greedily packs tasks onto the devices: candidates are visited in order of
// decreasing current resource footprint, and each session is drained until admission
// fails.
//
// Pack deliberately favors sessions that already hold resources; a small session can be
// starved indefinitely while larger sessions keep the devices saturated. That behavior
// is policy-defined, not an accounting violation.
type PackPolicy struct {
	basePolicy
}

// NewPackPolicy creates a PackPolicy bound to the given engine.
func NewPackPolicy(engine scheduling.Engine) *PackPolicy {
	policy := &PackPolicy{
		basePolicy: basePolicy{engine: engine},
	}
	config.InitLogger(&policy.log, policy)
	return policy
}

func (p *PackPolicy) Name() string {
	return string(scheduling.PolicyPack)
}

// SelectCandidateSessions orders sessions by decreasing committed footprint, breaking
// ties by insertion order.
func (p *PackPolicy) SelectCandidateSessions(sessions []*scheduling.SessionItem, _ scheduling.SessionChangeSet) []*scheduling.SessionItem {
	candidates := slices.Clone(sessions)
	slices.SortStableFunc(candidates, func(a, b *scheduling.SessionItem) int {
		if a.AllocatedFootprint() != b.AllocatedFootprint() {
			if a.AllocatedFootprint() > b.AllocatedFootprint() {
				return -1
			}
			return 1
		}
		return int(a.InsertOrder()) - int(b.InsertOrder())
	})
	return candidates
}

// MaybeScheduleFrom greedily dispatches the session's tasks until the queue empties or
// admission fails.
func (p *PackPolicy) MaybeScheduleFrom(session *scheduling.SessionItem) (int, bool) {
	return p.drainSession(session)
}
