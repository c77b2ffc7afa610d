package policy

import (
	"fmt"

	"github.com/scusemua/gpu-mux/common/scheduling"
)

// GetSchedulingPolicy returns the policy instance named by policyName, bound to the
// given engine.
//
// If no built-in policy matches, a scheduling.ErrInvalidSchedulingPolicy is returned.
func GetSchedulingPolicy(policyName string, engine scheduling.Engine) (scheduling.Policy, error) {
	if policyName == "" {
		return nil, fmt.Errorf("%w: unspecified (you did not specify one)", scheduling.ErrInvalidSchedulingPolicy)
	}

	switch policyName {
	case string(scheduling.PolicyFair):
		{
			return NewFairPolicy(engine), nil
		}
	case string(scheduling.PolicyPreempt):
		{
			return NewPreemptPolicy(engine), nil
		}
	case string(scheduling.PolicyPack):
		{
			return NewPackPolicy(engine), nil
		}
	case string(scheduling.PolicyRR):
		{
			return NewRoundRobinPolicy(engine), nil
		}
	case string(scheduling.PolicyFIFO):
		{
			return NewFifoPolicy(engine), nil
		}
	default:
		{
			return nil, fmt.Errorf("%w: \"%s\"", scheduling.ErrInvalidSchedulingPolicy, policyName)
		}
	}
}
