package resource

import (
	"errors"
	"fmt"

	"github.com/scusemua/gpu-mux/common/types"
)

var (
	// ErrOutOfCapacity indicates that a staging request could not be satisfied because one
	// or more resource tags had insufficient remaining capacity.
	ErrOutOfCapacity = errors.New("insufficient capacity available")

	// ErrInvalidTicket indicates that an operation referenced ticket zero or a ticket
	// unknown to the monitor.
	ErrInvalidTicket = errors.New("invalid or unknown ticket")
)

// OutOfCapacityError is returned by Monitor.MintStaging when a staging request does not
// fit. It records which tags could not be satisfied, along with the amounts that were
// requested and available at the time of the failed request.
type OutOfCapacityError struct {
	// Requested is the full resource vector of the failed staging request.
	Requested types.Resources

	// OffendingTags holds each ResourceTag for which there was insufficient capacity
	// remaining (and thus that tag contributed to the failure).
	OffendingTags []types.ResourceTag

	// Available records the capacity that remained for each offending tag.
	Available types.Resources
}

func newOutOfCapacityError(requested types.Resources, offending []types.ResourceTag, available types.Resources) *OutOfCapacityError {
	return &OutOfCapacityError{
		Requested:     requested.Clone(),
		OffendingTags: offending,
		Available:     available,
	}
}

func (e *OutOfCapacityError) Error() string {
	return e.String()
}

func (e *OutOfCapacityError) Is(other error) bool {
	if other == ErrOutOfCapacity {
		return true
	}
	var outOfCapacityError *OutOfCapacityError
	return errors.As(other, &outOfCapacityError)
}

func (e *OutOfCapacityError) String() string {
	return fmt.Sprintf("OutOfCapacityError[Requested=%s,Offending=%v,Available=%s]",
		e.Requested.String(), e.OffendingTags, e.Available.String())
}
