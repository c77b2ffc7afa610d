package resource

import (
	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/gpu-mux/common/types"
)

// AllocationListener observes allocation and deallocation events flowing through a
// Context.
//
// Listeners are always invoked outside the monitor lock. A listener must not call back
// into the Context synchronously.
type AllocationListener interface {
	// NotifyAlloc is invoked once per tag when an OperationScope commits.
	NotifyAlloc(graphID uint64, ticket Ticket, tag types.ResourceTag, n int64)

	// NotifyDealloc is invoked when the Context frees committed resources. last is true
	// iff the deallocation removed the ticket's final commitment.
	NotifyDealloc(graphID uint64, ticket Ticket, tag types.ResourceTag, n int64, last bool)
}

// AllocationLogListener writes every allocation event through the runtime logger.
// It is the diagnostic sink of the closed listener set.
type AllocationLogListener struct {
	log logger.Logger
}

// NewAllocationLogListener creates a new AllocationLogListener.
func NewAllocationLogListener() *AllocationLogListener {
	listener := &AllocationLogListener{}
	config.InitLogger(&listener.log, listener)
	return listener
}

func (l *AllocationLogListener) NotifyAlloc(graphID uint64, ticket Ticket, tag types.ResourceTag, n int64) {
	l.log.Debug("alloc: graph=%d ticket=%d %s += %d", graphID, ticket, tag.String(), n)
}

func (l *AllocationLogListener) NotifyDealloc(graphID uint64, ticket Ticket, tag types.ResourceTag, n int64, last bool) {
	l.log.Debug("dealloc: graph=%d ticket=%d %s -= %d (last=%v)", graphID, ticket, tag.String(), n, last)
}
