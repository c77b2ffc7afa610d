package resource

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/gpu-mux/common/types"
)

// Context binds a single Ticket to a primary device and a session identity. Tasks use it
// to convert their staged admission into committed accounting (Alloc), to release
// committed accounting (Dealloc), and to discard leftover staging (ReleaseStaging).
//
// A Context holds a non-owning borrow of its Monitor; the monitor outlives all contexts
// by construction (the engine owns the monitor, sessions own contexts).
//
// Contexts may be cloned to re-point at a different device while sharing the same ticket
// (paging). All clones share the single has-staging flag, so ReleaseStaging performs the
// monitor call at most once regardless of how many clones invoke it.
type Context struct {
	monitor *Monitor

	graphID       uint64
	sessionHandle string
	spec          types.DeviceSpec
	ticket        Ticket

	// hasStaging is shared by every clone of this context. The single winner of the
	// compare-and-swap performs the FreeStaging call.
	hasStaging *atomic.Bool

	listeners []AllocationListener

	log logger.Logger
}

// NewContext creates a Context owning the given ticket. The ticket must be valid;
// a zero ticket is a programming error and panics.
func NewContext(monitor *Monitor, graphID uint64, sessionHandle string, spec types.DeviceSpec, ticket Ticket) *Context {
	if ticket == InvalidTicket {
		log.Panicf("Refusing to create a resource context with an invalid ticket (graph=%d, session=%s)",
			graphID, sessionHandle)
	}

	hasStaging := &atomic.Bool{}
	hasStaging.Store(true)

	ctx := &Context{
		monitor:       monitor,
		graphID:       graphID,
		sessionHandle: sessionHandle,
		spec:          spec,
		ticket:        ticket,
		hasStaging:    hasStaging,
	}
	config.InitLogger(&ctx.log, ctx)

	return ctx
}

// Clone creates a Context that re-points at a different device while sharing the
// original's ticket, listeners, and has-staging flag. Used during paging.
func (c *Context) Clone(spec types.DeviceSpec) *Context {
	clone := &Context{
		monitor:       c.monitor,
		graphID:       c.graphID,
		sessionHandle: c.sessionHandle,
		spec:          spec,
		ticket:        c.ticket,
		hasStaging:    c.hasStaging,
		listeners:     c.listeners,
		log:           c.log,
	}

	return clone
}

// Ticket returns the ticket owned by this context.
func (c *Context) Ticket() Ticket {
	return c.ticket
}

// Spec returns the context's primary device.
func (c *Context) Spec() types.DeviceSpec {
	return c.spec
}

// GraphID returns the identity of the graph this context was admitted for.
func (c *Context) GraphID() uint64 {
	return c.graphID
}

// SessionHandle returns the handle of the owning session.
func (c *Context) SessionHandle() string {
	return c.sessionHandle
}

// AddListener registers an allocation listener. Not safe for concurrent use with
// in-flight alloc/dealloc operations; listeners are registered at admission time.
func (c *Context) AddListener(listener AllocationListener) {
	c.listeners = append(c.listeners, listener)
}

// Alloc retrieves the staged amount for (resourceType, c.Spec()) and attempts to commit
// that full amount. The returned scope is invalid if no staging existed for the type or
// the commit failed.
//
// The caller must Close (or Commit, or Rollback then Close) the returned scope.
func (c *Context) Alloc(resourceType types.ResourceType) *OperationScope {
	scope := &OperationScope{
		context: c,
		proxy:   c.monitor.Lock(),
		res:     types.NewResources(),
	}

	tag := types.NewTag(resourceType, c.spec)
	num, ok := scope.proxy.QueryStagingTag(c.ticket, tag)
	if !ok {
		return scope
	}

	scope.res.Set(tag, num)
	scope.valid = scope.proxy.Allocate(c.ticket, scope.res)

	return scope
}

// AllocN commits exactly n units of (resourceType, c.Spec()), without consulting staging.
func (c *Context) AllocN(resourceType types.ResourceType, n int64) *OperationScope {
	scope := &OperationScope{
		context: c,
		proxy:   c.monitor.Lock(),
		res:     types.NewResources(),
	}

	scope.res.Set(types.NewTag(resourceType, c.spec), n)
	scope.valid = scope.proxy.Allocate(c.ticket, scope.res)

	return scope
}

// Dealloc frees n units of (resourceType, c.Spec()) and notifies every listener. The
// listener fan-out happens outside the monitor lock.
func (c *Context) Dealloc(resourceType types.ResourceType, n int64) {
	tag := types.NewTag(resourceType, c.spec)
	res := types.SingleResource(tag, n)

	last := c.monitor.Free(c.ticket, res)

	for _, listener := range c.listeners {
		listener.NotifyDealloc(c.graphID, c.ticket, tag, n, last)
	}
}

// ReleaseStaging releases any residual staging tied to this context's ticket. It is
// idempotent, and exclusive between all clones sharing the ticket: exactly one caller
// performs the monitor call.
func (c *Context) ReleaseStaging() {
	if !c.hasStaging.CompareAndSwap(true, false) {
		return
	}
	c.monitor.FreeStaging(c.ticket)
}

func (c *Context) String() string {
	if c.ticket == InvalidTicket {
		return "AllocationTicket(Invalid)"
	}
	return fmt.Sprintf("AllocationTicket(%d, device=%s, sess=%s)", c.ticket, c.spec, c.sessionHandle)
}

// OperationScope is a scoped allocation operation against the monitor. It carries the
// proxy lock for its entire lifetime.
//
// The two exit paths are named explicitly: Commit finalizes the allocation and notifies
// listeners; Rollback returns the resources to the monitor. Closing a scope that was
// neither committed nor rolled back defaults to commit — the allocation is assumed to be
// used by the session — with a debug-level warning.
//
// The proxy lock is released exactly once on any exit path. Listener notification
// happens after the lock is released.
type OperationScope struct {
	context *Context
	proxy   *Proxy
	res     types.Resources

	valid      bool
	closed     bool
	committed  bool
	rolledBack bool
}

// Valid reports whether the scope's allocation succeeded.
func (s *OperationScope) Valid() bool {
	return s.valid
}

// Resources returns the resource vector this scope allocated.
func (s *OperationScope) Resources() types.Resources {
	return s.res
}

// Rollback invalidates the scope and returns its resources to the monitor. Rollback on
// an invalid scope is a no-op.
func (s *OperationScope) Rollback() {
	if !s.valid {
		return
	}

	s.valid = false
	s.rolledBack = true
	s.proxy.Free(s.context.ticket, s.res)
}

// Commit finalizes the allocation explicitly and closes the scope.
func (s *OperationScope) Commit() {
	s.committed = true
	s.Close()
}

// Close releases the proxy lock and, if the scope is still valid, commits: each listener
// receives one NotifyAlloc per allocated tag. Close is idempotent.
func (s *OperationScope) Close() {
	if s.closed {
		return
	}
	s.closed = true

	if s.valid && !s.committed && !s.rolledBack {
		s.context.log.Debug("Operation scope for ticket %d closed without explicit commit or rollback; committing %s",
			s.context.ticket, s.res.String())
	}

	s.proxy.Unlock()

	if !s.valid {
		return
	}

	for _, tag := range s.res.Tags() {
		n := s.res.Get(tag)
		for _, listener := range s.context.listeners {
			listener.NotifyAlloc(s.context.graphID, s.context.ticket, tag, n)
		}
	}
}
