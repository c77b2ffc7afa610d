package resource

import (
	"sync"

	"github.com/scusemua/gpu-mux/common/types"
)

// Proxy is a scoped exclusive handle over a Monitor, obtained via Monitor.Lock.
//
// All operations on the proxy run under the monitor's mutex, which the proxy holds for
// its entire lifetime. The caller must call Unlock exactly once on every exit path;
// Unlock is idempotent so a deferred call is always safe. Callers must not re-enter the
// monitor's public methods while holding a proxy.
type Proxy struct {
	monitor *Monitor
	once    sync.Once
}

// QueryStaging returns a copy of the remaining staged reservation for the given ticket,
// or false if the ticket has no staging.
func (p *Proxy) QueryStaging(ticket Ticket) (types.Resources, bool) {
	return p.monitor.queryStagingLocked(ticket)
}

// QueryStagingTag returns the staged amount for a single (ticket, tag) pair, or false if
// the ticket has no staging entry for the tag.
func (p *Proxy) QueryStagingTag(ticket Ticket, tag types.ResourceTag) (int64, bool) {
	staged, ok := p.monitor.staging[ticket]
	if !ok {
		return 0, false
	}

	n := staged.Get(tag)
	if n == 0 {
		return 0, false
	}
	return n, true
}

// Allocate converts all or part of the ticket's staging into committed accounting.
//
// For each tag in res, the staged amount is consumed first (saturating at zero) and the
// remainder is drawn from free capacity. Allocate is all-or-nothing across tags: it
// returns true iff every requested amount was satisfiable, and commits nothing otherwise.
func (p *Proxy) Allocate(ticket Ticket, res types.Resources) bool {
	return p.monitor.allocateLocked(ticket, res)
}

// Free decrements the ticket's committed accounting (and the monitor's in-use totals)
// by res. It returns true iff this call removed the ticket's last commitment.
//
// Freeing more than is committed is a programming error and panics.
func (p *Proxy) Free(ticket Ticket, res types.Resources) bool {
	return p.monitor.freeLocked(ticket, res)
}

// FreeStaging discards any remaining staged reservation held under the given ticket.
func (p *Proxy) FreeStaging(ticket Ticket) {
	p.monitor.freeStagingLocked(ticket)
}

// Unlock releases the monitor's mutex. Subsequent calls are no-ops.
func (p *Proxy) Unlock() {
	p.once.Do(func() {
		p.monitor.mu.Unlock()
	})
}
