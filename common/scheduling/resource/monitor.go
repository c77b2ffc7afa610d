package resource

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/scusemua/gpu-mux/common/types"
)

// Ticket is an opaque, monotonically increasing identifier binding a set of resource
// reservations to a single logical owner. Ticket zero denotes "invalid".
type Ticket uint64

// InvalidTicket is the zero Ticket.
const InvalidTicket Ticket = 0

// Monitor performs two-phase (staging + commit) admission control over typed, per-device
// capacities.
//
// A staging reservation is minted with MintStaging and later converted into committed
// accounting via Allocate, or discarded via FreeStaging. Committed accounting is released
// via Free. All state is tracked per Ticket; the monitor is the sole source of tickets.
//
// The monitor is shared mutable state behind a single coarse mutex. Callers needing to
// perform several operations atomically obtain a *Proxy via Lock.
//
// Invariant: for every tag, inUse(tag) + Σ_ticket staging(ticket, tag) <= capacity(tag).
type Monitor struct {
	mu sync.Mutex

	// Id is the unique identifier of the Monitor, used only for logging.
	Id string

	log logger.Logger

	// nextTicket is the source of all tickets. Incremented under mu.
	nextTicket Ticket

	// capacity holds the configured upper bound for every known tag.
	capacity types.Resources

	// inUse holds the sum of committed allocations across all tickets, per tag.
	inUse types.Resources

	// stagingTotal aggregates staging across all tickets, per tag. Maintained so that
	// MintStaging does not scan the staging table.
	stagingTotal types.Resources

	// staging holds reservations that have been pledged but not yet bound to committed
	// allocations, per ticket.
	staging map[Ticket]types.Resources

	// committed holds live allocations attributable to each ticket.
	committed map[Ticket]types.Resources
}

// NewMonitor creates a new Monitor with the given per-tag capacities and returns a
// pointer to it.
func NewMonitor(capacity types.Resources) *Monitor {
	monitor := &Monitor{
		Id:           uuid.NewString(),
		capacity:     capacity.Clone(),
		inUse:        types.NewResources(),
		stagingTotal: types.NewResources(),
		staging:      make(map[Ticket]types.Resources),
		committed:    make(map[Ticket]types.Resources),
	}
	config.InitLogger(&monitor.log, monitor)

	monitor.log.Debug("Resource monitor initialized with capacity %s", capacity.String())

	return monitor
}

// MintStaging atomically tests whether req fits within the remaining capacity of every
// tag it names and, on success, reserves a new ticket recording req as staged.
//
// On failure, no state changes and an *OutOfCapacityError classifying the offending tags
// is returned along with the invalid ticket.
func (m *Monitor) MintStaging(req types.Resources) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var offending []types.ResourceTag
	available := types.NewResources()
	for _, tag := range req.Tags() {
		free := m.capacity.Get(tag) - m.inUse.Get(tag) - m.stagingTotal.Get(tag)
		if req.Get(tag) > free {
			offending = append(offending, tag)
			available.Set(tag, free)
		}
	}

	if len(offending) > 0 {
		return InvalidTicket, newOutOfCapacityError(req, offending, available)
	}

	m.nextTicket++
	ticket := m.nextTicket
	m.staging[ticket] = req.Clone()
	m.stagingTotal.Merge(req)

	m.log.Trace("Minted ticket %d with staging %s", ticket, req.String())

	return ticket, nil
}

// Lock acquires the monitor's mutex and returns a scoped exclusive handle over it.
// The caller must arrange for exactly one call to Proxy.Unlock on every exit path.
func (m *Monitor) Lock() *Proxy {
	m.mu.Lock()
	return &Proxy{monitor: m}
}

// QueryStaging returns a copy of the remaining staged reservation for the given ticket,
// or false if the ticket has no staging.
func (m *Monitor) QueryStaging(ticket Ticket) (types.Resources, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.queryStagingLocked(ticket)
}

// Allocate converts all or part of the ticket's staging into committed accounting.
// See Proxy.Allocate for the full semantics.
func (m *Monitor) Allocate(ticket Ticket, res types.Resources) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.allocateLocked(ticket, res)
}

// Free decrements the ticket's committed accounting by res. It returns true iff this
// call removed the ticket's last commitment. See Proxy.Free.
func (m *Monitor) Free(ticket Ticket, res types.Resources) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.freeLocked(ticket, res)
}

// FreeStaging discards any remaining staged reservation held under the given ticket.
// It is idempotent with respect to an already-released ticket. If no committed entries
// remain for the ticket, the ticket record is erased entirely.
func (m *Monitor) FreeStaging(ticket Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.freeStagingLocked(ticket)
}

// Capacity returns a copy of the configured capacity vector.
func (m *Monitor) Capacity() types.Resources {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.capacity.Clone()
}

// InUse returns a copy of the committed accounting summed across all tickets.
func (m *Monitor) InUse() types.Resources {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.inUse.Clone()
}

// StagingTotal returns a copy of the staged reservations summed across all tickets.
func (m *Monitor) StagingTotal() types.Resources {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stagingTotal.Clone()
}

// Committed returns a copy of the committed accounting for a single ticket.
func (m *Monitor) Committed(ticket Ticket) (types.Resources, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	committed, ok := m.committed[ticket]
	if !ok {
		return nil, false
	}
	return committed.Clone(), true
}

// KnownTickets returns the number of tickets that currently have at least one staging
// or committed entry.
func (m *Monitor) KnownTickets() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := make(map[Ticket]struct{}, len(m.staging)+len(m.committed))
	for ticket := range m.staging {
		known[ticket] = struct{}{}
	}
	for ticket := range m.committed {
		known[ticket] = struct{}{}
	}
	return len(known)
}

// DumpAllocations returns a multi-line rendering of the monitor's accounting tables,
// suitable for diagnostics.
func (m *Monitor) DumpAllocations() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("Monitor %s:\n", m.Id))
	builder.WriteString(fmt.Sprintf("  capacity: %s\n", m.capacity.String()))
	builder.WriteString(fmt.Sprintf("  in use:   %s\n", m.inUse.String()))
	builder.WriteString(fmt.Sprintf("  staging:  %s\n", m.stagingTotal.String()))
	for ticket, res := range m.staging {
		builder.WriteString(fmt.Sprintf("    ticket %d staged %s\n", ticket, res.String()))
	}
	for ticket, res := range m.committed {
		builder.WriteString(fmt.Sprintf("    ticket %d committed %s\n", ticket, res.String()))
	}
	return builder.String()
}

func (m *Monitor) queryStagingLocked(ticket Ticket) (types.Resources, bool) {
	staged, ok := m.staging[ticket]
	if !ok {
		return nil, false
	}
	return staged.Clone(), true
}

// allocateLocked is all-or-nothing across tags: if any requested amount cannot be
// satisfied from the ticket's staging plus free capacity, nothing is committed and
// false is returned.
func (m *Monitor) allocateLocked(ticket Ticket, res types.Resources) bool {
	if ticket == InvalidTicket {
		return false
	}

	staged := m.staging[ticket]

	// First pass: check, committing nothing.
	for _, tag := range res.Tags() {
		want := res.Get(tag)

		fromStaging := staged.Get(tag)
		if fromStaging > want {
			fromStaging = want
		}

		extra := want - fromStaging
		free := m.capacity.Get(tag) - m.inUse.Get(tag) - m.stagingTotal.Get(tag)
		if extra > free {
			m.log.Trace("Allocation of %s under ticket %d rejected: %d beyond staging, %d free for %s",
				res.String(), ticket, extra, free, tag.String())
			return false
		}
	}

	// Second pass: apply.
	for _, tag := range res.Tags() {
		want := res.Get(tag)

		fromStaging := staged.Sub(tag, want)
		m.stagingTotal.Sub(tag, fromStaging)

		m.inUse.Add(tag, want)

		committed, ok := m.committed[ticket]
		if !ok {
			committed = types.NewResources()
			m.committed[ticket] = committed
		}
		committed.Add(tag, want)
	}

	if staged != nil && staged.Empty() {
		delete(m.staging, ticket)
	}

	return true
}

func (m *Monitor) freeLocked(ticket Ticket, res types.Resources) bool {
	committed, ok := m.committed[ticket]
	if !ok {
		log.Panicf("Free of %s under ticket %d, which has no committed allocations:\n%s",
			res.String(), ticket, m.dumpLocked())
	}

	for _, tag := range res.Tags() {
		n := res.Get(tag)
		if committed.Get(tag) < n {
			log.Panicf("Underflow freeing %d x %s under ticket %d (committed %d)",
				n, tag.String(), ticket, committed.Get(tag))
		}

		committed.Sub(tag, n)
		m.inUse.Sub(tag, n)
	}

	if !committed.Empty() {
		return false
	}

	delete(m.committed, ticket)
	return true
}

func (m *Monitor) freeStagingLocked(ticket Ticket) {
	staged, ok := m.staging[ticket]
	if !ok {
		// Already released. FreeStaging is idempotent.
		return
	}

	for _, tag := range staged.Tags() {
		m.stagingTotal.Sub(tag, staged.Get(tag))
	}
	delete(m.staging, ticket)

	m.log.Trace("Released staging for ticket %d", ticket)
}

func (m *Monitor) dumpLocked() string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("  in use: %s\n", m.inUse.String()))
	for ticket, res := range m.committed {
		builder.WriteString(fmt.Sprintf("  ticket %d committed %s\n", ticket, res.String()))
	}
	return builder.String()
}
