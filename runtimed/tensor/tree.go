package tensor

import (
	"fmt"

	"github.com/scusemua/gpu-mux/common/scheduling/resource"
)

// TensorBufferTree groups every entry whose storage hangs off a single root buffer:
// the entries backed by the root itself plus, per sub-buffer aliasing into the root,
// the entries backed by that sub.
//
// The tree is the unit of paging. Its Ticket names the resource-monitor accounting the
// tree's memory is held under; paging reassigns it to the destination device's ticket.
//
// Invariants: an empty tree has a nil RootBuf. Each entry added to the tree holds one
// reference on its backing buffer, and each sub-buffer additionally carries one
// reference for the tree itself.
type TensorBufferTree struct {
	RootBuf *Buffer
	Ticket  resource.Ticket

	// Roots holds the entries whose storage is the root buffer itself.
	Roots []*Entry

	// Subs maps each sub-buffer to the entries it backs.
	Subs map[*Buffer][]*Entry
}

// NewTensorBufferTree creates an empty tree accounted under the given ticket.
func NewTensorBufferTree(ticket resource.Ticket) *TensorBufferTree {
	return &TensorBufferTree{
		Ticket: ticket,
		Subs:   make(map[*Buffer][]*Entry),
	}
}

// Empty reports whether the tree holds no entries.
func (t *TensorBufferTree) Empty() bool {
	return len(t.Roots) == 0 && len(t.Subs) == 0
}

// AddRoot records an entry backed by the root buffer. The first root entry pins the
// tree's root buffer. The entry's hold on the root is taken here.
func (t *TensorBufferTree) AddRoot(entry *Entry) {
	buf := entry.RefOrVal().Buf()
	if t.RootBuf == nil {
		t.RootBuf = buf.Root()
	}

	t.RootBuf.Ref()
	t.Roots = append(t.Roots, entry)
}

// AddSub records an entry backed by a sub-buffer of the tree's root. The entry's hold
// on the sub is taken here; the sub's creation reference serves as the tree's own hold
// on it, so a sub backing n entries carries n+1 references.
func (t *TensorBufferTree) AddSub(sub *Buffer, entry *Entry) {
	if t.RootBuf == nil {
		t.RootBuf = sub.Root()
	}

	sub.Ref()
	t.Subs[sub] = append(t.Subs[sub], entry)
}

// NumEntries returns the total number of entries across the root and all subs.
func (t *TensorBufferTree) NumEntries() int {
	n := len(t.Roots)
	for _, entries := range t.Subs {
		n += len(entries)
	}
	return n
}

func (t *TensorBufferTree) String() string {
	return fmt.Sprintf("TensorBufferTree{ticket=%d, roots=%d, subs=%d}",
		t.Ticket, len(t.Roots), len(t.Subs))
}
