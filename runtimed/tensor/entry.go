package tensor

import (
	"fmt"
	"sync"

	"github.com/scusemua/gpu-mux/common/types"
)

// CellID indexes a mutable reference cell in a CellArena. InvalidCell marks an Entry
// that holds its tensor by value.
type CellID int

// InvalidCell is the CellID of a by-value Entry.
const InvalidCell CellID = -1

// CellArena stores the mutable reference cells that by-reference entries alias.
// Entries carry a CellID instead of a pointer, so "the set of moved reference cells"
// during paging is a set of small integers with no aliasing concerns.
type CellArena struct {
	mu    sync.Mutex
	cells []*Tensor
}

// NewCellArena creates an empty arena.
func NewCellArena() *CellArena {
	return &CellArena{}
}

// NewCell stores the tensor in a fresh cell and returns its id.
func (a *CellArena) NewCell(t *Tensor) CellID {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cells = append(a.cells, t)
	return CellID(len(a.cells) - 1)
}

// Get returns the tensor currently held by the cell.
func (a *CellArena) Get(id CellID) *Tensor {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.cells[id]
}

// Set replaces the tensor held by the cell. Every Entry aliasing the cell observes the
// new tensor.
func (a *CellArena) Set(id CellID, t *Tensor) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cells[id] = t
}

// Entry is one tensor slot of a TensorBufferTree. It either holds a tensor by value or
// holds a CellID into a shared arena cell (a mutable reference). Entries sharing a cell
// must be moved together during paging.
type Entry struct {
	val   *Tensor
	cell  CellID
	arena *CellArena

	// attrs and device record the placement of the entry's tensor; both are rewritten
	// when the entry is paged to another device.
	attrs  AllocatorAttributes
	device types.DeviceSpec
}

// NewValEntry creates an Entry holding t by value.
func NewValEntry(t *Tensor, device types.DeviceSpec) *Entry {
	return &Entry{val: t, cell: InvalidCell, device: device}
}

// NewRefEntry creates an Entry aliasing the given arena cell.
func NewRefEntry(arena *CellArena, cell CellID, device types.DeviceSpec) *Entry {
	return &Entry{cell: cell, arena: arena, device: device}
}

// HasRef reports whether the entry holds its tensor by reference.
func (e *Entry) HasRef() bool {
	return e.cell != InvalidCell
}

// Cell returns the entry's cell id, or InvalidCell for a by-value entry.
func (e *Entry) Cell() CellID {
	return e.cell
}

// RefOrVal returns the entry's tensor: the cell's current tensor for a by-reference
// entry, the held tensor otherwise.
func (e *Entry) RefOrVal() *Tensor {
	if e.HasRef() {
		return e.arena.Get(e.cell)
	}
	return e.val
}

// SetTensor splices a tensor into the entry, preserving its by-value/by-reference mode:
// a by-reference entry writes through to its cell, a by-value entry replaces its held
// tensor.
func (e *Entry) SetTensor(t *Tensor) {
	if e.HasRef() {
		e.arena.Set(e.cell, t)
		return
	}
	e.val = t
}

// Device returns the device the entry's tensor currently resides on.
func (e *Entry) Device() types.DeviceSpec {
	return e.device
}

// CopyProperties copies placement attributes from another entry. Used during paging to
// stamp every entry of a tree with the first moved entry's destination placement.
func (e *Entry) CopyProperties(from *Entry) {
	e.attrs = from.attrs
	e.device = from.device
}

func (e *Entry) String() string {
	if e.HasRef() {
		return fmt.Sprintf("Entry{ref cell=%d, device=%s}", e.cell, e.device)
	}
	return fmt.Sprintf("Entry{val, device=%s}", e.device)
}
