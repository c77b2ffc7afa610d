package tensor

import (
	"context"
	goerrors "errors"
	"fmt"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"github.com/scusemua/gpu-mux/common/metrics"
	"github.com/scusemua/gpu-mux/common/scheduling/resource"
	"github.com/scusemua/gpu-mux/common/types"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentCopies bounds the DMA copies in flight at once; the copy engine serves
// every device pair.
const maxConcurrentCopies = 2

var (
	// ErrResourceExhausted indicates that the destination device could not allocate the
	// tensor being paged in.
	ErrResourceExhausted = goerrors.New("destination allocation failed: resource exhausted")

	// ErrInternal indicates a tree that violates its own invariants, e.g. a nonempty
	// root buffer with no entries.
	ErrInternal = goerrors.New("internal error")
)

// DstDevice is the destination of a paging operation: a device plus the resource
// context whose ticket the moved tree is re-accounted under. A per-task device
// satisfies it.
type DstDevice interface {
	Spec() types.DeviceSpec
	ResourceContext() *resource.Context
}

// Pager relocates tensor-buffer trees between devices through the numerical library's
// allocator and DMA-copy primitives.
type Pager struct {
	log logger.Logger

	allocators AllocatorProvider
	copier     DMACopier

	// dmaSlots bounds concurrent DMA copies across all paging operations.
	dmaSlots *semaphore.Weighted

	metricsManager *metrics.RuntimeMetricsManager
}

// NewPager creates a Pager over the given adapters. metricsManager may be nil.
func NewPager(allocators AllocatorProvider, copier DMACopier, metricsManager *metrics.RuntimeMetricsManager) *Pager {
	pager := &Pager{
		allocators:     allocators,
		copier:         copier,
		dmaSlots:       semaphore.NewWeighted(maxConcurrentCopies),
		metricsManager: metricsManager,
	}
	config.InitLogger(&pager.log, pager)

	return pager
}

// MoveTensor relocates one entry's tensor to dst: allocate a destination tensor of
// matching dtype and shape, synchronously DMA-copy the payload, and splice the new
// tensor back into the entry preserving its by-value/by-reference mode.
//
// The DMA copy blocks the calling goroutine, never the scheduler.
func (p *Pager) MoveTensor(entry *Entry, dst types.DeviceSpec, attrs AllocatorAttributes, name string) error {
	input := entry.RefOrVal()

	allocator := p.allocators.GetAllocator(attrs, dst)
	moved, err := allocator.Allocate(input.DType(), input.Shape())
	if err != nil || moved == nil {
		return errors.Wrapf(ErrResourceExhausted, "allocating %d bytes on %s", input.ByteSize(), dst)
	}

	if err = p.dmaSlots.Acquire(context.Background(), 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	p.copier.CopyViaDMA(name, input, moved, func(copyErr error) {
		done <- copyErr
	})

	err = <-done
	p.dmaSlots.Release(1)

	if err != nil {
		p.log.Error("Error when moving tensor: %v", err)
		return err
	}

	entry.SetTensor(moved)
	entry.attrs = attrs
	entry.device = dst

	p.metricsManager.PagedBytes(input.ByteSize())

	return nil
}

// MoveTensorTree relocates every tensor tied to the tree's root buffer to the
// destination device, preserving reference aliasing: entries that shared a reference
// cell before the move still share one after it, and each reference cell is rewritten
// at most once.
//
// The tree's ticket is reassigned to the destination's ticket before any buffer moves.
// On failure after the root has begun moving, the tree is left partially moved and the
// caller must treat it as damaged.
func (p *Pager) MoveTensorTree(tree *TensorBufferTree, dst DstDevice) error {
	// No buffer to move; safe to assume we moved zero bytes.
	if tree.RootBuf == nil {
		return nil
	}

	// The buffer is not empty, but no entries hold it, so there is nothing to rewrite.
	if tree.Empty() {
		return errors.Wrap(ErrInternal, "root buffer is not empty but the tree is empty")
	}

	oldRoot := tree.RootBuf
	oldTicket := tree.Ticket

	p.log.Debug("Moving tensor buffer %s (count %d) with ticket %d to %s",
		oldRoot, oldRoot.RefCount(), oldTicket, dst.Spec())

	tree.Ticket = dst.ResourceContext().Ticket()

	movedCells := make(map[CellID]struct{})
	var firstEntry *Entry
	var newRoot *Buffer

	// First page out the root buffer.
	for _, entry := range tree.Roots {
		if newRoot == nil {
			// Only the first root entry actually moves payload.
			err := p.MoveTensor(entry, dst.Spec(), AllocatorAttributes{}, fmt.Sprintf("Paging tensor of ticket %d", oldTicket))
			if err != nil {
				p.metricsManager.PagingFailed()
				p.log.Error("Error when paging: %v", err)
				return err
			}

			newRoot = entry.RefOrVal().Buf()
			firstEntry = entry

			if entry.HasRef() {
				movedCells[entry.Cell()] = struct{}{}
			}

			// The entry's hold moves from the old root to the new one.
			oldRoot.Unref()
			newRoot.Ref()
			continue
		}

		oldRoot.Unref()
		newRoot.Ref()

		entry.CopyProperties(firstEntry)

		// Entries sharing a reference cell move together; only the first needs the
		// header write.
		if entry.HasRef() {
			if _, moved := movedCells[entry.Cell()]; moved {
				continue
			}
		}

		rewritten := CloneWithNewBuffer(entry.RefOrVal(), newRoot)
		entry.SetTensor(rewritten)
		if entry.HasRef() {
			movedCells[entry.Cell()] = struct{}{}
		}
	}

	// Drop the tree's hold on the old root and install the new one; the new root's
	// allocation reference is the tree's hold on it.
	tree.RootBuf = newRoot
	oldRoot.Unref()

	// Secondly re-target sub buffers to the new root and replace the sub map wholesale.
	newSubs := make(map[*Buffer][]*Entry, len(tree.Subs))
	for oldSub, entries := range tree.Subs {
		p.log.Trace("Moving sub %s with ticket %d", oldSub, oldTicket)

		newSub := oldSub.CloneAgainstRoot(newRoot)
		for _, entry := range entries {
			entry.CopyProperties(firstEntry)

			// The entry's hold leaves the old sub whether or not its cell was already
			// rewritten this pass.
			oldSub.Unref()

			if entry.HasRef() {
				if _, moved := movedCells[entry.Cell()]; moved {
					continue
				}
			}

			rewritten := CloneWithNewBuffer(entry.RefOrVal(), newSub)
			entry.SetTensor(rewritten)
			newSub.Ref()
			if entry.HasRef() {
				movedCells[entry.Cell()] = struct{}{}
			}
		}

		if oldSub.RefCount() != 1 {
			p.log.Warn("Sub buffer %s has reference count %d at replacement; expected 1",
				oldSub, oldSub.RefCount())
		}

		newSubs[newSub] = entries
	}
	tree.Subs = newSubs

	return nil
}
