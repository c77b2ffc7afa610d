package tensor

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/scusemua/gpu-mux/common/types"
)

const (
	Float32 DType = "float32"
	Float16 DType = "float16"
	Int32   DType = "int32"
	Int64   DType = "int64"
)

// DType identifies a tensor element type.
type DType string

// ByteSize returns the size of one element of the given type.
func (d DType) ByteSize() int64 {
	switch d {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int64:
		return 8
	default:
		return 1
	}
}

// Shape is a tensor shape. The zero-length shape denotes a scalar.
type Shape []int64

// NumElements returns the number of elements a tensor of this shape holds.
func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, dim := range s {
		n *= dim
	}
	return n
}

// AllocatorAttributes select an allocator by placement requirements, mirroring the
// attribute pair the numerical library keys its allocators on.
type AllocatorAttributes struct {
	OnHost        bool
	GPUCompatible bool
}

// Allocator creates device-resident tensors.
type Allocator interface {
	// Allocate creates an uninitialized tensor of the given dtype and shape, backed by
	// a fresh root buffer. It returns nil and an error when the device is out of memory.
	Allocate(dtype DType, shape Shape) (*Tensor, error)
}

// AllocatorProvider selects an allocator by attributes for a device.
type AllocatorProvider interface {
	GetAllocator(attrs AllocatorAttributes, device types.DeviceSpec) Allocator
}

// DMACopier performs asynchronous cross-device tensor copies. The callback fires exactly
// once, from an arbitrary goroutine, when the copy completes or fails.
type DMACopier interface {
	CopyViaDMA(name string, src *Tensor, dst *Tensor, done func(error))
}

// Buffer models a device-resident tensor buffer with manual reference counting.
//
// A root buffer owns storage directly; a sub-buffer aliases into its root. Reference
// counts track explicit holds only (tree holds and entry holds); dropping the final
// hold marks the buffer released.
type Buffer struct {
	id     string
	device types.DeviceSpec
	size   int64
	root   *Buffer
	refs   atomic.Int64
}

// NewBuffer creates a root buffer on the given device with an initial reference count
// of one (the creator's hold).
func NewBuffer(device types.DeviceSpec, size int64) *Buffer {
	buf := &Buffer{
		id:     uuid.NewString(),
		device: device,
		size:   size,
	}
	buf.refs.Store(1)
	return buf
}

// CloneAgainstRoot creates a sub-buffer of the same extent aliasing into newRoot, with
// an initial reference count of one.
func (b *Buffer) CloneAgainstRoot(newRoot *Buffer) *Buffer {
	sub := &Buffer{
		id:     uuid.NewString(),
		device: newRoot.device,
		size:   b.size,
		root:   newRoot,
	}
	sub.refs.Store(1)
	return sub
}

// Device returns the device the buffer resides on.
func (b *Buffer) Device() types.DeviceSpec {
	return b.device
}

// Size returns the buffer's extent in bytes.
func (b *Buffer) Size() int64 {
	return b.size
}

// IsRoot reports whether the buffer owns storage directly.
func (b *Buffer) IsRoot() bool {
	return b.root == nil
}

// Root returns the root buffer this buffer aliases into, or the buffer itself when it
// is a root.
func (b *Buffer) Root() *Buffer {
	if b.root == nil {
		return b
	}
	return b.root
}

// Ref adds one reference.
func (b *Buffer) Ref() {
	b.refs.Add(1)
}

// Unref drops one reference. Dropping below zero is a programming error and panics.
func (b *Buffer) Unref() {
	if b.refs.Add(-1) < 0 {
		panic(fmt.Sprintf("reference count of buffer %s dropped below zero", b.id))
	}
}

// RefCount returns the current reference count.
func (b *Buffer) RefCount() int64 {
	return b.refs.Load()
}

func (b *Buffer) String() string {
	kind := "root"
	if !b.IsRoot() {
		kind = "sub"
	}
	return fmt.Sprintf("Buffer{%s, %s, device=%s, size=%d, refs=%d}",
		b.id[:8], kind, b.device, b.size, b.RefCount())
}

// Tensor is a typed header over a backing buffer.
type Tensor struct {
	dtype DType
	shape Shape
	buf   *Buffer
}

// NewTensor creates a tensor header over the given buffer.
func NewTensor(dtype DType, shape Shape, buf *Buffer) *Tensor {
	return &Tensor{dtype: dtype, shape: shape, buf: buf}
}

// DType returns the tensor's element type.
func (t *Tensor) DType() DType {
	return t.dtype
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Buf returns the tensor's backing buffer; paging uses it as the tensor's buffer identity.
func (t *Tensor) Buf() *Buffer {
	return t.buf
}

// ByteSize returns the tensor's payload size.
func (t *Tensor) ByteSize() int64 {
	return t.shape.NumElements() * t.dtype.ByteSize()
}

// CloneWithNewBuffer duplicates the tensor's header onto a new backing buffer without
// copying data. Reference counts are not adjusted; callers transfer holds explicitly.
func CloneWithNewBuffer(t *Tensor, buf *Buffer) *Tensor {
	return &Tensor{dtype: t.dtype, shape: t.shape, buf: buf}
}
