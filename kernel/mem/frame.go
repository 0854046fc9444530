package mem

import (
	"kcore/kernel"
	"math"
)

// Frame identifies a physical 4 KiB memory frame: the frame with number n
// spans the physical range [n*PageSize, (n+1)*PageSize). Frames are totally
// ordered by number and cheap to copy.
type Frame uintptr

// InvalidFrame is returned by allocators that failed to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid reports whether f is a real frame, as opposed to InvalidFrame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the start of this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << PageShift
}

// FrameFromAddress returns the Frame containing physAddr, rounding down to
// the frame boundary if physAddr is not page-aligned.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> PageShift)
}

// FrameAllocatorFn allocates a single physical frame or reports failure via
// a non-nil *kernel.Error.
type FrameAllocatorFn func() (Frame, *kernel.Error)

var frameAllocator FrameAllocatorFn

// SetFrameAllocator registers the allocator function used by AllocFrame. The
// vmm package calls AllocFrame whenever it needs a fresh frame for a leaf
// mapping or an intermediate page-table page; which concrete allocator is
// behind the call is a bootstrap-time decision, not a vmm-time one.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// AllocFrame allocates a new physical frame using the currently registered
// allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }

// FrameDeallocatorFn returns a frame to whatever pool is backing the active
// allocator, or reports why it could not.
type FrameDeallocatorFn func(Frame) *kernel.Error

var frameDeallocator FrameDeallocatorFn

// SetFrameDeallocator registers the function used by DeallocFrame.
func SetFrameDeallocator(deallocFn FrameDeallocatorFn) { frameDeallocator = deallocFn }

// DeallocFrame returns f using the currently registered deallocator. The
// boot-time area allocator does not support freeing; callers that unmap
// during bootstrap get back its fixed "not implemented" error rather than a
// nil-pointer fault.
func DeallocFrame(f Frame) *kernel.Error {
	if frameDeallocator == nil {
		return nil
	}
	return frameDeallocator(f)
}
