// Package pmm implements the physical frame allocator used to bootstrap the
// kernel before a general-purpose allocator is available.
package pmm

import (
	"kcore/kernel"
	"kcore/kernel/kfmt/early"
	"kcore/kernel/mem"
	"kcore/kernel/multiboot"
)

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Kind: kernel.KindOutOfFrames, Message: "out of memory"}

	// errDeallocNotSupported is returned by DeallocFrame, which this
	// allocator does not implement; freeing is left to whatever
	// allocator eventually replaces it once the kernel is initialized.
	errDeallocNotSupported = &kernel.Error{Module: "pmm", Message: "deallocate_frame not implemented"}
)

// area is a usable memory-map region reduced to its frame-number bounds.
type area struct {
	baseFrame mem.Frame
	lastFrame mem.Frame
}

// AreaFrameAllocator is a bump-pointer allocator that walks the usable areas
// of the boot memory map in ascending address order, skipping the frames
// occupied by the kernel image and by the multiboot info blob itself.
//
// It never frees: once the kernel's real allocator takes over, whatever
// frames this allocator handed out stay handed out.
type AreaFrameAllocator struct {
	kernelStartFrame, kernelEndFrame       mem.Frame
	multibootStartFrame, multibootEndFrame mem.Frame

	areas     []area
	curArea   int
	nextFrame mem.Frame
	exhausted bool
}

// Init constructs the allocator from the kernel image bounds, the multiboot
// info blob bounds (both byte addresses) and the boot memory map, and wires
// it in as the package-level frame source via mem.SetFrameAllocator.
//
// kernelEnd and multibootEnd are exclusive (one byte past the last occupied
// byte), matching the convention used throughout the ELF section and
// memory-map tags.
func Init(kernelStart, kernelEnd, multibootStart, multibootEnd uintptr) *AreaFrameAllocator {
	alloc := &AreaFrameAllocator{
		kernelStartFrame:    mem.FrameFromAddress(kernelStart),
		kernelEndFrame:      mem.Frame(ceilDiv(kernelEnd, mem.PageSize)),
		multibootStartFrame: mem.FrameFromAddress(multibootStart),
		multibootEndFrame:   mem.Frame(ceilDiv(multibootEnd, mem.PageSize)),
	}

	var totalFree mem.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		early.Printf("[pmm] region [0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type != multiboot.MemAvailable {
			return true
		}

		totalFree += mem.Size(region.Length)
		alloc.areas = append(alloc.areas, area{
			baseFrame: mem.FrameFromAddress(uintptr(region.PhysAddress)),
			lastFrame: mem.Frame(uintptr(region.PhysAddress+region.Length-1) >> mem.PageShift),
		})
		return true
	})
	early.Printf("[pmm] free memory: %dKb\n", uint64(totalFree/mem.Kb))

	// The memory map is not guaranteed to list areas by address; sort them
	// so the bump pointer visits them in ascending order.
	for i := 1; i < len(alloc.areas); i++ {
		for j := i; j > 0 && alloc.areas[j].baseFrame < alloc.areas[j-1].baseFrame; j-- {
			alloc.areas[j], alloc.areas[j-1] = alloc.areas[j-1], alloc.areas[j]
		}
	}

	if len(alloc.areas) == 0 {
		alloc.exhausted = true
	} else {
		alloc.curArea = 0
		alloc.nextFrame = alloc.areas[0].baseFrame
	}

	mem.SetFrameAllocator(alloc.AllocFrame)
	mem.SetFrameDeallocator(alloc.DeallocFrame)

	return alloc
}

// AllocFrame returns the next unused, unreserved frame from the boot memory
// map, or errOutOfMemory once the map is exhausted.
func (alloc *AreaFrameAllocator) AllocFrame() (mem.Frame, *kernel.Error) {
	for {
		if alloc.exhausted {
			return mem.InvalidFrame, errOutOfMemory
		}

		curArea := alloc.areas[alloc.curArea]

		if alloc.nextFrame > curArea.lastFrame {
			alloc.advanceArea()
			continue
		}

		if alloc.nextFrame >= alloc.kernelStartFrame && alloc.nextFrame < alloc.kernelEndFrame {
			alloc.nextFrame = alloc.kernelEndFrame
			continue
		}

		if alloc.nextFrame >= alloc.multibootStartFrame && alloc.nextFrame < alloc.multibootEndFrame {
			alloc.nextFrame = alloc.multibootEndFrame
			continue
		}

		f := alloc.nextFrame
		alloc.nextFrame++
		return f, nil
	}
}

// advanceArea moves the allocator on to the next usable area whose last
// frame is at or beyond the current next frame, or marks the allocator
// exhausted if no such area remains.
func (alloc *AreaFrameAllocator) advanceArea() {
	for alloc.curArea++; alloc.curArea < len(alloc.areas); alloc.curArea++ {
		next := alloc.areas[alloc.curArea]
		if next.lastFrame < alloc.nextFrame {
			continue
		}
		if alloc.nextFrame < next.baseFrame {
			alloc.nextFrame = next.baseFrame
		}
		return
	}
	alloc.exhausted = true
}

// DeallocFrame is not implemented; this allocator is only used during
// bootstrap, before a freeing allocator takes over.
func (alloc *AreaFrameAllocator) DeallocFrame(mem.Frame) *kernel.Error {
	return errDeallocNotSupported
}

func ceilDiv(addr uintptr, align uintptr) uintptr {
	return (addr + align - 1) / align
}
