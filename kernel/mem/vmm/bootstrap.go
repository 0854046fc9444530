package vmm

import (
	"kcore/kernel"
	"kcore/kernel/kfmt/early"
	"kcore/kernel/mem"
	"kcore/kernel/mem/pmm"
	"kcore/kernel/multiboot"
	"unsafe"
)

// vgaFramebufferAddr is the physical address of the VGA text-mode
// framebuffer the hal/console package writes through once bootstrap hands
// control to the rest of the kernel.
const vgaFramebufferAddr = uintptr(0xb8000)

var (
	errNoMemoryMapTag = &kernel.Error{Module: "vmm", Kind: kernel.KindMalformedBootInfo, Message: "memory map tag required"}
	errNoElfSectioTag = &kernel.Error{Module: "vmm", Kind: kernel.KindMalformedBootInfo, Message: "elf sections tag required"}

	// initP4Fn, pmmInitFn and identityMapFn are indirections used by tests
	// to avoid touching real hardware state while still exercising
	// Bootstrap's control flow.
	initP4Fn      = initP4
	pmmInitFn     = pmm.Init
	identityMapFn = IdentityMap
)

// Bootstrap builds a fresh address space from the Multiboot2 hand-off at
// bootInfoAddr and activates it, following the procedure in §4.4: derive the
// kernel and multiboot blob bounds from the boot tags, construct the frame
// allocator, build a new P4 with its own recursive self-mapping, identity-map
// the kernel's loaded sections, the VGA framebuffer and the multiboot blob
// itself, then switch CR3.
//
// It returns the frame that backed the previously active P4, which the
// caller may eventually repurpose as a guard page; that teardown is not
// performed here.
func Bootstrap(bootInfoAddr uintptr) (mem.Frame, *kernel.Error) {
	multiboot.SetInfoPtr(bootInfoAddr)

	if !multiboot.HasMemoryMapTag() {
		return mem.InvalidFrame, errNoMemoryMapTag
	}

	kernelStart, kernelEnd, err := kernelBounds()
	if err != nil {
		return mem.InvalidFrame, err
	}

	multibootStart := bootInfoAddr
	multibootEnd := bootInfoAddr + uintptr(multiboot.TotalSize())

	early.Printf("[vmm] kernel: [0x%10x - 0x%10x]\n", kernelStart, kernelEnd)
	early.Printf("[vmm] multiboot info: [0x%10x - 0x%10x]\n", multibootStart, multibootEnd)

	pmmInitFn(kernelStart, kernelEnd, multibootStart, multibootEnd)

	// Discard the first allocated frame: frame 0 must never be
	// interpreted as a live page-table pointer (see pmm's bootstrap
	// quirk), so burn it here before allocating the real P4.
	if _, err := mem.AllocFrame(); err != nil {
		return mem.InvalidFrame, err
	}

	p4Frame, err := initP4Fn()
	if err != nil {
		return mem.InvalidFrame, err
	}

	if err := mapKernelSections(p4Frame); err != nil {
		return mem.InvalidFrame, err
	}

	withRecursiveEntryBorrowed(p4Frame, func() {
		err = identityMapFn(mem.FrameFromAddress(vgaFramebufferAddr), FlagWritable|FlagNoExecute)
	})
	if err != nil {
		return mem.InvalidFrame, err
	}

	if err := mapMultibootBlob(p4Frame, multibootStart, multibootEnd); err != nil {
		return mem.InvalidFrame, err
	}

	return Activate(p4Frame), nil
}

// kernelBounds derives kernel_start and kernel_end (the lowest section
// address and the highest section end, respectively) from the loaded
// kernel's ELF section table.
func kernelBounds() (start, end uintptr, err *kernel.Error) {
	var (
		sawSection bool
		visitor    multiboot.ElfSectionVisitor
	)

	visitor = func(_ string, _ multiboot.ElfSectionFlag, addr uintptr, size uint64) {
		if size == 0 {
			return
		}
		if !sawSection || addr < start {
			start = addr
		}
		if end2 := addr + uintptr(size); !sawSection || end2 > end {
			end = end2
		}
		sawSection = true
	}

	multiboot.VisitElfSections(*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))))

	if !sawSection {
		return 0, 0, errNoElfSectioTag
	}
	return start, end, nil
}

// mapKernelSections identity-maps every non-empty loaded ELF section under
// the inactive P4, translating section flags per §4.4 step 6: WRITABLE iff
// the section's writable bit is set, NO_EXECUTE iff its executable bit is
// clear. NX is never actually set: this revision leaves EFER.NXE disabled,
// so setting FlagNoExecute here would fault rather than protect.
func mapKernelSections(p4Frame mem.Frame) *kernel.Error {
	var err *kernel.Error

	visitor := func(_ string, secFlags multiboot.ElfSectionFlag, secAddr uintptr, secSize uint64) {
		if err != nil || secSize == 0 {
			return
		}

		flags := FlagPresent
		if secFlags&multiboot.ElfSectionWritable != 0 {
			flags |= FlagWritable
		}
		// NX left disabled: see the doc comment above. EFER.NXE is not enabled
		// by this revision's bootstrap, so FlagNoExecute is withheld
		// even for non-executable sections to avoid a reserved-bit
		// fault.

		firstPage := mem.PageFromAddress(secAddr)
		lastPage := mem.PageFromAddress(secAddr + uintptr(secSize) - 1)

		withRecursiveEntryBorrowed(p4Frame, func() {
			for page := firstPage; page <= lastPage && err == nil; page++ {
				err = identityMapFn(mem.FrameFromAddress(page.Address()), flags)
			}
		})
	}

	multiboot.VisitElfSections(*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))))
	return err
}

// mapMultibootBlob identity-maps every page spanned by the multiboot info
// blob so it stays readable after the new address space is activated.
func mapMultibootBlob(p4Frame mem.Frame, start, end uintptr) *kernel.Error {
	var err *kernel.Error

	firstPage := mem.PageFromAddress(start)
	lastPage := mem.PageFromAddress(end - 1)

	withRecursiveEntryBorrowed(p4Frame, func() {
		for page := firstPage; page <= lastPage && err == nil; page++ {
			err = identityMapFn(mem.FrameFromAddress(page.Address()), FlagWritable)
		}
	})

	return err
}

// noEscape hides a pointer from escape analysis, matching the trick used in
// kfmt/early to avoid heap allocation in code that must run before the
// allocator is available.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
