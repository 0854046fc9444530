package vmm

import (
	"kcore/kernel"
	"kcore/kernel/mem"
	"unsafe"
)

var (
	// ErrInvalidMapping is returned when translating or unmapping a
	// virtual address that is not currently mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Kind: kernel.KindUnmapUnmapped, Message: "virtual address does not point to a mapped physical page"}

	// errDoubleMap is returned when MapTo is asked to install a
	// translation for a page that already has one.
	errDoubleMap = &kernel.Error{Module: "vmm", Kind: kernel.KindDoubleMap, Message: "page is already mapped"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// nextTableAddrFn derives the virtual address of the table a non-leaf entry
// points to, from that entry's own virtual address. Under the recursive
// mapping scheme the two are related by a single 9-bit left shift; overridden
// by tests that back page tables with ordinary Go arrays instead.
var nextTableAddrFn = func(entryAddr uintptr) uintptr {
	return entryAddr << 9
}

// MapTo installs a translation from page to frame with flags|FlagPresent in
// the currently active address space. Intermediate (non-leaf) tables are
// allocated on demand and are always PRESENT|WRITABLE; flags only ever
// apply to the final, leaf entry.
//
// MapTo fails fatally (via kernel.Panic) if the leaf is already mapped;
// double-mapping a page is a programming bug, not a recoverable condition.
func MapTo(page mem.Page, frame mem.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(level int, pte *TableEntry) bool {
		if level == pageLevels-1 {
			if !pte.IsUnused() {
				kernel.Panic(errDoubleMap)
			}
			pte.Set(frame, flags|FlagPresent)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if pte.IsUnused() {
			var nextFrame mem.Frame
			nextFrame, err = mem.AllocFrame()
			if err != nil {
				return false
			}

			pte.Set(nextFrame, FlagPresent|FlagWritable)

			// The table this entry now points to is reachable
			// through the recursive mapping, one level deeper
			// than the entry itself.
			zeroTable(nextTableAddrFn(uintptr(unsafe.Pointer(pte))))
		}

		return true
	})

	return err
}

// IdentityMap installs a 1:1 translation from frame's own address to frame.
func IdentityMap(frame mem.Frame, flags PageTableEntryFlag) *kernel.Error {
	return MapTo(mem.Page(frame), frame, flags)
}

// Map allocates a fresh frame from the active frame allocator and maps page
// to it.
func Map(page mem.Page, flags PageTableEntryFlag) *kernel.Error {
	frame, err := mem.AllocFrame()
	if err != nil {
		return err
	}
	return MapTo(page, frame, flags)
}

// Unmap removes the translation installed for page, invalidates the TLB
// entry for its virtual address and returns the frame it was pointing to to
// the active frame allocator.
//
// Unmap does not reclaim intermediate tables left empty by the removal.
func Unmap(page mem.Page) *kernel.Error {
	var (
		err   *kernel.Error
		frame mem.Frame
	)

	walk(page.Address(), func(level int, pte *TableEntry) bool {
		if level == pageLevels-1 {
			if pte.IsUnused() {
				err = ErrInvalidMapping
				return false
			}
			frame = pte.PointedFrame()
			pte.SetUnused()
			return true
		}

		if pte.IsUnused() {
			err = ErrInvalidMapping
			return false
		}
		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if err != nil {
		return err
	}

	flushTLBEntryFn(page.Address())
	_ = mem.DeallocFrame(frame)
	return nil
}

// IsMapped reports whether page currently has a present translation in the
// active address space. Unlike Translate, it never fails: an unmapped page,
// a page whose path runs through a huge-page intermediate entry, or any
// other non-present entry along the walk simply reports false.
func IsMapped(page mem.Page) bool {
	mapped := false

	walk(page.Address(), func(level int, pte *TableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}
		if level == pageLevels-1 {
			mapped = true
		} else if pte.HasFlags(FlagHugePage) {
			return false
		}
		return true
	})

	return mapped
}

// Translate walks the active address space and returns the physical address
// that virtAddr currently maps to, or ErrInvalidMapping if it is not mapped.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, _, err := TranslateFlags(virtAddr)
	if err != nil {
		return 0, err
	}
	return frame.Address() + (virtAddr & (mem.PageSize - 1)), nil
}

// TranslateFlags is like Translate but also reports the leaf entry's flags,
// e.g. to confirm that a mapping carries FlagWritable or FlagNoExecute.
func TranslateFlags(virtAddr uintptr) (mem.Frame, PageTableEntryFlag, *kernel.Error) {
	var (
		err   *kernel.Error
		frame mem.Frame
		flags PageTableEntryFlag
	)

	walk(virtAddr, func(level int, pte *TableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if level == pageLevels-1 {
			frame = pte.PointedFrame()
			flags = PageTableEntryFlag(*pte) &^ PageTableEntryFlag(tableEntryAddrMask)
		}
		return true
	})

	return frame, flags, err
}
