// Package vmm implements the 4-level x86_64 page-table layer: entry and
// table primitives built on the recursive self-mapping trick, the
// temporary-edit primitive for inactive tables, and the bootstrap procedure
// that builds and activates a fresh address space from the Multiboot2
// hand-off.
package vmm

import "kcore/kernel/mem"

// PageTableEntryFlag is an OR-able bit in a TableEntry.
type PageTableEntryFlag uintptr

const (
	// FlagPresent marks the entry as valid; the MMU ignores every other
	// bit of an entry with this flag clear.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagWritable allows writes through this translation.
	FlagWritable

	// FlagUserAccessible allows ring-3 access; without it only the
	// kernel can use the translation.
	FlagUserAccessible

	// FlagWriteThrough selects write-through caching for this entry.
	FlagWriteThrough

	// FlagNoCache disables caching for this entry.
	FlagNoCache

	// FlagAccessed is set by the CPU on first use of the translation.
	FlagAccessed

	// FlagDirty is set by the CPU on the first write through the
	// translation.
	FlagDirty

	// FlagHugePage selects a 2 MiB (P2) or 1 GiB (P3) mapping instead of
	// a 4 KiB leaf. Huge pages are not implemented; the flag exists so
	// intermediate tables can recognize and reject one.
	FlagHugePage

	// FlagGlobal marks the translation as global, exempting it from the
	// TLB flush a CR3 reload performs. Unused in this design.
	FlagGlobal

	// FlagNoExecute forbids instruction fetches through this
	// translation. Requires EFER.NXE; the bootstrap sets it only on the
	// VGA framebuffer mapping and withholds it from kernel sections.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// tableEntryAddrMask isolates bits 12-51, the physical frame number encoded
// in every table entry.
const tableEntryAddrMask = uintptr(0x000f_ffff_ffff_f000)

// TableEntry is one slot of a P4, P3, P2 or P1 table: a physical frame
// number plus a set of flags, packed into a single machine word the way the
// MMU expects.
type TableEntry uintptr

// IsUnused reports whether this entry has never been written to.
func (pte TableEntry) IsUnused() bool {
	return pte == 0
}

// SetUnused clears the entry.
func (pte *TableEntry) SetUnused() {
	*pte = 0
}

// HasFlags reports whether every flag in want is set on this entry.
func (pte TableEntry) HasFlags(want PageTableEntryFlag) bool {
	return uintptr(pte)&uintptr(want) == uintptr(want)
}

// SetFlags ORs flags into the entry, leaving the frame number untouched.
func (pte *TableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = TableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags clears flags on the entry, leaving the frame number untouched.
func (pte *TableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = TableEntry(uintptr(*pte) &^ uintptr(flags))
}

// PointedFrame extracts the physical frame this entry refers to.
func (pte TableEntry) PointedFrame() mem.Frame {
	return mem.Frame((uintptr(pte) & tableEntryAddrMask) >> mem.PageShift)
}

// Set installs frame and flags in a single write, replacing any previous
// frame number or flags the entry held.
func (pte *TableEntry) Set(frame mem.Frame, flags PageTableEntryFlag) {
	*pte = TableEntry((uintptr(frame)<<mem.PageShift)&tableEntryAddrMask | uintptr(flags))
}
