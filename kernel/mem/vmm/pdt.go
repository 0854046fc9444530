package vmm

import (
	"kcore/kernel"
	"kcore/kernel/cpu"
	"kcore/kernel/mem"
	"unsafe"
)

const (
	// pageLevels is the number of page-table levels amd64 uses: P4, P3,
	// P2, P1.
	pageLevels = 4

	// recursiveIndex is the P4 slot dedicated to the recursive
	// self-mapping trick: P4[511] points back at the P4 frame itself,
	// so indexing with 511 at every level always lands back on the P4
	// table.
	recursiveIndex = uintptr(511)

	// pdtVirtualAddr is the virtual address reached by indexing every
	// level with recursiveIndex; dereferencing it reads the active P4.
	pdtVirtualAddr = uintptr(0xffff_ffff_ffff_f000)

	// tempMappingAddr is a fixed virtual address (table indices
	// 510, 511, 511, 511) reserved for mapping a single physical frame
	// on demand. Nothing in this package maps through it: initP4
	// reaches an inactive P4 via withRecursiveEntryBorrowed instead.
	tempMappingAddr = uintptr(0xffff_ff7f_ffff_f000)
)

// pageLevelShifts holds the bit position of each level's 9-bit index field
// within a virtual address, from P4 down to P1.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

var (
	// ptePtrFn resolves the virtual address of a table entry to a usable
	// pointer. Overridden by tests to back the recursive addressing
	// scheme with ordinary Go memory instead of real page tables.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	// activePDTFn reads the frame currently loaded in CR3.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn loads a new frame into CR3.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBEntryFn drops the cached translation for one virtual
	// address.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// memsetFn clears a table's backing memory. Overridden by tests so
	// zeroTable does not need a real recursively-mapped address to write
	// through.
	memsetFn = kernel.Memset
)

// entryPtr returns a pointer to the table-entry slot at index within the
// table whose virtual address is tableAddr. It panics if index is outside
// [0, 512), per the indexing invariant every table access must uphold.
func entryPtr(tableAddr, index uintptr) *TableEntry {
	if index >= mem.EntriesPerTable {
		kernel.Panic(&kernel.Error{Module: "vmm", Kind: kernel.KindIndexOutOfRange, Message: "page table index out of range"})
	}
	return (*TableEntry)(ptePtrFn(tableAddr + (index << mem.PointerShift)))
}

// zeroTable clears all 512 entries of the table at the given virtual
// address. Safe to call on a freshly allocated, not-yet-active table frame
// once it is reachable through the recursive mapping.
func zeroTable(tableAddr uintptr) {
	memsetFn(tableAddr, 0, mem.PageSize)
}

// pageTableWalker is invoked once per level (0 = P4 .. pageLevels-1 = P1)
// during a walk. Returning false aborts the walk.
type pageTableWalker func(level int, pte *TableEntry) bool

// walk performs a page-table walk for virtAddr using the recursive mapping,
// invoking walkFn with the entry at each level from P4 to P1.
//
// tableAddr starts at the P4's own recursively-mapped virtual address.
// Shifting the entry address for the selected slot left by 9 bits adds one
// more level of recursive indirection, turning it into the virtual address
// of the table that slot points to - the same trick that lets index 511
// resolve to the P4 table itself.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := uintptr(pdtVirtualAddr)

	for level := 0; level < pageLevels; level++ {
		index := (virtAddr >> pageLevelShifts[level]) & 0x1ff
		entryAddr := tableAddr + (index << mem.PointerShift)

		if !walkFn(level, entryPtrAt(entryAddr)) {
			return
		}

		tableAddr = entryAddr << 9
	}
}

// entryPtrAt is entryPtr without the index-bounds check, used internally by
// walk where the index has already been masked to 9 bits.
func entryPtrAt(entryAddr uintptr) *TableEntry {
	return (*TableEntry)(ptePtrFn(entryAddr))
}

// activeP4Frame returns the frame backing the currently active P4 table.
func activeP4Frame() mem.Frame {
	return mem.FrameFromAddress(activePDTFn())
}

// withRecursiveEntryBorrowed temporarily overwrites the active P4's
// recursive slot (index 511) so it points at inactiveP4, runs fn with the
// borrow in effect, then restores the original entry and flushes the TLB.
// fn can use the ordinary recursive addressing scheme (pdtVirtualAddr,
// walk, ...) to reach the inactive table's contents while the borrow holds.
//
// This is the "temporary edit of an inactive table" primitive: it is always
// restored on the normal return path, including when fn itself does not
// complete successfully.
func withRecursiveEntryBorrowed(inactiveP4 mem.Frame, fn func()) {
	activeFrame := activeP4Frame()
	if activeFrame == inactiveP4 {
		fn()
		return
	}

	recursiveSlot := entryPtr(pdtVirtualAddr, recursiveIndex)
	savedEntry := *recursiveSlot

	recursiveSlot.Set(inactiveP4, FlagPresent|FlagWritable)
	flushTLBEntryFn(pdtVirtualAddr)

	fn()

	*recursiveSlot = savedEntry
	flushTLBEntryFn(pdtVirtualAddr)
}

// initP4 allocates a frame for a new P4 table, zeroes it and installs its
// own recursive self-mapping at entry 511. The returned frame is an
// Inactive Table: not yet loaded into CR3.
func initP4() (mem.Frame, *kernel.Error) {
	p4Frame, err := mem.AllocFrame()
	if err != nil {
		return mem.InvalidFrame, err
	}

	withRecursiveEntryBorrowed(p4Frame, func() {
		zeroTable(pdtVirtualAddr)
		entryPtr(pdtVirtualAddr, recursiveIndex).Set(p4Frame, FlagPresent|FlagWritable)
	})

	return p4Frame, nil
}

// Activate loads p4Frame into CR3, making it the active address space. The
// previously active P4 frame is returned to the caller, which is expected
// to eventually repurpose it as a guard page.
func Activate(p4Frame mem.Frame) mem.Frame {
	old := activeP4Frame()
	switchPDTFn(p4Frame.Address())
	return old
}
