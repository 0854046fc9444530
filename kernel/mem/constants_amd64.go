package mem

const (
	// PointerShift is log2(unsafe.Sizeof(uintptr)); the pointer size for
	// this architecture is (1 << PointerShift) bytes.
	PointerShift = uintptr(3)

	// PageShift is log2(PageSize); shifting a physical/virtual address
	// right by PageShift yields its frame/page number.
	PageShift = uintptr(12)

	// PageSize is the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// EntriesPerTable is the number of 8-byte entries in a single 4 KiB
	// page table (4096 / 8).
	EntriesPerTable = PageSize / (1 << PointerShift)
)
