package vmm

import (
	"kcore/kernel"
	"kcore/kernel/mem"
	"testing"
	"unsafe"
)

// setupMappedPage installs a chain of present entries across all four levels,
// as if virtAddr were already mapped to frame, using one backing TableEntry
// per level addressed sequentially by call order (mirrors walk's per-level
// visit order: P4, P3, P2, P1).
func setupMappedPage(frame mem.Frame) (physPages *[pageLevels]TableEntry, restore func()) {
	origPtePtr := ptePtrFn
	physPages = &[pageLevels]TableEntry{}

	for level := 0; level < pageLevels; level++ {
		physPages[level].SetFlags(FlagPresent | FlagWritable)
	}
	physPages[pageLevels-1].Set(frame, FlagPresent|FlagWritable)

	callCount := 0
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		p := unsafe.Pointer(&physPages[callCount])
		callCount++
		return p
	}

	return physPages, func() { ptePtrFn = origPtePtr }
}

func TestMapToInstallsLeafEntry(t *testing.T) {
	frame := mem.Frame(123)
	physPages, restore := setupMappedPage(mem.Frame(0))
	defer restore()

	// Leave the leaf entry unused so MapTo has something to install.
	physPages[pageLevels-1].SetUnused()

	if err := MapTo(mem.PageFromAddress(0), frame, FlagWritable); err != nil {
		t.Fatalf("unexpected error: %s", err.Error())
	}

	leaf := physPages[pageLevels-1]
	if !leaf.HasFlags(FlagPresent | FlagWritable) {
		t.Fatal("expected leaf entry to carry FlagPresent|FlagWritable")
	}
	if got := leaf.PointedFrame(); got != frame {
		t.Fatalf("expected leaf entry to point at frame %d; got %d", frame, got)
	}
}

func TestMapToPanicsOnDoubleMap(t *testing.T) {
	_, restore := setupMappedPage(mem.Frame(7))
	defer restore()

	defer func() {
		if recover() == nil {
			t.Fatal("expected MapTo to panic when the leaf is already mapped")
		}
	}()

	MapTo(mem.PageFromAddress(0), mem.Frame(9), FlagWritable)
}

func TestMapToRejectsHugePageIntermediate(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer) { ptePtrFn = origPtePtr }(ptePtrFn)

	var p4Entry TableEntry
	p4Entry.SetFlags(FlagPresent | FlagHugePage)

	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(&p4Entry)
	}

	if err := MapTo(mem.PageFromAddress(0), mem.Frame(1), FlagWritable); err != errNoHugePageSupport {
		t.Fatalf("expected errNoHugePageSupport; got %v", err)
	}
}

func TestMapToAllocatesIntermediateTables(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddr func(uintptr) uintptr) {
		ptePtrFn = origPtePtr
		nextTableAddrFn = origNextAddr
		mem.SetFrameAllocator(nil)
	}(ptePtrFn, nextTableAddrFn)

	var physPages [pageLevels]TableEntry
	var zeroedAddrs []uintptr

	origMemsetFn := memsetFn
	defer func() { memsetFn = origMemsetFn }()
	memsetFn = func(addr uintptr, value byte, size uintptr) {
		zeroedAddrs = append(zeroedAddrs, addr)
	}

	nextFrame := mem.Frame(1)
	mem.SetFrameAllocator(func() (mem.Frame, *kernel.Error) {
		f := nextFrame
		nextFrame++
		return f, nil
	})

	callCount := 0
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		p := unsafe.Pointer(&physPages[callCount])
		callCount++
		return p
	}
	nextTableAddrFn = func(entryAddr uintptr) uintptr {
		// Every intermediate level "allocates" the next physPages slot;
		// the address itself is never dereferenced since memsetFn is
		// overridden above.
		return entryAddr
	}

	if err := MapTo(mem.PageFromAddress(0), mem.Frame(99), FlagWritable); err != nil {
		t.Fatalf("unexpected error: %s", err.Error())
	}

	for level := 0; level < pageLevels-1; level++ {
		if !physPages[level].HasFlags(FlagPresent | FlagWritable) {
			t.Errorf("[level %d] expected intermediate entry to be PRESENT|WRITABLE", level)
		}
	}
	if len(zeroedAddrs) != pageLevels-1 {
		t.Fatalf("expected %d intermediate tables to be zeroed; got %d", pageLevels-1, len(zeroedAddrs))
	}

	leaf := physPages[pageLevels-1]
	if got := leaf.PointedFrame(); got != mem.Frame(99) {
		t.Fatalf("expected leaf to point at frame 99; got %d", got)
	}
}

func TestIdentityMapUsesFrameAsPage(t *testing.T) {
	frame := mem.Frame(0xb8)
	physPages, restore := setupMappedPage(mem.Frame(0))
	defer restore()
	physPages[pageLevels-1].SetUnused()

	if err := IdentityMap(frame, FlagWritable); err != nil {
		t.Fatalf("unexpected error: %s", err.Error())
	}
	if got := physPages[pageLevels-1].PointedFrame(); got != frame {
		t.Fatalf("expected identity mapping to point at frame %d; got %d", frame, got)
	}
}

func TestMapAllocatesFrameThenMaps(t *testing.T) {
	defer mem.SetFrameAllocator(nil)

	wantFrame := mem.Frame(55)
	mem.SetFrameAllocator(func() (mem.Frame, *kernel.Error) {
		return wantFrame, nil
	})

	physPages, restore := setupMappedPage(mem.Frame(0))
	defer restore()
	physPages[pageLevels-1].SetUnused()

	if err := Map(mem.PageFromAddress(0), FlagWritable); err != nil {
		t.Fatalf("unexpected error: %s", err.Error())
	}
	if got := physPages[pageLevels-1].PointedFrame(); got != wantFrame {
		t.Fatalf("expected mapped frame %d; got %d", wantFrame, got)
	}
}

func TestMapPropagatesAllocatorError(t *testing.T) {
	defer mem.SetFrameAllocator(nil)

	expErr := &kernel.Error{Module: "test", Message: "out of memory"}
	mem.SetFrameAllocator(func() (mem.Frame, *kernel.Error) {
		return mem.InvalidFrame, expErr
	})

	if err := Map(mem.PageFromAddress(0), FlagWritable); err != expErr {
		t.Fatalf("expected allocator error to propagate; got %v", err)
	}
}

func TestUnmapReturnsFrameAndFlushesTLB(t *testing.T) {
	defer func(origFlush func(uintptr)) {
		flushTLBEntryFn = origFlush
		mem.SetFrameDeallocator(nil)
	}(flushTLBEntryFn)

	frame := mem.Frame(123)
	_, restore := setupMappedPage(frame)
	defer restore()

	flushCount := 0
	flushTLBEntryFn = func(uintptr) { flushCount++ }

	var freed mem.Frame
	mem.SetFrameDeallocator(func(f mem.Frame) *kernel.Error {
		freed = f
		return nil
	})

	if err := Unmap(mem.PageFromAddress(0)); err != nil {
		t.Fatalf("unexpected error: %s", err.Error())
	}
	if flushCount != 1 {
		t.Fatalf("expected exactly 1 TLB flush; got %d", flushCount)
	}
	if freed != frame {
		t.Fatalf("expected frame %d to be returned to the deallocator; got %d", frame, freed)
	}
}

func TestUnmapRejectsUnmappedPage(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer) { ptePtrFn = origPtePtr }(ptePtrFn)

	var unused TableEntry
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(&unused) }

	if err := Unmap(mem.PageFromAddress(0)); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

func TestUnmapRejectsHugePageIntermediate(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer) { ptePtrFn = origPtePtr }(ptePtrFn)

	var p4Entry TableEntry
	p4Entry.SetFlags(FlagPresent | FlagHugePage)
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(&p4Entry) }

	if err := Unmap(mem.PageFromAddress(0)); err != errNoHugePageSupport {
		t.Fatalf("expected errNoHugePageSupport; got %v", err)
	}
}

func TestTranslateFlagsReportsFrameAndFlags(t *testing.T) {
	frame := mem.Frame(0xb8)
	_, restore := setupMappedPage(frame)
	defer restore()

	gotFrame, gotFlags, err := TranslateFlags(0xb8000)
	if err != nil {
		t.Fatalf("unexpected error: %s", err.Error())
	}
	if gotFrame != frame {
		t.Fatalf("expected frame %d; got %d", frame, gotFrame)
	}
	if gotFlags&(FlagPresent|FlagWritable) != FlagPresent|FlagWritable {
		t.Fatal("expected translated flags to include PRESENT|WRITABLE")
	}
}

func TestTranslateAddsPageOffset(t *testing.T) {
	frame := mem.Frame(0xb8)
	_, restore := setupMappedPage(frame)
	defer restore()

	virtAddr := uintptr(0xb8000) + 0x123
	physAddr, err := Translate(virtAddr)
	if err != nil {
		t.Fatalf("unexpected error: %s", err.Error())
	}
	if want := frame.Address() + 0x123; physAddr != want {
		t.Fatalf("expected physical address %#x; got %#x", want, physAddr)
	}
}

func TestIsMappedReportsPresentLeaf(t *testing.T) {
	_, restore := setupMappedPage(mem.Frame(0xb8))
	defer restore()

	if !IsMapped(mem.PageFromAddress(0)) {
		t.Fatal("expected IsMapped to report true for a present leaf entry")
	}
}

func TestIsMappedReportsUnmappedPage(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer) { ptePtrFn = origPtePtr }(ptePtrFn)

	var unused TableEntry
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(&unused) }

	if IsMapped(mem.PageFromAddress(0)) {
		t.Fatal("expected IsMapped to report false when the top-level entry is not present")
	}
}

func TestTranslateRejectsNotPresentEntry(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer) { ptePtrFn = origPtePtr }(ptePtrFn)

	var notPresent TableEntry
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(&notPresent) }

	if _, err := Translate(0); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

