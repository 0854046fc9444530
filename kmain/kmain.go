// Package kmain is the kernel's real entry point: the code the rt0 assembly
// stub hands off to once the GDT and an initial goroutine stack are set up.
package kmain

import (
	"kcore/kernel"
	"kcore/kernel/hal"
	"kcore/kernel/mem/vmm"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain builds the kernel's address space from the Multiboot2 hand-off at
// bootInfoAddr, activates it, brings up the VGA console and never returns.
//
// Kmain is not expected to return; if it does, that is itself a fatal error.
//
//go:noinline
func Kmain(bootInfoAddr uintptr) {
	if _, err := vmm.Bootstrap(bootInfoAddr); err != nil {
		kernel.Panic(err)
	}

	hal.InitConsole()

	// Use kernel.Panic instead of a bare for{} so the compiler cannot
	// prove this function never returns and eliminate the call site.
	kernel.Panic(errKmainReturned)
}
