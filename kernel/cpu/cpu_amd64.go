// Package cpu exposes the handful of privileged x86_64 instructions the vmm
// package needs: reading/switching the active page table (CR3), flushing a
// single TLB entry (invlpg) and halting the CPU. Each function below is
// declared without a body; its implementation lives in cpu_amd64.s.
package cpu

// Halt stops instruction execution. Used as the terminal action of
// kernel.Panic.
func Halt()

// FlushTLBEntry invalidates the cached translation for virtAddr (invlpg).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT loads pdtPhysAddr into CR3, activating the page table rooted at
// that physical frame and implicitly flushing the entire TLB (except global
// pages, which this kernel does not use).
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active top-level
// page table (the contents of CR3).
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the CPU on the most
// recent page fault.
func ReadCR2() uint64
