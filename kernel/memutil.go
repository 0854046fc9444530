package kernel

import (
	"reflect"
	"unsafe"
)

// wordSize is the number of bytes Memset fills per store in its bulk loop;
// it matches the native machine word so each store becomes a single move
// instead of wordSize separate byte stores.
const wordSize = unsafe.Sizeof(uintptr(0))

// overlay reinterprets the size bytes starting at addr as a []byte, without
// copying. Used to let ordinary slice operations (copy, indexed writes)
// drive raw memory that was never allocated through the Go heap - the
// region a freshly allocated page-table frame occupies, for instance.
func overlay(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))
}

// broadcast replicates value into every byte position of a machine word, so
// a single word-sized store fills wordSize bytes at once.
func broadcast(value byte) uintptr {
	var w uintptr
	for shift := uintptr(0); shift < wordSize; shift++ {
		w |= uintptr(value) << (8 * shift)
	}
	return w
}

// Memset sets size bytes starting at addr to value. Zeroing a freshly
// allocated page table is on the hot path of every Map call, so the bulk of
// the region is filled one machine word at a time rather than byte-by-byte;
// only the tail that doesn't fill a whole word falls back to single-byte
// stores.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	wordCount := size / wordSize
	if wordCount > 0 {
		words := *(*[]uintptr)(unsafe.Pointer(&reflect.SliceHeader{
			Len:  int(wordCount),
			Cap:  int(wordCount),
			Data: addr,
		}))
		fill := broadcast(value)
		for i := range words {
			words[i] = fill
		}
	}

	tail := overlay(addr+wordCount*wordSize, size-wordCount*wordSize)
	for i := range tail {
		tail[i] = value
	}
}

// Memcopy copies size bytes from src to dst.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(overlay(dst, size), overlay(src, size))
}
