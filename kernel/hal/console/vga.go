// Package console implements the VGA text-mode output sink the kernel uses
// once paging is up: an 80x25 grid of (attribute, character) cells at the
// fixed physical address 0xB8000, identity-mapped by vmm.Bootstrap.
package console

import (
	"reflect"
	"unsafe"
)

// Attr is a VGA text-mode color attribute: bits 0-3 select the foreground
// color, bits 4-6 the background.
type Attr uint16

// The 16 VGA text-mode colors, usable as either foreground or background.
const (
	Black Attr = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGrey
	Grey
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	LightBrown
	White
)

// ScrollDir selects which way Scroll moves the visible rows.
type ScrollDir uint8

const (
	Up ScrollDir = iota
	Down
)

const (
	defaultAttr = (Black << 4) | LightGrey
	clearChar   = byte(' ')

	vgaFramebufferAddr = uintptr(0xb8000)
)

// Vga is an 80x25 VGA text-mode console. It tracks a cursor position so it
// can be driven as an io.Writer (see Write), in addition to the
// position-addressed WriteCell method the rest of the kernel can use directly.
type Vga struct {
	width  uint16
	height uint16

	fb []uint16

	cursorX, cursorY uint16
	attr             Attr
}

// Init sets up the console's framebuffer view. If fb was already populated
// (e.g. by a test), Init leaves it untouched.
func (cons *Vga) Init() {
	cons.width = 80
	cons.height = 25
	cons.attr = defaultAttr

	if cons.fb != nil {
		return
	}

	cons.fb = *(*[]uint16)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(cons.width) * int(cons.height),
		Cap:  int(cons.width) * int(cons.height),
		Data: vgaFramebufferAddr,
	}))
}

// Dimensions returns the console width and height in characters.
func (cons *Vga) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// row returns the slice of fb cells covering width columns of row y starting
// at column x, with no bounds clamping of its own - callers clip first.
func (cons *Vga) row(x, y, width uint16) []uint16 {
	start := y*cons.width + x
	return cons.fb[start : start+width]
}

// Clear clears the specified rectangular region to blank cells in the
// console's current attribute. The first row is filled cell by cell; every
// following row is produced by copying that filled row forward, since they
// all end up holding the same blank pattern.
func (cons *Vga) Clear(x, y, width, height uint16) {
	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}
	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}
	if width == 0 || height == 0 {
		return
	}

	blank := (uint16(cons.attr) << 8) | uint16(clearChar)
	firstRow := cons.row(x, y, width)
	for i := range firstRow {
		firstRow[i] = blank
	}
	for r := y + 1; r < y+height; r++ {
		copy(cons.row(x, r, width), firstRow)
	}
}

// ClearScreen blanks the whole console and resets the cursor to (0, 0).
func (cons *Vga) ClearScreen() {
	cons.Clear(0, 0, cons.width, cons.height)
	cons.cursorX, cons.cursorY = 0, 0
}

// Scroll moves the visible rows one way or the other by lines rows,
// discarding whatever scrolls off. It does not blank the rows left behind -
// callers that want that follow up with Clear, the way advanceRow does.
//
// Both directions reduce to a single copy(): Go's copy() is defined over
// overlapping slices as if through a temporary, so shifting the whole
// framebuffer up or down is one memmove-style call rather than a manual
// per-cell loop in either direction.
func (cons *Vga) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	total := cons.height * cons.width
	offset := lines * cons.width

	switch dir {
	case Up:
		copy(cons.fb, cons.fb[offset:total])
	case Down:
		copy(cons.fb[offset:total], cons.fb[:total-offset])
	}
}

// WriteCell writes a single character at the given cell, using attr as its
// color. Out-of-bounds coordinates are silently ignored.
func (cons *Vga) WriteCell(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}
	cons.fb[(y*cons.width)+x] = (uint16(attr) << 8) | uint16(ch)
}

// WriteByte appends a single byte to the console at the current cursor
// position, advancing the cursor and scrolling the display when it runs off
// the bottom row. '\n' moves to the start of the next row without writing a
// cell.
func (cons *Vga) WriteByte(b byte) {
	if b == '\n' {
		cons.cursorX = 0
		cons.advanceRow()
		return
	}

	cons.WriteCell(b, cons.attr, cons.cursorX, cons.cursorY)
	cons.cursorX++
	if cons.cursorX >= cons.width {
		cons.cursorX = 0
		cons.advanceRow()
	}
}

// advanceRow moves the cursor to the next row, scrolling the console up by
// one line once the cursor would otherwise run past the last row.
func (cons *Vga) advanceRow() {
	if cons.cursorY+1 < cons.height {
		cons.cursorY++
		return
	}

	cons.Scroll(Up, 1)
	cons.Clear(0, cons.height-1, cons.width, 1)
}

// Write implements io.Writer, letting the console be installed as the
// early.Printf output sink once it is mapped.
func (cons *Vga) Write(p []byte) (int, error) {
	for _, b := range p {
		cons.WriteByte(b)
	}
	return len(p), nil
}
