// Package hal wires the platform-specific devices the kernel depends on
// (currently just the VGA text console) into the rest of the system.
package hal

import (
	"kcore/kernel/hal/console"
	"kcore/kernel/kfmt/early"
)

// ActiveConsole is the console the kernel writes its output to once
// InitConsole has run.
var ActiveConsole = &console.Vga{}

// InitConsole brings up the VGA text console and installs it as the
// early.Printf output sink, flushing whatever was buffered before paging
// made the framebuffer address reachable.
func InitConsole() {
	ActiveConsole.Init()
	ActiveConsole.ClearScreen()
	early.SetOutputSink(ActiveConsole)
}
