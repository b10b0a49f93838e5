package vm

import (
	"errors"

	"github.com/GAMINGNOOBdev/baranium-sub001/module"
)

// ErrBusReadOnly is returned by every Bus write.
var ErrBusReadOnly = errors.New("code bus is read-only")

// Bus is a bounds-checked, read-only view over one function section. The
// CPU addresses bytecode only through a Bus, so executing code can never
// modify its own instructions.
type Bus struct {
	section *module.Section
	owner   *module.Module
}

// NewBus binds a bus to a function section. owner is the module the
// section belongs to and may be nil for free-standing code.
func NewBus(section *module.Section, owner *module.Module) *Bus {
	return &Bus{section: section, owner: owner}
}

// NewCodeBus wraps raw bytecode in an anonymous function section.
func NewCodeBus(code []byte) *Bus {
	return NewBus(module.NewSection(module.SectionFunction, 0, code), nil)
}

// Section returns the bound section.
func (b *Bus) Section() *module.Section {
	return b.section
}

// Module returns the module owning the bound section, if any.
func (b *Bus) Module() *module.Module {
	return b.owner
}

// Size returns the number of addressable bytes.
func (b *Bus) Size() uint64 {
	if b == nil || b.section == nil {
		return 0
	}
	return b.section.Size()
}

// EOF reports whether addr lies at or past the end of the section.
func (b *Bus) EOF(addr uint64) bool {
	return addr >= b.Size()
}

// Read returns the byte at addr, or 0 past the end.
func (b *Bus) Read(addr uint64) byte {
	if b.EOF(addr) {
		return 0
	}
	v, _ := b.section.ByteAt(addr)
	return v
}

// Write always fails; the code segment is immutable.
func (b *Bus) Write(addr uint64, value byte) error {
	return ErrBusReadOnly
}
