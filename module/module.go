// Package module reads and writes Baranium binary modules.
//
// A module is either a script or a library. Both carry an ordered list of
// sections and a name table; libraries additionally carry an export table
// and may have a natively compiled extension attached by the runtime.
package module

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Format constants
// ---------------------------------------------------------------------------

// ScriptMagic identifies a compiled script file.
var ScriptMagic = [4]byte{'B', 'B', 'I', 'N'}

// LibraryMagic identifies a compiled library file.
var LibraryMagic = [4]byte{'B', 'L', 'I', 'B'}

// Version is the module format version written by this package.
// Modules carrying a different version are still loaded.
const Version uint32 = 1

// MaxNameLength is the longest name table entry the format can hold.
const MaxNameLength = 0xFF

// Kind distinguishes scripts from libraries.
type Kind uint8

const (
	KindScript Kind = iota
	KindLibrary
)

func (k Kind) String() string {
	switch k {
	case KindScript:
		return "script"
	case KindLibrary:
		return "library"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

var (
	ErrInvalidMagic = errors.New("invalid module magic")
	ErrTruncated    = errors.New("truncated module data")
	ErrCorrupt      = errors.New("corrupt module data")
	ErrNameTooLong  = errors.New("name exceeds 255 bytes")
)

// ---------------------------------------------------------------------------
// Module
// ---------------------------------------------------------------------------

// Name is one name table entry.
type Name struct {
	Name string
	ID   int64
}

// Export describes one externally visible library symbol.
type Export struct {
	Kind       SectionType
	ID         int64
	ParamCount uint32
	ReturnType VarType
	Symbol     string
}

// Module is a loaded script or library.
type Module struct {
	Kind     Kind
	Version  uint32
	Sections []*Section
	Names    []Name
	Exports  []Export

	// Digest is the BLAKE2b-256 sum of the bytes the module was parsed from.
	Digest [32]byte

	// Path is the file the module was read from, if any.
	Path string

	// Warnings collects non-fatal issues found while loading.
	Warnings []string

	// Extension is the native extension attached to a library. The module
	// does not own it; the runtime unloads it.
	Extension any

	disposed bool
}

// NewScript creates an empty script module at the current format version.
func NewScript() *Module {
	return &Module{Kind: KindScript, Version: Version}
}

// NewLibrary creates an empty library module at the current format version.
func NewLibrary() *Module {
	return &Module{Kind: KindLibrary, Version: Version}
}

// IsLibrary reports whether the module is a library.
func (m *Module) IsLibrary() bool {
	return m.Kind == KindLibrary
}

// AddSection appends a section. It fails if the ID is already taken.
func (m *Module) AddSection(s *Section) error {
	if m.Section(s.ID) != nil {
		return fmt.Errorf("%w: duplicate section id %d", ErrCorrupt, s.ID)
	}
	m.Sections = append(m.Sections, s)
	return nil
}

// AddName appends a name table entry.
func (m *Module) AddName(name string, id int64) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	m.Names = append(m.Names, Name{Name: name, ID: id})
	return nil
}

// AddExport appends an export table entry.
func (m *Module) AddExport(e Export) {
	m.Exports = append(m.Exports, e)
}

// Section returns the section with the given ID, or nil.
func (m *Module) Section(id int64) *Section {
	for _, s := range m.Sections {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Lookup returns the ID bound to name in the name table.
func (m *Module) Lookup(name string) (int64, bool) {
	for _, n := range m.Names {
		if n.Name == name {
			return n.ID, true
		}
	}
	return 0, false
}

// NameOf returns the first name bound to id, or "".
func (m *Module) NameOf(id int64) string {
	for _, n := range m.Names {
		if n.ID == id {
			return n.Name
		}
	}
	return ""
}

// SectionByName resolves name through the name table.
func (m *Module) SectionByName(name string) *Section {
	id, ok := m.Lookup(name)
	if !ok {
		return nil
	}
	return m.Section(id)
}

func (m *Module) typed(id int64, t SectionType) *Section {
	s := m.Section(id)
	if s == nil || s.Type != t {
		return nil
	}
	return s
}

// Function returns the function section with the given ID, or nil.
func (m *Module) Function(id int64) *Section {
	return m.typed(id, SectionFunction)
}

// Field returns the field section with the given ID, or nil.
func (m *Module) Field(id int64) *Section {
	return m.typed(id, SectionField)
}

// Variable returns the variable section with the given ID, or nil.
func (m *Module) Variable(id int64) *Section {
	return m.typed(id, SectionVariable)
}

// Export returns the export entry with the given symbol name.
func (m *Module) Export(symbol string) (Export, bool) {
	for _, e := range m.Exports {
		if e.Symbol == symbol {
			return e, true
		}
	}
	return Export{}, false
}

// Validate checks the module invariants: unique section IDs and exports
// that resolve to a section of the declared kind.
func (m *Module) Validate() error {
	seen := make(map[int64]struct{}, len(m.Sections))
	for _, s := range m.Sections {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate section id %d", ErrCorrupt, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	for _, e := range m.Exports {
		s := m.Section(e.ID)
		if s == nil {
			return fmt.Errorf("%w: export %q refers to missing section %d", ErrCorrupt, e.Symbol, e.ID)
		}
		if s.Type != e.Kind {
			return fmt.Errorf("%w: export %q is a %s but section %d is a %s", ErrCorrupt, e.Symbol, e.Kind, e.ID, s.Type)
		}
	}
	return nil
}

// Disposed reports whether Dispose has run.
func (m *Module) Disposed() bool {
	return m.disposed
}

// Dispose releases every section payload and every name table string.
// Calling it again is a no-op.
func (m *Module) Dispose() {
	if m.disposed {
		return
	}
	for _, s := range m.Sections {
		s.release()
	}
	for i := range m.Names {
		m.Names[i].Name = ""
	}
	m.Sections = nil
	m.Names = nil
	m.Exports = nil
	m.Extension = nil
	m.disposed = true
}
