package module

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"
	"golang.org/x/crypto/blake2b"
)

var log = commonlog.GetLogger("baranium.module")

const magicSize = 4

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// ReadFile loads a module from disk.
func ReadFile(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// Read loads a module from r.
func Read(r io.Reader) (*Module, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read module data: %w", err)
	}
	return Parse(data)
}

// Parse decodes a script or library. Malformed input never yields a
// partially populated module: on error the module is nil.
func Parse(data []byte) (*Module, error) {
	r := &reader{data: data}
	m, err := r.module()
	if err != nil {
		return nil, err
	}
	m.Digest = blake2b.Sum256(data)
	return m, nil
}

// reader walks a byte slice. All integers are big-endian.
type reader struct {
	data   []byte
	offset int
}

func (r *reader) remaining() int {
	return len(r.data) - r.offset
}

func (r *reader) take(n uint64, what string) ([]byte, error) {
	if n > uint64(r.remaining()) {
		return nil, fmt.Errorf("%w: %s needs %d bytes at offset %d, %d left", ErrTruncated, what, n, r.offset, r.remaining())
	}
	b := r.data[r.offset : r.offset+int(n)]
	r.offset += int(n)
	return b, nil
}

func (r *reader) uint8(what string) (uint8, error) {
	b, err := r.take(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint32(what string) (uint32, error) {
	b, err := r.take(4, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64(what string) (uint64, error) {
	b, err := r.take(8, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) int64(what string) (int64, error) {
	v, err := r.uint64(what)
	return int64(v), err
}

// count reads an element count and rejects counts that could not possibly
// fit in the remaining bytes, so corrupt headers never drive allocation.
func (r *reader) count(what string, minElem int) (uint64, error) {
	n, err := r.uint64(what)
	if err != nil {
		return 0, err
	}
	if minElem > 0 && n > uint64(r.remaining()/minElem) {
		return 0, fmt.Errorf("%w: %s %d exceeds remaining data", ErrTruncated, what, n)
	}
	return n, nil
}

func (r *reader) module() (*Module, error) {
	magic, err := r.take(magicSize, "magic")
	if err != nil {
		return nil, err
	}

	m := &Module{}
	switch [4]byte(magic) {
	case ScriptMagic:
		m.Kind = KindScript
	case LibraryMagic:
		m.Kind = KindLibrary
	default:
		return nil, fmt.Errorf("%w: got %q", ErrInvalidMagic, magic)
	}

	if m.Version, err = r.uint32("version"); err != nil {
		return nil, err
	}
	if m.Version != Version {
		msg := fmt.Sprintf("module version %d differs from loader version %d", m.Version, Version)
		m.Warnings = append(m.Warnings, msg)
		log.Warning(msg)
	}

	if m.Kind == KindLibrary {
		if err := r.exports(m); err != nil {
			return nil, err
		}
	}
	if err := r.sections(m); err != nil {
		return nil, err
	}
	if err := r.names(m); err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.remaining())
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// export entry: kind(1) id(8) params(4) return(1) symlen(8)
const exportFixedSize = 1 + 8 + 4 + 1 + 8

func (r *reader) exports(m *Module) error {
	n, err := r.count("export count", exportFixedSize)
	if err != nil {
		return err
	}
	m.Exports = make([]Export, 0, n)
	for i := uint64(0); i < n; i++ {
		var e Export
		kind, err := r.uint8("export kind")
		if err != nil {
			return err
		}
		e.Kind = SectionType(kind)
		if !e.Kind.Valid() {
			return fmt.Errorf("%w: export %d has unknown kind %d", ErrCorrupt, i, kind)
		}
		if e.ID, err = r.int64("export id"); err != nil {
			return err
		}
		if e.ParamCount, err = r.uint32("export parameter count"); err != nil {
			return err
		}
		ret, err := r.uint8("export return type")
		if err != nil {
			return err
		}
		e.ReturnType = VarType(ret)
		symLen, err := r.uint64("export symbol length")
		if err != nil {
			return err
		}
		sym, err := r.take(symLen, "export symbol")
		if err != nil {
			return err
		}
		e.Symbol = string(sym)
		m.Exports = append(m.Exports, e)
	}
	return nil
}

// section header: type(1) id(8) size(8)
const sectionHeaderSize = 1 + 8 + 8

func (r *reader) sections(m *Module) error {
	n, err := r.count("section count", sectionHeaderSize)
	if err != nil {
		return err
	}
	m.Sections = make([]*Section, 0, n)
	seen := make(map[int64]struct{}, n)
	for i := uint64(0); i < n; i++ {
		typ, err := r.uint8("section type")
		if err != nil {
			return err
		}
		t := SectionType(typ)
		if !t.Valid() {
			return fmt.Errorf("%w: section %d has unknown type %d", ErrCorrupt, i, typ)
		}
		id, err := r.int64("section id")
		if err != nil {
			return err
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate section id %d", ErrCorrupt, id)
		}
		seen[id] = struct{}{}
		size, err := r.uint64("section size")
		if err != nil {
			return err
		}
		payload, err := r.take(size, "section payload")
		if err != nil {
			return err
		}
		m.Sections = append(m.Sections, NewSection(t, id, payload))
	}
	return nil
}

// name entry: len(1) id(8)
const nameFixedSize = 1 + 8

func (r *reader) names(m *Module) error {
	n, err := r.count("name count", nameFixedSize)
	if err != nil {
		return err
	}
	m.Names = make([]Name, 0, n)
	for i := uint64(0); i < n; i++ {
		l, err := r.uint8("name length")
		if err != nil {
			return err
		}
		name, err := r.take(uint64(l), "name")
		if err != nil {
			return err
		}
		id, err := r.int64("name id")
		if err != nil {
			return err
		}
		m.Names = append(m.Names, Name{Name: string(name), ID: id})
	}
	return nil
}
