package module

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// Encode serializes m into the binary module format.
func Encode(m *Module) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := &writer{buf: &buf}

	switch m.Kind {
	case KindScript:
		w.bytes(ScriptMagic[:])
	case KindLibrary:
		w.bytes(LibraryMagic[:])
	default:
		return nil, fmt.Errorf("unknown module kind %d", m.Kind)
	}
	w.uint32(m.Version)

	if m.Kind == KindLibrary {
		w.uint64(uint64(len(m.Exports)))
		for _, e := range m.Exports {
			w.uint8(uint8(e.Kind))
			w.uint64(uint64(e.ID))
			w.uint32(e.ParamCount)
			w.uint8(uint8(e.ReturnType))
			w.uint64(uint64(len(e.Symbol)))
			w.bytes([]byte(e.Symbol))
		}
	}

	w.uint64(uint64(len(m.Sections)))
	for _, s := range m.Sections {
		w.uint8(uint8(s.Type))
		w.uint64(uint64(s.ID))
		w.uint64(s.Size())
		w.bytes(s.data)
	}

	w.uint64(uint64(len(m.Names)))
	for _, n := range m.Names {
		if len(n.Name) > MaxNameLength {
			return nil, fmt.Errorf("%w: %q", ErrNameTooLong, n.Name)
		}
		w.uint8(uint8(len(n.Name)))
		w.bytes([]byte(n.Name))
		w.uint64(uint64(n.ID))
	}

	return buf.Bytes(), nil
}

// Write serializes m to w.
func Write(w io.Writer, m *Module) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// WriteFile serializes m to path.
func WriteFile(path string, m *Module) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

type writer struct {
	buf     *bytes.Buffer
	scratch [8]byte
}

func (w *writer) bytes(b []byte) {
	w.buf.Write(b)
}

func (w *writer) uint8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *writer) uint32(v uint32) {
	binary.BigEndian.PutUint32(w.scratch[:4], v)
	w.buf.Write(w.scratch[:4])
}

func (w *writer) uint64(v uint64) {
	binary.BigEndian.PutUint64(w.scratch[:], v)
	w.buf.Write(w.scratch[:])
}
