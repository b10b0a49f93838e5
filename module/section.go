package module

import "fmt"

// SectionType tags the payload of a section.
type SectionType uint8

const (
	SectionInvalid SectionType = iota
	SectionField
	SectionVariable
	SectionFunction
)

func (t SectionType) String() string {
	switch t {
	case SectionField:
		return "field"
	case SectionVariable:
		return "variable"
	case SectionFunction:
		return "function"
	}
	return fmt.Sprintf("SectionType(%d)", uint8(t))
}

// Valid reports whether t is one of the defined section types.
func (t SectionType) Valid() bool {
	return t >= SectionField && t <= SectionFunction
}

// Section is an immutable, typed byte blob identified by a signed ID. The
// payload is only reachable through copies and single-byte reads.
type Section struct {
	Type SectionType
	ID   int64
	data []byte
}

// NewSection creates a section that owns a copy of data.
func NewSection(t SectionType, id int64, data []byte) *Section {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Section{Type: t, ID: id, data: buf}
}

// Size returns the payload size in bytes.
func (s *Section) Size() uint64 {
	return uint64(len(s.data))
}

// Bytes returns a copy of the payload.
func (s *Section) Bytes() []byte {
	if s.data == nil {
		return nil
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// ByteAt returns the payload byte at addr. ok is false past the end.
func (s *Section) ByteAt(addr uint64) (b byte, ok bool) {
	if addr >= uint64(len(s.data)) {
		return 0, false
	}
	return s.data[addr], true
}

// Released reports whether the payload has been released by Dispose.
func (s *Section) Released() bool {
	return s.data == nil
}

func (s *Section) release() {
	s.data = nil
}

// Variable decodes a field or variable payload.
func (s *Section) Variable() (Variable, error) {
	if s.Type != SectionField && s.Type != SectionVariable {
		return Variable{}, fmt.Errorf("section %d is a %s, not a field or variable", s.ID, s.Type)
	}
	return DecodeVariable(s.data)
}
