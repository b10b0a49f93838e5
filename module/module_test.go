package module

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

// rawBuilder writes module bytes by hand so tests can produce inputs the
// writer refuses to emit.
type rawBuilder struct {
	buf bytes.Buffer
}

func (b *rawBuilder) u8(v uint8) *rawBuilder {
	b.buf.WriteByte(v)
	return b
}

func (b *rawBuilder) u32(v uint32) *rawBuilder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

func (b *rawBuilder) u64(v uint64) *rawBuilder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

func (b *rawBuilder) raw(p []byte) *rawBuilder {
	b.buf.Write(p)
	return b
}

func (b *rawBuilder) section(t SectionType, id int64, payload []byte) *rawBuilder {
	return b.u8(uint8(t)).u64(uint64(id)).u64(uint64(len(payload))).raw(payload)
}

func testScript(t testing.TB) *Module {
	t.Helper()
	m := NewScript()
	mustAdd(t, m, NewSection(SectionFunction, 1, []byte{0x00, 0x01}))
	mustAdd(t, m, NewSection(SectionField, 2, IntVar(42).Encode()))
	mustAdd(t, m, NewSection(SectionVariable, -3, StringVar("hi").Encode()))
	if err := m.AddName("main", 1); err != nil {
		t.Fatal(err)
	}
	if err := m.AddName("answer", 2); err != nil {
		t.Fatal(err)
	}
	if err := m.AddName("greeting", -3); err != nil {
		t.Fatal(err)
	}
	return m
}

func mustAdd(t testing.TB, m *Module, s *Section) {
	t.Helper()
	if err := m.AddSection(s); err != nil {
		t.Fatalf("AddSection failed: %v", err)
	}
}

func mustEncode(t testing.TB, m *Module) []byte {
	t.Helper()
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return data
}

// ---------------------------------------------------------------------------
// Script format
// ---------------------------------------------------------------------------

func TestParseScript(t *testing.T) {
	data := mustEncode(t, testScript(t))

	if !bytes.Equal(data[:4], ScriptMagic[:]) {
		t.Fatalf("magic = %q, want %q", data[:4], ScriptMagic[:])
	}

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.Kind != KindScript {
		t.Errorf("Kind = %s, want script", m.Kind)
	}
	if len(m.Sections) != 3 {
		t.Fatalf("sections = %d, want 3", len(m.Sections))
	}
	if len(m.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", m.Warnings)
	}

	fn := m.Function(1)
	if fn == nil || !bytes.Equal(fn.Bytes(), []byte{0x00, 0x01}) {
		t.Errorf("Function(1) = %v, want [0 1]", fn)
	}
	if m.Function(2) != nil {
		t.Error("Function(2) should be nil for a field section")
	}
	if m.Field(2) == nil {
		t.Error("Field(2) = nil")
	}
	if m.Variable(-3) == nil {
		t.Error("Variable(-3) = nil")
	}

	id, ok := m.Lookup("greeting")
	if !ok || id != -3 {
		t.Errorf("Lookup(greeting) = %d, %v; want -3, true", id, ok)
	}
	if _, ok := m.Lookup("missing"); ok {
		t.Error("Lookup(missing) should fail")
	}
	if s := m.SectionByName("answer"); s == nil || s.ID != 2 {
		t.Errorf("SectionByName(answer) = %v", s)
	}
	if got := m.NameOf(1); got != "main" {
		t.Errorf("NameOf(1) = %q, want main", got)
	}

	v, err := m.Field(2).Variable()
	if err != nil {
		t.Fatalf("Variable failed: %v", err)
	}
	if v.Type != TypeInt || v.Int() != 42 {
		t.Errorf("field value = %s, want int 42", v)
	}
}

func TestParseSectionLayout(t *testing.T) {
	m := NewScript()
	mustAdd(t, m, NewSection(SectionFunction, 0x0102030405060708, []byte{0xAA}))
	data := mustEncode(t, m)

	want := new(rawBuilder).
		raw(ScriptMagic[:]).u32(Version).
		u64(1).section(SectionFunction, 0x0102030405060708, []byte{0xAA}).
		u64(0).buf.Bytes()
	if !bytes.Equal(data, want) {
		t.Errorf("encoded = % x\nwant      % x", data, want)
	}
}

func TestParseNameLayout(t *testing.T) {
	data := new(rawBuilder).
		raw(ScriptMagic[:]).u32(Version).
		u64(0).
		u64(1).u8(3).raw([]byte("foo")).u64(9).buf.Bytes()

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(m.Names) != 1 || m.Names[0].Name != "foo" || m.Names[0].ID != 9 {
		t.Errorf("names = %+v, want [{foo 9}]", m.Names)
	}
}

// ---------------------------------------------------------------------------
// Library format
// ---------------------------------------------------------------------------

func TestParseLibraryExport(t *testing.T) {
	main := []byte{0x01}
	data := new(rawBuilder).
		raw(LibraryMagic[:]).u32(Version).
		u64(1).u8(uint8(SectionFunction)).u64(7).u32(0).u8(uint8(TypeVoid)).u64(4).raw([]byte("main")).
		u64(1).section(SectionFunction, 7, main).
		u64(0).buf.Bytes()

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !m.IsLibrary() {
		t.Fatal("expected a library")
	}
	if len(m.Exports) != 1 {
		t.Fatalf("exports = %d, want 1", len(m.Exports))
	}
	e, ok := m.Export("main")
	if !ok {
		t.Fatal("Export(main) not found")
	}
	if e.Kind != SectionFunction || e.ID != 7 || e.ParamCount != 0 {
		t.Errorf("export = %+v", e)
	}
	fn := m.Function(7)
	if fn == nil || !bytes.Equal(fn.Bytes(), main) {
		t.Errorf("Function(7) = %v, want %v", fn, main)
	}

	// The writer produces the same bytes.
	if again := mustEncode(t, m); !bytes.Equal(again, data) {
		t.Errorf("re-encoded library differs:\n% x\n% x", again, data)
	}
}

func TestParseLibraryExportMissingSection(t *testing.T) {
	data := new(rawBuilder).
		raw(LibraryMagic[:]).u32(Version).
		u64(1).u8(uint8(SectionFunction)).u64(7).u32(0).u8(0).u64(4).raw([]byte("main")).
		u64(0).
		u64(0).buf.Bytes()

	m, err := Parse(data)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	if m != nil {
		t.Error("module should be nil on error")
	}
}

func TestParseLibraryExportKindMismatch(t *testing.T) {
	lib := NewLibrary()
	mustAdd(t, lib, NewSection(SectionField, 7, IntVar(1).Encode()))
	lib.AddExport(Export{Kind: SectionFunction, ID: 7, Symbol: "main"})
	if _, err := Encode(lib); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Encode err = %v, want ErrCorrupt", err)
	}
}

// ---------------------------------------------------------------------------
// Malformed input
// ---------------------------------------------------------------------------

func TestParseInvalidMagic(t *testing.T) {
	data := new(rawBuilder).raw([]byte("NOPE")).u32(Version).u64(0).u64(0).buf.Bytes()
	m, err := Parse(data)
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("err = %v, want ErrInvalidMagic", err)
	}
	if m != nil {
		t.Error("module should be nil on bad magic")
	}
}

func TestParseTruncatedFailsClosed(t *testing.T) {
	lib := NewLibrary()
	mustAdd(t, lib, NewSection(SectionFunction, 7, []byte{1, 2, 3}))
	mustAdd(t, lib, NewSection(SectionVariable, 8, UintVar(5).Encode()))
	lib.AddExport(Export{Kind: SectionFunction, ID: 7, Symbol: "main"})
	if err := lib.AddName("main", 7); err != nil {
		t.Fatal(err)
	}

	for _, src := range []*Module{testScript(t), lib} {
		data := mustEncode(t, src)
		for n := 0; n < len(data); n++ {
			m, err := Parse(data[:n])
			if err == nil {
				t.Fatalf("%s truncated to %d bytes: expected error", src.Kind, n)
			}
			if m != nil {
				t.Fatalf("%s truncated to %d bytes: module should be nil", src.Kind, n)
			}
		}
	}
}

func TestParseTruncatedSectionPayload(t *testing.T) {
	data := new(rawBuilder).
		raw(ScriptMagic[:]).u32(Version).
		u64(1).u8(uint8(SectionFunction)).u64(1).u64(100).raw([]byte{1, 2}).buf.Bytes()
	if _, err := Parse(data); !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
}

func TestParseHugeCountRejected(t *testing.T) {
	data := new(rawBuilder).raw(ScriptMagic[:]).u32(Version).u64(1 << 60).buf.Bytes()
	if _, err := Parse(data); !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
}

func TestParseDuplicateSectionID(t *testing.T) {
	data := new(rawBuilder).
		raw(ScriptMagic[:]).u32(Version).
		u64(2).
		section(SectionFunction, 5, []byte{0}).
		section(SectionField, 5, IntVar(1).Encode()).
		u64(0).buf.Bytes()
	if _, err := Parse(data); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestParseUnknownSectionType(t *testing.T) {
	data := new(rawBuilder).
		raw(ScriptMagic[:]).u32(Version).
		u64(1).section(SectionType(9), 1, nil).
		u64(0).buf.Bytes()
	if _, err := Parse(data); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestParseTrailingBytes(t *testing.T) {
	data := append(mustEncode(t, testScript(t)), 0xFF)
	if _, err := Parse(data); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestParseVersionMismatchIsWarning(t *testing.T) {
	m := testScript(t)
	m.Version = Version + 1
	loaded, err := Parse(mustEncode(t, m))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if loaded.Version != Version+1 {
		t.Errorf("Version = %d, want %d", loaded.Version, Version+1)
	}
	if len(loaded.Warnings) != 1 {
		t.Errorf("warnings = %v, want exactly one", loaded.Warnings)
	}
}

func TestSectionPayloadIsImmutable(t *testing.T) {
	src := []byte{0x01, 0x02, 0x03}
	s := NewSection(SectionFunction, 1, src)
	src[0] = 0xFF

	out := s.Bytes()
	out[1] = 0xFF

	if !bytes.Equal(s.Bytes(), []byte{0x01, 0x02, 0x03}) {
		t.Errorf("payload changed through a caller slice: % x", s.Bytes())
	}
	if b, ok := s.ByteAt(2); !ok || b != 0x03 {
		t.Errorf("ByteAt(2) = %#x, %v; want 0x03, true", b, ok)
	}
	if _, ok := s.ByteAt(3); ok {
		t.Error("ByteAt past the end should report false")
	}
}

func TestAddSectionDuplicate(t *testing.T) {
	m := NewScript()
	mustAdd(t, m, NewSection(SectionFunction, 1, nil))
	if err := m.AddSection(NewSection(SectionField, 1, nil)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestAddNameTooLong(t *testing.T) {
	m := NewScript()
	if err := m.AddName(string(make([]byte, 256)), 1); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("err = %v, want ErrNameTooLong", err)
	}
}

// ---------------------------------------------------------------------------
// Disposal, digest, files
// ---------------------------------------------------------------------------

func TestDisposeReleasesEverything(t *testing.T) {
	m, err := Parse(mustEncode(t, testScript(t)))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	sections := append([]*Section(nil), m.Sections...)

	m.Dispose()

	released := 0
	for _, s := range sections {
		if s.Released() {
			released++
		}
	}
	if released != len(sections) {
		t.Errorf("released %d payloads, want %d", released, len(sections))
	}
	if len(m.Sections) != 0 || len(m.Names) != 0 {
		t.Error("module tables should be empty after Dispose")
	}
	if !m.Disposed() {
		t.Error("Disposed() = false")
	}

	// A second Dispose is a no-op.
	m.Dispose()
	if !m.Disposed() {
		t.Error("Disposed() = false after second Dispose")
	}
}

func TestDigest(t *testing.T) {
	data := mustEncode(t, testScript(t))
	a, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse(append([]byte(nil), data...))
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest != b.Digest {
		t.Error("identical bytes should produce identical digests")
	}
	var zero [32]byte
	if a.Digest == zero {
		t.Error("digest should be set")
	}
}

func TestReadWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.bbin")
	if err := WriteFile(path, testScript(t)); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	m, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if m.Path != path {
		t.Errorf("Path = %q, want %q", m.Path, path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := Read(f); err != nil {
		t.Errorf("Read failed: %v", err)
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.bbin")); err == nil {
		t.Error("ReadFile of a missing file should fail")
	}
}
