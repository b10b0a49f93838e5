package ext

import (
	"errors"
	"plugin"
	"testing"

	"github.com/GAMINGNOOBdev/baranium-sub001/module"
)

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

type fakeLibrary map[string]plugin.Symbol

func (f fakeLibrary) Lookup(name string) (plugin.Symbol, error) {
	if sym, ok := f[name]; ok {
		return sym, nil
	}
	return nil, errors.New("symbol not found")
}

// withLibraries makes openLibrary serve libs by path for the test.
func withLibraries(t *testing.T, libs map[string]fakeLibrary) {
	t.Helper()
	orig := openLibrary
	openLibrary = func(path string) (library, error) {
		lib, ok := libs[path]
		if !ok {
			return nil, errors.New("no such file")
		}
		return lib, nil
	}
	t.Cleanup(func() { openLibrary = orig })
}

func testInitData() *InitData {
	return &InitData{
		Version:    InitVersion,
		SizeOfType: module.TypeSize,
		ConvertVariable: func(v module.Variable, to module.VarType) (module.Variable, error) {
			return v.Convert(to)
		},
	}
}

// ---------------------------------------------------------------------------
// Load tests
// ---------------------------------------------------------------------------

func TestLoadRunsHandshake(t *testing.T) {
	var got *InitData
	calls := 0
	withLibraries(t, map[string]fakeLibrary{
		"math.so": {HandshakeSymbol: func(d *InitData) { got = d; calls++ }},
	})

	data := testInitData()
	h, err := Load("math.so", data)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !h.Initialized || calls != 1 || got != data {
		t.Errorf("handshake: initialized=%v calls=%d", h.Initialized, calls)
	}
	if got.SizeOfType(module.TypeInt) != 4 {
		t.Error("extension should see the entry-point table")
	}
}

func TestLoadHandshakeVariable(t *testing.T) {
	called := false
	fn := func(d *InitData) { called = true }
	withLibraries(t, map[string]fakeLibrary{"v.so": {HandshakeSymbol: &fn}})

	if _, err := Load("v.so", testInitData()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !called {
		t.Error("handshake exported as a variable should run")
	}
}

func TestLoadDataOnly(t *testing.T) {
	withLibraries(t, map[string]fakeLibrary{"data.so": {"Table": &[]int{1, 2}}})

	h, err := Load("data.so", testInitData())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if h.Initialized {
		t.Error("data-only extension should not be initialized")
	}
	sym, err := Symbol(h, "Table")
	if err != nil {
		t.Fatalf("Symbol failed: %v", err)
	}
	if (*sym.(*[]int))[1] != 2 {
		t.Error("wrong symbol value")
	}
}

func TestLoadFailures(t *testing.T) {
	withLibraries(t, map[string]fakeLibrary{
		"wrong.so": {HandshakeSymbol: func() {}},
		"panic.so": {HandshakeSymbol: func(*InitData) { panic("bad extension") }},
	})

	tests := []struct {
		path string
		want error
	}{
		{"wrong.so", ErrBadHandshake},
		{"panic.so", ErrHandshake},
		{"missing.so", nil},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			h, err := Load(tt.path, testInitData())
			if h != nil {
				t.Error("failed load should return a nil handle")
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadWithoutInitData(t *testing.T) {
	called := false
	withLibraries(t, map[string]fakeLibrary{"x.so": {HandshakeSymbol: func(*InitData) { called = true }}})

	h, err := Load("x.so", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if called || h.Initialized {
		t.Error("handshake should be skipped without init data")
	}
}

// ---------------------------------------------------------------------------
// Symbol and Unload tests
// ---------------------------------------------------------------------------

func TestUnload(t *testing.T) {
	withLibraries(t, map[string]fakeLibrary{"a.so": {"F": func() {}}})

	h, err := Load("a.so", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := Unload(h); err != nil {
		t.Fatalf("Unload failed: %v", err)
	}
	if !h.Closed() {
		t.Error("handle should be closed")
	}
	if err := Unload(h); !errors.Is(err, ErrClosed) {
		t.Errorf("second Unload = %v, want ErrClosed", err)
	}
	if _, err := Symbol(h, "F"); !errors.Is(err, ErrClosed) {
		t.Errorf("Symbol after Unload = %v, want ErrClosed", err)
	}
	if _, err := Symbol(nil, "F"); !errors.Is(err, ErrClosed) {
		t.Errorf("Symbol(nil) = %v, want ErrClosed", err)
	}
}
