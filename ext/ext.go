// Package ext loads natively compiled extension modules.
//
// An extension is a Go plugin. If it exports HandshakeSymbol, that function
// is called once right after loading with an InitData table. The table is
// the whole contract between the runtime and the extension: the extension
// keeps the entry points it needs and calls through them later, without
// linking against the runtime's internals.
package ext

import (
	"errors"
	"fmt"
	"plugin"

	"github.com/GAMINGNOOBdev/baranium-sub001/module"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("baranium.ext")

// HandshakeSymbol is the symbol looked up in every freshly loaded extension.
// It must be a func(*InitData).
const HandshakeSymbol = "BaraniumInitialize"

// InitVersion is the layout version of InitData. It grows when entries are
// appended; existing entries never change.
const InitVersion uint32 = 1

var (
	ErrBadHandshake = errors.New("handshake symbol has the wrong type")
	ErrHandshake    = errors.New("extension handshake failed")
	ErrClosed       = errors.New("extension handle is closed")
)

// Runtime is the part of a running VM an extension may touch.
type Runtime interface {
	Push(v uint64)
	Pop() uint64
}

// InitData is the entry-point table handed to an extension.
type InitData struct {
	Version uint32

	// Runtime returns the active runtime, or nil when none is active.
	Runtime func() Runtime

	// SizeOfType reports the encoded size of a variable type.
	SizeOfType func(t module.VarType) int

	// PushVariable pushes a compiled variable onto the active operand stack.
	PushVariable func(v module.Variable) error

	// ConvertVariable converts a compiled variable to another type.
	ConvertVariable func(v module.Variable, to module.VarType) (module.Variable, error)
}

// Handle is a loaded extension.
type Handle struct {
	Path string

	// Initialized reports whether the handshake ran.
	Initialized bool

	lib    library
	closed bool
}

// library is the subset of *plugin.Plugin the loader uses.
type library interface {
	Lookup(name string) (plugin.Symbol, error)
}

// openLibrary is the platform loader; tests replace it.
var openLibrary = func(path string) (library, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Load opens the extension at path and runs the handshake with data. A
// missing handshake symbol is not an error: the extension is treated as
// data-only. On failure the handle is nil.
func Load(path string, data *InitData) (*Handle, error) {
	lib, err := openLibrary(path)
	if err != nil {
		return nil, fmt.Errorf("cannot load extension %s: %w", path, err)
	}
	h := &Handle{Path: path, lib: lib}

	sym, err := lib.Lookup(HandshakeSymbol)
	if err != nil {
		log.Infof("extension %s has no %s, loaded as data-only", path, HandshakeSymbol)
		return h, nil
	}

	var initialize func(*InitData)
	switch fn := sym.(type) {
	case func(*InitData):
		initialize = fn
	case *func(*InitData):
		initialize = *fn
	default:
		return nil, fmt.Errorf("%w: %s in %s is %T", ErrBadHandshake, HandshakeSymbol, path, sym)
	}

	if data == nil {
		log.Debugf("extension %s loaded without init data, handshake skipped", path)
		return h, nil
	}
	if err := handshake(initialize, data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	h.Initialized = true
	log.Infof("extension %s initialized (table version %d)", path, data.Version)
	return h, nil
}

func handshake(initialize func(*InitData), data *InitData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandshake, r)
		}
	}()
	initialize(data)
	return nil
}

// Symbol looks up name in a loaded extension.
func Symbol(h *Handle, name string) (plugin.Symbol, error) {
	if h == nil || h.closed {
		return nil, ErrClosed
	}
	return h.lib.Lookup(name)
}

// Unload releases the handle. The Go runtime cannot unmap a plugin, so the
// code stays resident; the handle just stops resolving symbols.
func Unload(h *Handle) error {
	if h == nil || h.closed {
		return ErrClosed
	}
	h.closed = true
	h.lib = nil
	return nil
}

// Closed reports whether the handle has been unloaded.
func (h *Handle) Closed() bool {
	return h.closed
}
