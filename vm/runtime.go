package vm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GAMINGNOOBdev/baranium-sub001/ext"
	"github.com/GAMINGNOOBdev/baranium-sub001/module"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("baranium.vm")

var (
	ErrWrongKind         = errors.New("module has the wrong kind")
	ErrNotLibrary        = errors.New("module is not a library")
	ErrExtensionAttached = errors.New("library already has an extension")
	ErrNoExtension       = errors.New("library has no extension")
	ErrExtensionSymbol   = errors.New("extension symbol is not a native function")
	ErrCallbackTaken     = errors.New("callback id is already registered")
	ErrNoActiveRuntime   = errors.New("no active runtime")
	ErrDestroyed         = errors.New("runtime has been destroyed")
	ErrBusy              = errors.New("runtime is already executing")
)

// ---------------------------------------------------------------------------
// Active runtime
// ---------------------------------------------------------------------------

// active is read by extensions through their InitData table. It is plain
// process-wide state: using runtimes from several goroutines at once needs
// external synchronization.
var active *Runtime

// SetActive makes rt the runtime extensions see. Pass nil to clear it.
func SetActive(rt *Runtime) {
	active = rt
}

// Active returns the runtime set by SetActive, or nil.
func Active() *Runtime {
	return active
}

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// storageCell is the live value of a field or variable section.
type storageCell struct {
	kind    module.SectionType
	initial module.Variable
	value   module.Variable
}

// moduleStorage holds the cells of one module by section ID.
type moduleStorage map[int64]*storageCell

// Runtime owns one CPU, the function and callback registries, the loaded
// modules with their field and variable storage, and the open handles.
// A Runtime is not safe for concurrent use.
type Runtime struct {
	ID        uuid.UUID
	CPU       *CPU
	Functions *FunctionManager
	Callbacks *CallbackRegistry

	handles    []*Handle
	modules    []*module.Module
	digests    map[[32]byte]*module.Module
	storage    map[*module.Module]moduleStorage
	extensions []*ext.Handle
	maxTicks   uint64
	running    bool
	destroyed  bool
}

// NewRuntime creates an empty runtime. It does not become active until
// SetActive is called.
func NewRuntime() *Runtime {
	rt := &Runtime{
		ID:        uuid.New(),
		CPU:       NewCPU(),
		Functions: NewFunctionManager(),
		Callbacks: NewCallbackRegistry(),
		digests:   make(map[[32]byte]*module.Module),
		storage:   make(map[*module.Module]moduleStorage),
	}
	rt.CPU.rt = rt
	return rt
}

// SetMaxTicks bounds every Execute to n instructions. Zero removes the bound.
func (rt *Runtime) SetMaxTicks(n uint64) {
	rt.maxTicks = n
}

// Modules returns the loaded modules in load order.
func (rt *Runtime) Modules() []*module.Module {
	out := make([]*module.Module, len(rt.modules))
	copy(out, rt.modules)
	return out
}

// Push and Pop give extensions access to the operand stack.
func (rt *Runtime) Push(v uint64) { rt.CPU.Stack.Push(v) }

func (rt *Runtime) Pop() uint64 { return rt.CPU.Stack.Pop() }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// AddModule registers mod's functions and initializes its field and
// variable storage. Storage belongs to the module: the same ID in two
// modules names two different cells.
func (rt *Runtime) AddModule(mod *module.Module) error {
	if rt.destroyed {
		return ErrDestroyed
	}
	if mod.Disposed() {
		return errors.New("cannot add a disposed module")
	}
	if _, loaded := rt.storage[mod]; loaded {
		return errors.New("module is already added")
	}
	cells := make(moduleStorage)
	for _, s := range mod.Sections {
		if s.Type != module.SectionField && s.Type != module.SectionVariable {
			continue
		}
		v, err := s.Variable()
		if err != nil {
			return fmt.Errorf("%s %d: %w", s.Type, s.ID, err)
		}
		cells[s.ID] = &storageCell{kind: s.Type, initial: v, value: v.Clone()}
	}
	rt.storage[mod] = cells

	n := rt.Functions.Register(mod)
	rt.modules = append(rt.modules, mod)
	if mod.Digest != ([32]byte{}) {
		rt.digests[mod.Digest] = mod
	}
	log.Infof("loaded %s %s: %d sections, %d functions registered", mod.Kind, describe(mod), len(mod.Sections), n)
	return nil
}

// LoadScript reads a script through a handle and adds it.
func (rt *Runtime) LoadScript(path string) (*module.Module, error) {
	return rt.load(path, module.KindScript)
}

// LoadLibrary reads a library through a handle and adds it. A library whose
// bytes are already loaded is returned as is. If a native extension named
// after the library (same base name, ".so") sits next to it, it is attached.
func (rt *Runtime) LoadLibrary(path string) (*module.Module, error) {
	mod, err := rt.load(path, module.KindLibrary)
	if err != nil || mod.Extension != nil {
		return mod, err
	}
	sibling := strings.TrimSuffix(path, filepath.Ext(path)) + ".so"
	if _, err := os.Stat(sibling); err != nil {
		return mod, nil
	}
	if _, err := rt.AttachExtension(mod, sibling); err != nil {
		msg := fmt.Sprintf("extension %s not attached: %v", sibling, err)
		mod.Warnings = append(mod.Warnings, msg)
		log.Warningf("%s: %s", describe(mod), msg)
	}
	return mod, nil
}

func (rt *Runtime) load(path string, kind module.Kind) (*module.Module, error) {
	if rt.destroyed {
		return nil, ErrDestroyed
	}
	h, err := rt.Open(path)
	if err != nil {
		return nil, err
	}
	mod, err := module.Parse(h.Data())
	if cerr := h.Close(); cerr != nil {
		log.Warningf("%v", cerr)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	mod.Path = path
	if mod.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s, want a %s", ErrWrongKind, path, mod.Kind, kind)
	}
	if prev, ok := rt.digests[mod.Digest]; ok && kind == module.KindLibrary {
		log.Debugf("library %s already loaded from %s", path, prev.Path)
		return prev, nil
	}
	if err := rt.AddModule(mod); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mod, nil
}

// Unload removes mod from the runtime: its functions, its storage and its
// extension. Function IDs mod was shadowing pass to the next module that
// defines them, in load order. The module is disposed.
func (rt *Runtime) Unload(mod *module.Module) {
	rt.Functions.RemoveModule(mod)
	delete(rt.storage, mod)
	if h, ok := mod.Extension.(*ext.Handle); ok {
		rt.unloadExtension(h)
	}
	for i, m := range rt.modules {
		if m == mod {
			rt.modules = append(rt.modules[:i], rt.modules[i+1:]...)
			break
		}
	}
	for _, m := range rt.modules {
		if n := rt.Functions.Register(m); n > 0 {
			log.Debugf("%s took over %d functions from %s", describe(m), n, describe(mod))
		}
	}
	if rt.digests[mod.Digest] == mod {
		delete(rt.digests, mod.Digest)
	}
	mod.Dispose()
}

func describe(mod *module.Module) string {
	if mod.Path != "" {
		return mod.Path
	}
	return fmt.Sprintf("<%x>", mod.Digest[:4])
}

// ---------------------------------------------------------------------------
// Extensions
// ---------------------------------------------------------------------------

// AttachExtension loads the native extension at path and binds it to the
// library mod.
func (rt *Runtime) AttachExtension(mod *module.Module, path string) (*ext.Handle, error) {
	if !mod.IsLibrary() {
		return nil, ErrNotLibrary
	}
	if mod.Extension != nil {
		return nil, ErrExtensionAttached
	}
	h, err := ext.Load(path, rt.initData())
	if err != nil {
		return nil, err
	}
	mod.Extension = h
	rt.extensions = append(rt.extensions, h)
	log.Infof("attached extension %s to %s", path, describe(mod))
	return h, nil
}

// BindExtensionCallback registers the function exported as symbol by mod's
// extension under callback id. The symbol may be a NativeFunction or a
// func([]uint64) ([]uint64, error).
func (rt *Runtime) BindExtensionCallback(mod *module.Module, symbol string, id int64, params int) error {
	h, ok := mod.Extension.(*ext.Handle)
	if !ok {
		return ErrNoExtension
	}
	sym, err := ext.Symbol(h, symbol)
	if err != nil {
		return fmt.Errorf("%s: %w", symbol, err)
	}
	return rt.bindSymbol(symbol, sym, id, params)
}

func (rt *Runtime) bindSymbol(symbol string, sym any, id int64, params int) error {
	fn := nativeFromSymbol(sym)
	if fn == nil {
		return fmt.Errorf("%w: %s is %T", ErrExtensionSymbol, symbol, sym)
	}
	if !rt.Callbacks.Add(id, fn, params) {
		return fmt.Errorf("%w: %s as callback %d", ErrCallbackTaken, symbol, id)
	}
	return nil
}

func nativeFromSymbol(sym any) NativeFunction {
	switch fn := sym.(type) {
	case NativeFunction:
		return fn
	case *NativeFunction:
		return *fn
	case func(*Runtime, []uint64) ([]uint64, error):
		return fn
	case func([]uint64) ([]uint64, error):
		return func(_ *Runtime, args []uint64) ([]uint64, error) { return fn(args) }
	}
	return nil
}

func (rt *Runtime) initData() *ext.InitData {
	return &ext.InitData{
		Version: ext.InitVersion,
		Runtime: func() ext.Runtime {
			if a := Active(); a != nil {
				return a
			}
			return nil
		},
		SizeOfType: module.TypeSize,
		PushVariable: func(v module.Variable) error {
			a := Active()
			if a == nil {
				return ErrNoActiveRuntime
			}
			cell, err := v.Cell()
			if err != nil {
				return err
			}
			a.Push(cell)
			return nil
		},
		ConvertVariable: func(v module.Variable, to module.VarType) (module.Variable, error) {
			return v.Convert(to)
		},
	}
}

func (rt *Runtime) unloadExtension(h *ext.Handle) {
	for i, e := range rt.extensions {
		if e == h {
			rt.extensions = append(rt.extensions[:i], rt.extensions[i+1:]...)
			break
		}
	}
	if err := ext.Unload(h); err != nil {
		log.Debugf("extension %s: %v", h.Path, err)
	}
}

// ---------------------------------------------------------------------------
// Resolution and storage
// ---------------------------------------------------------------------------

// resolveFunction finds function id, preferring the calling module.
func (rt *Runtime) resolveFunction(current *module.Module, id int64) (*Bus, bool) {
	if current != nil {
		if s := current.Function(id); s != nil {
			return NewBus(s, current), true
		}
	}
	owner, ok := rt.Functions.Owner(id)
	if !ok {
		return nil, false
	}
	s := owner.Function(id)
	if s == nil {
		return nil, false
	}
	return NewBus(s, owner), true
}

// Lookup resolves name through the name tables and export tables of the
// loaded modules, in load order.
func (rt *Runtime) Lookup(name string) (int64, *module.Module, bool) {
	for _, mod := range rt.modules {
		if id, ok := mod.Lookup(name); ok {
			return id, mod, true
		}
		if e, ok := mod.Export(name); ok {
			return e.ID, mod, true
		}
	}
	return 0, nil, false
}

// cell resolves a storage ID for code running in current: the module's own
// cell first, then a cell exported by a library, in load order. A nil
// current skips the first step.
func (rt *Runtime) cell(current *module.Module, kind module.SectionType, id int64) (*storageCell, error) {
	if c, ok := rt.storage[current][id]; ok && c.kind == kind {
		return c, nil
	}
	for _, mod := range rt.modules {
		if mod == current || !exports(mod, kind, id) {
			continue
		}
		if c, ok := rt.storage[mod][id]; ok && c.kind == kind {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %d", ErrUnknownSymbol, kind, id)
}

func exports(mod *module.Module, kind module.SectionType, id int64) bool {
	for _, e := range mod.Exports {
		if e.Kind == kind && e.ID == id {
			return true
		}
	}
	return false
}

// hostCell resolves a storage ID for the host: the first module in load
// order that defines it.
func (rt *Runtime) hostCell(kind module.SectionType, id int64) (*storageCell, error) {
	for _, mod := range rt.modules {
		if c, ok := rt.storage[mod][id]; ok && c.kind == kind {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %d", ErrUnknownSymbol, kind, id)
}

func (rt *Runtime) loadCell(current *module.Module, kind module.SectionType, id int64) (uint64, error) {
	c, err := rt.cell(current, kind, id)
	if err != nil {
		return 0, err
	}
	v, err := c.value.Cell()
	if err != nil {
		return 0, fmt.Errorf("%w: %s %d: %v", ErrBadOperandType, kind, id, err)
	}
	return v, nil
}

func (rt *Runtime) storeCell(current *module.Module, kind module.SectionType, id int64, raw uint64) error {
	c, err := rt.cell(current, kind, id)
	if err != nil {
		return err
	}
	v, err := module.FromCell(c.value.Type, raw)
	if err != nil {
		return fmt.Errorf("%w: %s %d: %v", ErrBadOperandType, kind, id, err)
	}
	c.value = v
	return nil
}

func (rt *Runtime) value(kind module.SectionType, id int64) (module.Variable, bool) {
	c, err := rt.hostCell(kind, id)
	if err != nil {
		return module.Variable{}, false
	}
	return c.value.Clone(), true
}

func (rt *Runtime) setValue(kind module.SectionType, id int64, v module.Variable) error {
	c, err := rt.hostCell(kind, id)
	if err != nil {
		return err
	}
	v, err = v.Convert(c.value.Type)
	if err != nil {
		return err
	}
	c.value = v
	return nil
}

// Field returns the current value of field id in the first module that
// defines it. Fields keep their value across executions.
func (rt *Runtime) Field(id int64) (module.Variable, bool) {
	return rt.value(module.SectionField, id)
}

// SetField stores v, converted to the field's declared type.
func (rt *Runtime) SetField(id int64, v module.Variable) error {
	return rt.setValue(module.SectionField, id, v)
}

// Variable returns the current value of variable id in the first module
// that defines it. Variables are reset to their initial value at the start
// of every Execute.
func (rt *Runtime) Variable(id int64) (module.Variable, bool) {
	return rt.value(module.SectionVariable, id)
}

// SetVariable stores v, converted to the variable's declared type.
func (rt *Runtime) SetVariable(id int64, v module.Variable) error {
	return rt.setValue(module.SectionVariable, id, v)
}

func (rt *Runtime) resetVariables() {
	for _, cells := range rt.storage {
		for _, c := range cells {
			if c.kind == module.SectionVariable {
				c.value = c.initial.Clone()
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Execute runs function id to completion. args are pushed in order before
// the first instruction; the operand stack left at halt is returned,
// bottom first.
func (rt *Runtime) Execute(id int64, args ...uint64) ([]uint64, error) {
	if rt.destroyed {
		return nil, ErrDestroyed
	}
	if rt.running {
		return nil, ErrBusy
	}
	bus, ok := rt.resolveFunction(nil, id)
	if !ok {
		return nil, fmt.Errorf("%w: function %d", ErrUnknownSymbol, id)
	}

	rt.running = true
	defer func() { rt.running = false }()

	rt.resetVariables()
	rt.CPU.Reset(bus)
	for _, a := range args {
		rt.CPU.Stack.Push(a)
	}
	err := rt.CPU.Run(rt.maxTicks)
	results := rt.CPU.Stack.Values()
	if err != nil {
		return results, fmt.Errorf("function %d halted after %d ticks: %w", id, rt.CPU.Ticks, err)
	}
	return results, nil
}

// Run executes the function bound to name.
func (rt *Runtime) Run(name string, args ...uint64) ([]uint64, error) {
	id, _, ok := rt.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSymbol, name)
	}
	return rt.Execute(id, args...)
}

// Destroy resets the CPU, closes every handle, unloads extensions, disposes
// the loaded modules and clears both registries. The runtime cannot be
// used afterwards.
func (rt *Runtime) Destroy() error {
	if rt.destroyed {
		return nil
	}
	rt.destroyed = true
	rt.CPU.Reset(nil)
	rt.CPU.Halt()

	var errs []error
	for _, h := range rt.Handles() {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, h := range rt.extensions {
		if err := ext.Unload(h); err != nil && !errors.Is(err, ext.ErrClosed) {
			errs = append(errs, err)
		}
	}
	rt.extensions = nil
	for _, mod := range rt.modules {
		mod.Dispose()
	}
	rt.modules = nil
	rt.digests = make(map[[32]byte]*module.Module)
	rt.storage = make(map[*module.Module]moduleStorage)
	rt.Functions.Clear()
	rt.Callbacks.Clear()

	if active == rt {
		active = nil
	}
	log.Debugf("runtime %s destroyed", rt.ID)
	return errors.Join(errs...)
}
