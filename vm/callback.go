package vm

import (
	"reflect"
)

// NativeFunction is a host function callable from script through CALLN.
// args holds the popped parameters in push order; results are pushed back
// in order. A non-nil error halts the CPU.
type NativeFunction func(rt *Runtime, args []uint64) ([]uint64, error)

// Callback is one registry entry.
type Callback struct {
	ID     int64
	Fn     NativeFunction
	Params int
}

// InternalOperations are the host lifecycle hooks invoked by INST, DEL,
// ATT and DET.
type InternalOperations struct {
	Instantiate func(rt *Runtime, id int64) uint64
	Delete      func(rt *Runtime, object uint64)
	Attach      func(rt *Runtime, object uint64, id int64)
	Detach      func(rt *Runtime, object uint64, id int64)
}

// CallbackRegistry holds the host functions reachable from script and the
// lifecycle hooks. Registration order is preserved.
type CallbackRegistry struct {
	entries []Callback
	ops     InternalOperations
	opsSet  bool
}

// NewCallbackRegistry creates an empty registry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{}
}

// SetInternalOperations installs the lifecycle hooks. Only the first call
// takes effect; later calls return false.
func (r *CallbackRegistry) SetInternalOperations(ops InternalOperations) bool {
	if r.opsSet {
		log.Debug("lifecycle hooks already installed, ignoring")
		return false
	}
	r.ops = ops
	r.opsSet = true
	return true
}

// InternalOperations returns the installed hooks. Missing hooks are nil.
func (r *CallbackRegistry) InternalOperations() InternalOperations {
	return r.ops
}

// Add registers fn under id with the given parameter count. A second
// registration for the same id is ignored and reported as false.
func (r *CallbackRegistry) Add(id int64, fn NativeFunction, params int) bool {
	if fn == nil || params < 0 {
		return false
	}
	if _, ok := r.FindByID(id); ok {
		log.Debugf("callback %d already registered, ignoring", id)
		return false
	}
	r.entries = append(r.entries, Callback{ID: id, Fn: fn, Params: params})
	return true
}

// FindByID returns the callback registered under id.
func (r *CallbackRegistry) FindByID(id int64) (Callback, bool) {
	if i := r.indexByID(id); i >= 0 {
		return r.entries[i], true
	}
	return Callback{}, false
}

// FindByFunction returns the first callback whose function is fn. Functions
// are compared by code pointer, so closures built from the same literal
// match each other.
func (r *CallbackRegistry) FindByFunction(fn NativeFunction) (Callback, bool) {
	if i := r.indexByFunction(fn); i >= 0 {
		return r.entries[i], true
	}
	return Callback{}, false
}

// RemoveByID unregisters the callback for id. It reports whether an entry
// was removed.
func (r *CallbackRegistry) RemoveByID(id int64) bool {
	return r.removeAt(r.indexByID(id))
}

// RemoveByFunction unregisters the first callback whose function is fn.
func (r *CallbackRegistry) RemoveByFunction(fn NativeFunction) bool {
	return r.removeAt(r.indexByFunction(fn))
}

// Len returns the number of registered callbacks.
func (r *CallbackRegistry) Len() int {
	return len(r.entries)
}

// Entries returns the callbacks in registration order.
func (r *CallbackRegistry) Entries() []Callback {
	out := make([]Callback, len(r.entries))
	copy(out, r.entries)
	return out
}

// Clear drops every callback and the lifecycle hooks.
func (r *CallbackRegistry) Clear() {
	r.entries = nil
	r.ops = InternalOperations{}
	r.opsSet = false
}

func (r *CallbackRegistry) indexByID(id int64) int {
	for i, e := range r.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (r *CallbackRegistry) indexByFunction(fn NativeFunction) int {
	if fn == nil {
		return -1
	}
	want := reflect.ValueOf(fn).Pointer()
	for i, e := range r.entries {
		if reflect.ValueOf(e.Fn).Pointer() == want {
			return i
		}
	}
	return -1
}

func (r *CallbackRegistry) removeAt(i int) bool {
	if i < 0 {
		return false
	}
	copy(r.entries[i:], r.entries[i+1:])
	r.entries[len(r.entries)-1] = Callback{}
	r.entries = r.entries[:len(r.entries)-1]
	return true
}
