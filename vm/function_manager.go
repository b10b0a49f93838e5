package vm

import (
	"github.com/GAMINGNOOBdev/baranium-sub001/module"
)

// FunctionManager maps a function ID to the module that owns it, so a CALL
// into a library resolves at run time without the caller knowing where the
// callee is stored. Entries keep registration order.
type FunctionManager struct {
	order  []int64
	owners map[int64]*module.Module
}

// NewFunctionManager creates an empty registry.
func NewFunctionManager() *FunctionManager {
	return &FunctionManager{owners: make(map[int64]*module.Module)}
}

// Add registers id as owned by mod. It is a no-op, returning false, when id
// is already registered.
func (fm *FunctionManager) Add(id int64, mod *module.Module) bool {
	if _, ok := fm.owners[id]; ok {
		return false
	}
	fm.owners[id] = mod
	fm.order = append(fm.order, id)
	return true
}

// Owner returns the module registered for id.
func (fm *FunctionManager) Owner(id int64) (*module.Module, bool) {
	mod, ok := fm.owners[id]
	return mod, ok
}

// Get resolves id to the owning module's function section.
func (fm *FunctionManager) Get(id int64) (*module.Section, bool) {
	mod, ok := fm.owners[id]
	if !ok {
		return nil, false
	}
	fn := mod.Function(id)
	return fn, fn != nil
}

// Remove drops the entry for id. Unknown IDs are ignored.
func (fm *FunctionManager) Remove(id int64) {
	if _, ok := fm.owners[id]; !ok {
		return
	}
	delete(fm.owners, id)
	for i, v := range fm.order {
		if v == id {
			fm.order = append(fm.order[:i], fm.order[i+1:]...)
			break
		}
	}
}

// RemoveModule drops every entry owned by mod.
func (fm *FunctionManager) RemoveModule(mod *module.Module) {
	kept := fm.order[:0]
	for _, id := range fm.order {
		if fm.owners[id] == mod {
			delete(fm.owners, id)
			continue
		}
		kept = append(kept, id)
	}
	fm.order = kept
}

// Register adds the callable functions of mod: every function section of a
// script, the exported functions of a library. It returns how many IDs
// were newly registered.
func (fm *FunctionManager) Register(mod *module.Module) int {
	added := 0
	if mod.IsLibrary() {
		for _, e := range mod.Exports {
			if e.Kind == module.SectionFunction && fm.Add(e.ID, mod) {
				added++
			}
		}
		return added
	}
	for _, s := range mod.Sections {
		if s.Type == module.SectionFunction && fm.Add(s.ID, mod) {
			added++
		}
	}
	return added
}

// Len returns the number of entries.
func (fm *FunctionManager) Len() int {
	return len(fm.order)
}

// IDs returns the registered IDs in registration order.
func (fm *FunctionManager) IDs() []int64 {
	out := make([]int64, len(fm.order))
	copy(out, fm.order)
	return out
}

// Clear drops every entry.
func (fm *FunctionManager) Clear() {
	fm.order = nil
	fm.owners = make(map[int64]*module.Module)
}
