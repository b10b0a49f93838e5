package vm

import (
	"fmt"

	"github.com/GAMINGNOOBdev/baranium-sub001/module"
	"github.com/fxamacker/cbor/v2"
)

var snapshotEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	snapshotEncMode = em
}

// Snapshot is a point-in-time copy of CPU and storage state, used for
// debugging dumps. Equal states encode to identical bytes.
type Snapshot struct {
	IP       uint64            `cbor:"1,keyasint"`
	Op       uint8             `cbor:"2,keyasint"`
	Ticks    uint64            `cbor:"3,keyasint"`
	Halted   bool              `cbor:"4,keyasint"`
	Flag     bool              `cbor:"5,keyasint"`
	Stack    []uint64          `cbor:"6,keyasint"`
	IPStack  []uint64          `cbor:"7,keyasint"`
	Function int64             `cbor:"8,keyasint"`
	Depth    int               `cbor:"9,keyasint"`
	Fault    string            `cbor:"10,keyasint,omitempty"`
	Modules  []ModuleState     `cbor:"11,keyasint,omitempty"`
}

// ModuleState holds the fields and variables of one loaded module.
type ModuleState struct {
	Path   string            `cbor:"1,keyasint,omitempty"`
	Fields map[int64]Storage `cbor:"2,keyasint,omitempty"`
	Vars   map[int64]Storage `cbor:"3,keyasint,omitempty"`
}

// Storage is the encoded value of one field or variable.
type Storage struct {
	Type uint8  `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

// Snapshot captures the CPU registers and stacks.
func (c *CPU) Snapshot() *Snapshot {
	s := &Snapshot{
		IP:      c.IP,
		Op:      uint8(c.Op),
		Ticks:   c.Ticks,
		Halted:  c.Halted,
		Flag:    c.Flag,
		Stack:   c.Stack.Values(),
		IPStack: c.IPStack.Values(),
		Depth:   c.Depth(),
	}
	if c.Bus != nil && c.Bus.Section() != nil {
		s.Function = c.Bus.Section().ID
	}
	if c.fault != nil {
		s.Fault = c.fault.Error()
	}
	return s
}

// Snapshot captures the CPU together with the fields and variables of
// every module, in load order.
func (rt *Runtime) Snapshot() *Snapshot {
	s := rt.CPU.Snapshot()
	for _, mod := range rt.modules {
		ms := ModuleState{Path: mod.Path}
		for id, c := range rt.storage[mod] {
			entry := Storage{Type: uint8(c.value.Type), Data: append([]byte(nil), c.value.Data...)}
			if c.kind == module.SectionField {
				if ms.Fields == nil {
					ms.Fields = make(map[int64]Storage)
				}
				ms.Fields[id] = entry
			} else {
				if ms.Vars == nil {
					ms.Vars = make(map[int64]Storage)
				}
				ms.Vars[id] = entry
			}
		}
		s.Modules = append(s.Modules, ms)
	}
	return s
}

// MarshalSnapshot serializes a Snapshot to canonical CBOR.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return snapshotEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a Snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
