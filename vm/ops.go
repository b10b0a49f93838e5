package vm

import (
	"fmt"
	"math"

	"github.com/GAMINGNOOBdev/baranium-sub001/module"
)

// handler executes one decoded instruction. Operand bytes are fetched by
// the handler itself.
type handler func(c *CPU)

// dispatch is indexed by opcode byte. Entries without an instruction
// halt the CPU with ErrInvalidOpcode.
var dispatch [256]handler

func init() {
	handlers := map[Opcode]handler{
		OpNOP:   func(c *CPU) {},
		OpKILL:  (*CPU).Halt,
		OpRET:   opRET,
		OpCALL:  opCALL,
		OpCALLN: opCALLN,
		OpJMP:   opJMP,
		OpJMPC:  opJMPC,
		OpJMPNC: opJMPNC,

		OpPUSH8:  opPush(8),
		OpPUSH16: opPush(16),
		OpPUSH32: opPush(32),
		OpPUSH64: opPush(64),
		OpPOP:    func(c *CPU) { c.Stack.Pop() },
		OpDUP:    func(c *CPU) { c.Stack.Push(c.Stack.Peek()) },
		OpSWAP:   opSWAP,
		OpPUSHF:  opPUSHF,
		OpSETF:   func(c *CPU) { c.Flag = true },
		OpCLRF:   func(c *CPU) { c.Flag = false },
		OpTEST:   func(c *CPU) { c.Flag = c.Stack.Pop() != 0 && c.Flag },

		OpLDF: opLoad(module.SectionField),
		OpSTF: opStore(module.SectionField),
		OpLDV: opLoad(module.SectionVariable),
		OpSTV: opStore(module.SectionVariable),

		OpADD: opArith,
		OpSUB: opArith,
		OpMUL: opArith,
		OpDIV: opArith,
		OpMOD: opArith,
		OpNEG: opNEG,

		OpAND:  opBitwise,
		OpOR:   opBitwise,
		OpXOR:  opBitwise,
		OpNOT:  func(c *CPU) { c.Stack.Push(uint64(^uint32(c.Stack.Pop()))) },
		OpSHL:  opBitwise,
		OpSHR:  opBitwise,
		OpCONV: opCONV,

		OpINST: opINST,
		OpDEL:  opDEL,
		OpATT:  opAttach,
		OpDET:  opAttach,
	}
	for op := opCompareBase; op <= opCompareLast; op++ {
		handlers[op] = opCompare
	}

	for i := range dispatch {
		dispatch[i] = opInvalid
	}
	for op, h := range handlers {
		dispatch[op] = h
	}
}

func opInvalid(c *CPU) {
	c.Fail(fmt.Errorf("%w: %#04x at %d", ErrInvalidOpcode, byte(c.Op), c.IP-1))
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func opRET(c *CPU) {
	if !c.ret() {
		c.Halt()
	}
}

func opCALL(c *CPU) {
	id := int64(c.Fetch(64))
	rt := c.runtime()
	if rt == nil {
		return
	}
	bus, ok := rt.resolveFunction(c.Bus.Module(), id)
	if !ok {
		c.Fail(fmt.Errorf("%w: function %d", ErrUnknownSymbol, id))
		return
	}
	c.call(bus)
}

func opCALLN(c *CPU) {
	id := int64(c.Fetch(64))
	rt := c.runtime()
	if rt == nil {
		return
	}
	cb, ok := rt.Callbacks.FindByID(id)
	if !ok {
		c.Fail(fmt.Errorf("%w: callback %d", ErrUnknownSymbol, id))
		return
	}
	args := make([]uint64, cb.Params)
	for i := len(args) - 1; i >= 0; i-- {
		args[i] = c.Stack.Pop()
	}
	results, err := cb.Fn(rt, args)
	if err != nil {
		c.Fail(fmt.Errorf("callback %d: %w", id, err))
		return
	}
	for _, r := range results {
		c.Stack.Push(r)
	}
}

func opJMP(c *CPU) {
	c.IP = c.Fetch(32)
}

func opJMPC(c *CPU) {
	addr := c.Fetch(32)
	taken := c.Flag
	c.Flag = true
	if taken {
		c.IP = addr
	}
}

func opJMPNC(c *CPU) {
	addr := c.Fetch(32)
	taken := !c.Flag
	c.Flag = true
	if taken {
		c.IP = addr
	}
}

// ---------------------------------------------------------------------------
// Stack
// ---------------------------------------------------------------------------

func opPush(bits int) handler {
	return func(c *CPU) {
		c.Stack.Push(c.Fetch(bits))
	}
}

func opSWAP(c *CPU) {
	b := c.Stack.Pop()
	a := c.Stack.Pop()
	c.Stack.Push(b)
	c.Stack.Push(a)
}

func opPUSHF(c *CPU) {
	if c.Flag {
		c.Stack.Push(1)
	} else {
		c.Stack.Push(0)
	}
	c.Flag = true
}

// ---------------------------------------------------------------------------
// Storage
// ---------------------------------------------------------------------------

func opLoad(kind module.SectionType) handler {
	return func(c *CPU) {
		id := int64(c.Fetch(64))
		rt := c.runtime()
		if rt == nil {
			return
		}
		cell, err := rt.loadCell(c.Bus.Module(), kind, id)
		if err != nil {
			c.Fail(err)
			return
		}
		c.Stack.Push(cell)
	}
}

func opStore(kind module.SectionType) handler {
	return func(c *CPU) {
		id := int64(c.Fetch(64))
		rt := c.runtime()
		if rt == nil {
			return
		}
		if err := rt.storeCell(c.Bus.Module(), kind, id, c.Stack.Pop()); err != nil {
			c.Fail(err)
		}
	}
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func (c *CPU) operandType() module.VarType {
	return module.VarType(c.Fetch(8))
}

func (c *CPU) badType(t module.VarType) {
	c.Fail(fmt.Errorf("%w: %s for %s", ErrBadOperandType, t, c.Op))
}

func opArith(c *CPU) {
	t := c.operandType()
	b := c.Stack.Pop()
	a := c.Stack.Pop()

	switch t {
	case module.TypeInt:
		x, y := int32(uint32(a)), int32(uint32(b))
		var r int32
		switch c.Op {
		case OpADD:
			r = x + y
		case OpSUB:
			r = x - y
		case OpMUL:
			r = x * y
		case OpDIV, OpMOD:
			if y == 0 {
				c.Fail(ErrDivideByZero)
				return
			}
			if c.Op == OpDIV {
				r = x / y
			} else {
				r = x % y
			}
		}
		c.Stack.Push(uint64(uint32(r)))

	case module.TypeUint:
		x, y := uint32(a), uint32(b)
		var r uint32
		switch c.Op {
		case OpADD:
			r = x + y
		case OpSUB:
			r = x - y
		case OpMUL:
			r = x * y
		case OpDIV, OpMOD:
			if y == 0 {
				c.Fail(ErrDivideByZero)
				return
			}
			if c.Op == OpDIV {
				r = x / y
			} else {
				r = x % y
			}
		}
		c.Stack.Push(uint64(r))

	case module.TypeFloat:
		x, y := math.Float32frombits(uint32(a)), math.Float32frombits(uint32(b))
		var r float32
		switch c.Op {
		case OpADD:
			r = x + y
		case OpSUB:
			r = x - y
		case OpMUL:
			r = x * y
		case OpDIV:
			r = x / y
		case OpMOD:
			r = float32(math.Mod(float64(x), float64(y)))
		}
		c.Stack.Push(uint64(math.Float32bits(r)))

	default:
		c.badType(t)
	}
}

func opNEG(c *CPU) {
	t := c.operandType()
	a := c.Stack.Pop()
	switch t {
	case module.TypeInt, module.TypeUint:
		c.Stack.Push(uint64(-uint32(a)))
	case module.TypeFloat:
		c.Stack.Push(uint64(math.Float32bits(-math.Float32frombits(uint32(a)))))
	default:
		c.badType(t)
	}
}

func opBitwise(c *CPU) {
	b := uint32(c.Stack.Pop())
	a := uint32(c.Stack.Pop())
	var r uint32
	switch c.Op {
	case OpAND:
		r = a & b
	case OpOR:
		r = a | b
	case OpXOR:
		r = a ^ b
	case OpSHL:
		r = a << (b & 31)
	case OpSHR:
		r = a >> (b & 31)
	}
	c.Stack.Push(uint64(r))
}

func opCONV(c *CPU) {
	from := c.operandType()
	to := c.operandType()
	v, err := module.FromCell(from, c.Stack.Pop())
	if err == nil {
		v, err = v.Convert(to)
	}
	var cell uint64
	if err == nil {
		cell, err = v.Cell()
	}
	if err != nil {
		c.Fail(fmt.Errorf("%w: %v", ErrBadOperandType, err))
		return
	}
	c.Stack.Push(cell)
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

// compareCells applies p to a and b interpreted as type t.
func compareCells(t module.VarType, p Predicate, a, b uint64) (bool, bool) {
	var lt, eq bool
	switch t {
	case module.TypeInt:
		x, y := int32(uint32(a)), int32(uint32(b))
		lt, eq = x < y, x == y
	case module.TypeUint, module.TypeBool:
		x, y := uint32(a), uint32(b)
		lt, eq = x < y, x == y
	case module.TypeFloat:
		x, y := math.Float32frombits(uint32(a)), math.Float32frombits(uint32(b))
		switch p {
		case PredLT:
			return x < y, true
		case PredLE:
			return x <= y, true
		case PredGT:
			return x > y, true
		case PredGE:
			return x >= y, true
		case PredEQ:
			return x == y, true
		case PredNE:
			return x != y, true
		}
	case module.TypeObject:
		lt, eq = a < b, a == b
	default:
		return false, false
	}

	switch p {
	case PredLT:
		return lt, true
	case PredLE:
		return lt || eq, true
	case PredGT:
		return !lt && !eq, true
	case PredGE:
		return !lt, true
	case PredEQ:
		return eq, true
	case PredNE:
		return !eq, true
	}
	return false, false
}

func opCompare(c *CPU) {
	t := c.operandType()
	b := c.Stack.Pop()
	a := c.Stack.Pop()
	p, comb := c.Op.Compare()
	r, ok := compareCells(t, p, a, b)
	if !ok {
		c.badType(t)
		return
	}
	if comb == CombAND {
		c.Flag = c.Flag && r
	} else {
		c.Flag = c.Flag || r
	}
}

// ---------------------------------------------------------------------------
// Lifecycle hooks
// ---------------------------------------------------------------------------

func opINST(c *CPU) {
	id := int64(c.Fetch(64))
	rt := c.runtime()
	if rt == nil {
		return
	}
	ops := rt.Callbacks.InternalOperations()
	if ops.Instantiate == nil {
		c.Fail(fmt.Errorf("%w: instantiate", ErrHookMissing))
		return
	}
	c.Stack.Push(ops.Instantiate(rt, id))
}

func opDEL(c *CPU) {
	rt := c.runtime()
	if rt == nil {
		return
	}
	obj := c.Stack.Pop()
	ops := rt.Callbacks.InternalOperations()
	if ops.Delete == nil {
		c.Fail(fmt.Errorf("%w: delete", ErrHookMissing))
		return
	}
	ops.Delete(rt, obj)
}

func opAttach(c *CPU) {
	id := int64(c.Fetch(64))
	rt := c.runtime()
	if rt == nil {
		return
	}
	obj := c.Stack.Pop()
	ops := rt.Callbacks.InternalOperations()
	hook, name := ops.Attach, "attach"
	if c.Op == OpDET {
		hook, name = ops.Detach, "detach"
	}
	if hook == nil {
		c.Fail(fmt.Errorf("%w: %s", ErrHookMissing, name))
		return
	}
	hook(rt, obj, id)
}
