package vm

import (
	"fmt"
	"math"

	"github.com/GAMINGNOOBdev/baranium-sub001/module"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is the first byte of every instruction.
type Opcode byte

// Control flow
const (
	OpNOP   Opcode = 0x00 // no operation
	OpKILL  Opcode = 0x01 // halt the machine
	OpRET   Opcode = 0x02 // return to caller, halt at top level
	OpCALL  Opcode = 0x03 // call function (64-bit id)
	OpCALLN Opcode = 0x04 // call host callback (64-bit id)
	OpJMP   Opcode = 0x05 // jump (32-bit address)
	OpJMPC  Opcode = 0x06 // jump if flag set (32-bit address)
	OpJMPNC Opcode = 0x07 // jump if flag clear (32-bit address)
)

// Stack operations
const (
	OpPUSH8  Opcode = 0x10 // push 8-bit immediate
	OpPUSH16 Opcode = 0x11 // push 16-bit immediate
	OpPUSH32 Opcode = 0x12 // push 32-bit immediate
	OpPUSH64 Opcode = 0x13 // push 64-bit immediate
	OpPOP    Opcode = 0x14 // discard top of stack
	OpDUP    Opcode = 0x15 // duplicate top of stack
	OpSWAP   Opcode = 0x16 // swap top two cells
	OpPUSHF  Opcode = 0x17 // push comparison flag
	OpSETF   Opcode = 0x18 // set comparison flag
	OpCLRF   Opcode = 0x19 // clear comparison flag
	OpTEST   Opcode = 0x1A // pop, AND non-zero into flag
)

// Storage
const (
	OpLDF Opcode = 0x20 // push field (64-bit id)
	OpSTF Opcode = 0x21 // pop into field (64-bit id)
	OpLDV Opcode = 0x22 // push variable (64-bit id)
	OpSTV Opcode = 0x23 // pop into variable (64-bit id)
)

// Arithmetic, one type operand byte
const (
	OpADD Opcode = 0x30
	OpSUB Opcode = 0x31
	OpMUL Opcode = 0x32
	OpDIV Opcode = 0x33
	OpMOD Opcode = 0x34
	OpNEG Opcode = 0x35
)

// Bitwise, 32-bit
const (
	OpAND  Opcode = 0x38
	OpOR   Opcode = 0x39
	OpXOR  Opcode = 0x3A
	OpNOT  Opcode = 0x3B
	OpSHL  Opcode = 0x3C
	OpSHR  Opcode = 0x3D
	OpCONV Opcode = 0x3E // convert top cell (from type, to type)
)

// Comparisons. The predicate sits above the combinator bit so a chain of
// relational tests compiles to one instruction per link.
const (
	opCompareBase Opcode = 0x40
	opCompareLast Opcode = 0x4B
)

// Predicate is the relational test of a comparison opcode.
type Predicate uint8

const (
	PredLT Predicate = iota
	PredLE
	PredGT
	PredGE
	PredEQ
	PredNE
)

var predicateNames = [...]string{"LT", "LE", "GT", "GE", "EQ", "NE"}

// Combinator folds a comparison result into the flag.
type Combinator uint8

const (
	CombAND Combinator = 0
	CombOR  Combinator = 1
)

// CompareOp returns the opcode for predicate p combined with c.
func CompareOp(p Predicate, c Combinator) Opcode {
	return opCompareBase | Opcode(p)<<1 | Opcode(c&1)
}

// IsCompare reports whether op is a comparison.
func (op Opcode) IsCompare() bool {
	return op >= opCompareBase && op <= opCompareLast
}

// Compare splits a comparison opcode into its predicate and combinator.
func (op Opcode) Compare() (Predicate, Combinator) {
	return Predicate((op - opCompareBase) >> 1), Combinator(op & 1)
}

// Host lifecycle hooks
const (
	OpINST Opcode = 0x50 // instantiate object (64-bit id)
	OpDEL  Opcode = 0x51 // delete object
	OpATT  Opcode = 0x52 // attach (64-bit id)
	OpDET  Opcode = 0x53 // detach (64-bit id)
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string // mnemonic
	Operands []int  // operand widths in bits, in fetch order
}

// OperandBytes returns the total operand size in bytes.
func (i OpcodeInfo) OperandBytes() int {
	n := 0
	for _, bits := range i.Operands {
		n += bits / 8
	}
	return n
}

var (
	noOperands = []int(nil)
	imm8       = []int{8}
	imm16      = []int{16}
	imm32      = []int{32}
	imm64      = []int{64}
	typeByte   = []int{8}
	typePair   = []int{8, 8}
)

// opcodeTable maps opcodes to their metadata. Comparisons are filled in
// by init.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:   {"NOP", noOperands},
	OpKILL:  {"KILL", noOperands},
	OpRET:   {"RET", noOperands},
	OpCALL:  {"CALL", imm64},
	OpCALLN: {"CALLN", imm64},
	OpJMP:   {"JMP", imm32},
	OpJMPC:  {"JMPC", imm32},
	OpJMPNC: {"JMPNC", imm32},

	OpPUSH8:  {"PUSH8", imm8},
	OpPUSH16: {"PUSH16", imm16},
	OpPUSH32: {"PUSH32", imm32},
	OpPUSH64: {"PUSH64", imm64},
	OpPOP:    {"POP", noOperands},
	OpDUP:    {"DUP", noOperands},
	OpSWAP:   {"SWAP", noOperands},
	OpPUSHF:  {"PUSHF", noOperands},
	OpSETF:   {"SETF", noOperands},
	OpCLRF:   {"CLRF", noOperands},
	OpTEST:   {"TEST", noOperands},

	OpLDF: {"LDF", imm64},
	OpSTF: {"STF", imm64},
	OpLDV: {"LDV", imm64},
	OpSTV: {"STV", imm64},

	OpADD: {"ADD", typeByte},
	OpSUB: {"SUB", typeByte},
	OpMUL: {"MUL", typeByte},
	OpDIV: {"DIV", typeByte},
	OpMOD: {"MOD", typeByte},
	OpNEG: {"NEG", typeByte},

	OpAND:  {"AND", noOperands},
	OpOR:   {"OR", noOperands},
	OpXOR:  {"XOR", noOperands},
	OpNOT:  {"NOT", noOperands},
	OpSHL:  {"SHL", noOperands},
	OpSHR:  {"SHR", noOperands},
	OpCONV: {"CONV", typePair},

	OpINST: {"INST", imm64},
	OpDEL:  {"DEL", noOperands},
	OpATT:  {"ATT", imm64},
	OpDET:  {"DET", imm64},
}

func init() {
	for op := opCompareBase; op <= opCompareLast; op++ {
		p, c := op.Compare()
		comb := "AND"
		if c == CombOR {
			comb = "OR"
		}
		opcodeTable[op] = OpcodeInfo{Name: "CMP" + predicateNames[p] + comb, Operands: typeByte}
	}
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Defined reports whether op is part of the instruction set.
func (op Opcode) Defined() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the mnemonic for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder assembles instruction streams. Immediates are written
// big-endian, matching CPU.Fetch.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) *BytecodeBuilder {
	b.bytes = append(b.bytes, byte(op))
	return b
}

// EmitRaw appends raw bytes.
func (b *BytecodeBuilder) EmitRaw(data ...byte) *BytecodeBuilder {
	b.bytes = append(b.bytes, data...)
	return b
}

func (b *BytecodeBuilder) be(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		b.bytes = append(b.bytes, byte(v>>(8*i)))
	}
}

// Push appends the narrowest PUSH that holds v.
func (b *BytecodeBuilder) Push(v uint64) *BytecodeBuilder {
	switch {
	case v <= math.MaxUint8:
		b.bytes = append(b.bytes, byte(OpPUSH8))
		b.be(v, 1)
	case v <= math.MaxUint16:
		b.bytes = append(b.bytes, byte(OpPUSH16))
		b.be(v, 2)
	case v <= math.MaxUint32:
		b.bytes = append(b.bytes, byte(OpPUSH32))
		b.be(v, 4)
	default:
		b.bytes = append(b.bytes, byte(OpPUSH64))
		b.be(v, 8)
	}
	return b
}

// PushInt appends a PUSH32 of a signed 32-bit value.
func (b *BytecodeBuilder) PushInt(v int32) *BytecodeBuilder {
	b.bytes = append(b.bytes, byte(OpPUSH32))
	b.be(uint64(uint32(v)), 4)
	return b
}

// PushFloat appends a PUSH32 of a float32 bit pattern.
func (b *BytecodeBuilder) PushFloat(v float32) *BytecodeBuilder {
	b.bytes = append(b.bytes, byte(OpPUSH32))
	b.be(uint64(math.Float32bits(v)), 4)
	return b
}

// EmitID appends an opcode followed by a 64-bit section or callback id.
func (b *BytecodeBuilder) EmitID(op Opcode, id int64) *BytecodeBuilder {
	b.bytes = append(b.bytes, byte(op))
	b.be(uint64(id), 8)
	return b
}

// EmitTyped appends an opcode with a type operand.
func (b *BytecodeBuilder) EmitTyped(op Opcode, t module.VarType) *BytecodeBuilder {
	b.bytes = append(b.bytes, byte(op), byte(t))
	return b
}

// EmitCompare appends a comparison.
func (b *BytecodeBuilder) EmitCompare(p Predicate, c Combinator, t module.VarType) *BytecodeBuilder {
	return b.EmitTyped(CompareOp(p, c), t)
}

// EmitConv appends a conversion from one type to another.
func (b *BytecodeBuilder) EmitConv(from, to module.VarType) *BytecodeBuilder {
	b.bytes = append(b.bytes, byte(OpCONV), byte(from), byte(to))
	return b
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label is a jump target that may be referenced before it is placed.
type Label struct {
	resolved bool
	position int   // target (if resolved)
	refs     []int // operand positions waiting for the target
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) *BytecodeBuilder {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)
	for _, ref := range label.refs {
		b.patch(ref, label.position)
	}
	label.refs = nil
	return b
}

func (b *BytecodeBuilder) patch(at, target int) {
	b.bytes[at] = byte(target >> 24)
	b.bytes[at+1] = byte(target >> 16)
	b.bytes[at+2] = byte(target >> 8)
	b.bytes[at+3] = byte(target)
}

// EmitJump appends JMP, JMPC or JMPNC to label. Jump targets are absolute
// addresses within the function.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) *BytecodeBuilder {
	b.bytes = append(b.bytes, byte(op))
	at := len(b.bytes)
	b.bytes = append(b.bytes, 0, 0, 0, 0)
	if label.resolved {
		b.patch(at, label.position)
	} else {
		label.refs = append(label.refs, at)
	}
	return b
}
