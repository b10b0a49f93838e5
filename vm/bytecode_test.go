package vm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/GAMINGNOOBdev/baranium-sub001/module"
)

// ---------------------------------------------------------------------------
// Opcode metadata tests
// ---------------------------------------------------------------------------

func TestOpcodeInfo(t *testing.T) {
	tests := []struct {
		op           Opcode
		name         string
		operandBytes int
	}{
		{OpNOP, "NOP", 0},
		{OpKILL, "KILL", 0},
		{OpRET, "RET", 0},
		{OpCALL, "CALL", 8},
		{OpCALLN, "CALLN", 8},
		{OpJMP, "JMP", 4},
		{OpJMPNC, "JMPNC", 4},
		{OpPUSH8, "PUSH8", 1},
		{OpPUSH16, "PUSH16", 2},
		{OpPUSH32, "PUSH32", 4},
		{OpPUSH64, "PUSH64", 8},
		{OpTEST, "TEST", 0},
		{OpLDF, "LDF", 8},
		{OpSTV, "STV", 8},
		{OpADD, "ADD", 1},
		{OpNEG, "NEG", 1},
		{OpSHR, "SHR", 0},
		{OpCONV, "CONV", 2},
		{OpINST, "INST", 8},
		{OpDEL, "DEL", 0},
		{OpDET, "DET", 8},
	}

	for _, tt := range tests {
		info := tt.op.Info()
		if info.Name != tt.name {
			t.Errorf("%#04x: Name = %q, want %q", byte(tt.op), info.Name, tt.name)
		}
		if got := info.OperandBytes(); got != tt.operandBytes {
			t.Errorf("%s: OperandBytes = %d, want %d", tt.op, got, tt.operandBytes)
		}
		if !tt.op.Defined() {
			t.Errorf("%s: Defined = false", tt.op)
		}
	}
}

func TestOpcodeUnknown(t *testing.T) {
	op := Opcode(0xEE)
	if op.Defined() {
		t.Fatal("0xEE should not be defined")
	}
	if op.String() != "UNKNOWN_EE" {
		t.Errorf("String = %q, want UNKNOWN_EE", op.String())
	}
}

func TestCompareEncoding(t *testing.T) {
	tests := []struct {
		p    Predicate
		c    Combinator
		op   Opcode
		name string
	}{
		{PredLT, CombAND, 0x40, "CMPLTAND"},
		{PredLT, CombOR, 0x41, "CMPLTOR"},
		{PredLE, CombAND, 0x42, "CMPLEAND"},
		{PredGE, CombOR, 0x47, "CMPGEOR"},
		{PredEQ, CombAND, 0x48, "CMPEQAND"},
		{PredNE, CombOR, 0x4B, "CMPNEOR"},
	}

	for _, tt := range tests {
		op := CompareOp(tt.p, tt.c)
		if op != tt.op {
			t.Errorf("CompareOp(%d, %d) = %#04x, want %#04x", tt.p, tt.c, byte(op), byte(tt.op))
		}
		if !op.IsCompare() {
			t.Errorf("%s: IsCompare = false", op)
		}
		p, c := op.Compare()
		if p != tt.p || c != tt.c {
			t.Errorf("%s: Compare = (%d, %d), want (%d, %d)", op, p, c, tt.p, tt.c)
		}
		if op.Name() != tt.name {
			t.Errorf("%#04x: Name = %q, want %q", byte(op), op.Name(), tt.name)
		}
	}

	if OpINST.IsCompare() || OpCONV.IsCompare() {
		t.Error("non-comparison reported as comparison")
	}
}

// ---------------------------------------------------------------------------
// BytecodeBuilder tests
// ---------------------------------------------------------------------------

func TestBuilderPushWidths(t *testing.T) {
	tests := []struct {
		v    uint64
		want []byte
	}{
		{5, []byte{byte(OpPUSH8), 5}},
		{300, []byte{byte(OpPUSH16), 0x01, 0x2C}},
		{0x01020304, []byte{byte(OpPUSH32), 1, 2, 3, 4}},
		{0x0102030405060708, []byte{byte(OpPUSH64), 1, 2, 3, 4, 5, 6, 7, 8}},
	}

	for _, tt := range tests {
		got := NewBytecodeBuilder().Push(tt.v).Bytes()
		if !bytes.Equal(got, tt.want) {
			t.Errorf("Push(%d) = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestBuilderPushInt(t *testing.T) {
	got := NewBytecodeBuilder().PushInt(-1).Bytes()
	want := []byte{byte(OpPUSH32), 0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(got, want) {
		t.Errorf("PushInt(-1) = %v, want %v", got, want)
	}
}

func TestBuilderEmitID(t *testing.T) {
	got := NewBytecodeBuilder().EmitID(OpCALL, 7).Bytes()
	want := []byte{byte(OpCALL), 0, 0, 0, 0, 0, 0, 0, 7}
	if !bytes.Equal(got, want) {
		t.Errorf("EmitID = %v, want %v", got, want)
	}
}

func TestBuilderLabels(t *testing.T) {
	b := NewBytecodeBuilder()
	fwd := b.NewLabel()
	b.EmitJump(OpJMP, fwd)
	b.Emit(OpNOP)
	b.Mark(fwd)

	back := b.NewLabel()
	b.Mark(back)
	b.EmitJump(OpJMPC, back)

	want := []byte{
		byte(OpJMP), 0, 0, 0, 6,
		byte(OpNOP),
		byte(OpJMPC), 0, 0, 0, 6,
	}
	if !bytes.Equal(b.Bytes(), want) {
		t.Errorf("bytes = %v, want %v", b.Bytes(), want)
	}
}

func TestBuilderMarkTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on second Mark")
		}
	}()
	b := NewBytecodeBuilder()
	l := b.NewLabel()
	b.Mark(l)
	b.Mark(l)
}

// ---------------------------------------------------------------------------
// Disassembly tests
// ---------------------------------------------------------------------------

func TestDisassemble(t *testing.T) {
	code := NewBytecodeBuilder().
		Push(5).
		EmitTyped(OpADD, module.TypeInt).
		EmitID(OpCALL, 7).
		EmitCompare(PredGT, CombAND, module.TypeFloat).
		EmitConv(module.TypeInt, module.TypeFloat).
		Emit(OpKILL).
		Bytes()

	want := strings.Join([]string{
		"0000  PUSH8 5",
		"0002  ADD int",
		"0004  CALL 7",
		"0013  CMPGTAND float",
		"0015  CONV int float",
		"0018  KILL",
	}, "\n")
	if got := Disassemble(code); got != want {
		t.Errorf("Disassemble =\n%s\nwant\n%s", got, want)
	}
}

func TestDisassembleJumpAndNegativeID(t *testing.T) {
	b := NewBytecodeBuilder()
	l := b.NewLabel()
	b.Mark(l)
	b.EmitID(OpLDV, -2)
	b.EmitJump(OpJMPNC, l)

	got := Disassemble(b.Bytes())
	want := "0000  LDV -2\n0009  JMPNC -> 0000"
	if got != want {
		t.Errorf("Disassemble =\n%s\nwant\n%s", got, want)
	}
}

func TestDisassembleTruncated(t *testing.T) {
	code := NewBytecodeBuilder().Emit(OpCALL).EmitRaw(0, 1).Bytes()
	got := Disassemble(code)
	if got != "0000  CALL <truncated>" {
		t.Errorf("Disassemble = %q", got)
	}
}
