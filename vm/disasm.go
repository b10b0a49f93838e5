package vm

import (
	"fmt"
	"strings"

	"github.com/GAMINGNOOBdev/baranium-sub001/module"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction formats the instruction at pc and returns the
// address of the next one.
func DisassembleInstruction(code []byte, pc int) (string, int) {
	op := Opcode(code[pc])
	info := op.Info()
	start := pc
	pc++

	if pc+info.OperandBytes() > len(code) {
		return fmt.Sprintf("%04d  %s <truncated>", start, info.Name), len(code)
	}

	operands := make([]uint64, len(info.Operands))
	for i, bits := range info.Operands {
		var v uint64
		for j := 0; j < bits/8; j++ {
			v = v<<8 | uint64(code[pc])
			pc++
		}
		operands[i] = v
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%04d  %s", start, info.Name)
	switch {
	case op == OpJMP || op == OpJMPC || op == OpJMPNC:
		fmt.Fprintf(&b, " -> %04d", operands[0])
	case op == OpCALL || op == OpCALLN || op == OpINST || op == OpATT || op == OpDET,
		op >= OpLDF && op <= OpSTV:
		fmt.Fprintf(&b, " %d", int64(operands[0]))
	case op >= OpPUSH8 && op <= OpPUSH64:
		fmt.Fprintf(&b, " %d", operands[0])
	case op.IsCompare() || (op >= OpADD && op <= OpNEG) || op == OpCONV:
		for _, t := range operands {
			fmt.Fprintf(&b, " %s", module.VarType(t))
		}
	}
	return b.String(), pc
}

// Disassemble returns a listing of code, one instruction per line.
func Disassemble(code []byte) string {
	var lines []string
	for pc := 0; pc < len(code); {
		var line string
		line, pc = DisassembleInstruction(code, pc)
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
