package vm

import (
	"errors"
	"fmt"
)

// MaxCallDepth bounds nested CALLs before the CPU faults.
const MaxCallDepth = 1024

var (
	ErrInvalidOpcode  = errors.New("invalid opcode")
	ErrOperandWidth   = errors.New("operand width must be a positive multiple of 8 no larger than 64")
	ErrUnknownSymbol  = errors.New("unknown symbol")
	ErrDivideByZero   = errors.New("division by zero")
	ErrBadOperandType = errors.New("bad operand type")
	ErrCallDepth      = errors.New("call depth exceeded")
	ErrNoRuntime      = errors.New("instruction needs a runtime")
	ErrHookMissing    = errors.New("lifecycle hook not installed")
	ErrTickLimit      = errors.New("tick limit reached")
)

// ---------------------------------------------------------------------------
// CPU: fetch/decode/execute core
// ---------------------------------------------------------------------------

// CPU is the execution core. It advances only when Tick is called.
type CPU struct {
	IP      uint64 // instruction pointer into Bus
	Fetched uint64 // accumulator of the last Fetch
	Op      Opcode // opcode being executed
	Ticks   uint64 // executed instructions since Reset
	Halted  bool   // kill flag; only Reset clears it
	Flag    bool   // comparison flag

	Stack   *Stack // operand stack
	IPStack *Stack // return addresses
	Bus     *Bus   // active code bus

	callers []*Bus // buses suspended by CALL, innermost last
	fault   error
	rt      *Runtime
}

// NewCPU creates a halted CPU with no bus bound.
func NewCPU() *CPU {
	c := &CPU{
		Stack:   NewStack(),
		IPStack: NewStack(),
	}
	c.Reset(nil)
	c.Halted = true
	return c
}

// Reset prepares the CPU to execute bus from address 0 with fresh stacks.
func (c *CPU) Reset(bus *Bus) {
	c.IP = 0
	c.Fetched = 0
	c.Op = OpNOP
	c.Ticks = 0
	c.Halted = false
	c.Flag = true
	c.Stack = NewStack()
	c.IPStack = NewStack()
	c.Bus = bus
	c.callers = nil
	c.fault = nil
}

// Tick executes one instruction. At end of code the CPU halts without
// executing anything.
func (c *CPU) Tick() {
	if c.Halted {
		return
	}
	if c.Bus.EOF(c.IP) {
		c.Halted = true
		return
	}
	c.Op = Opcode(c.Bus.Read(c.IP))
	c.IP++
	dispatch[c.Op](c)
	c.Ticks++
}

// Fetch reads bits/8 operand bytes, most significant first, and returns
// them. An invalid width halts the CPU and yields 0.
func (c *CPU) Fetch(bits int) uint64 {
	if bits <= 0 || bits > 64 || bits%8 != 0 {
		c.Fail(fmt.Errorf("%w: %d", ErrOperandWidth, bits))
		return 0
	}
	c.Fetched = 0
	for i := 0; i < bits/8; i++ {
		c.Fetched = c.Fetched<<8 | uint64(c.Bus.Read(c.IP))
		c.IP++
	}
	return c.Fetched
}

// Run ticks until the CPU halts. maxTicks of zero means no limit. The
// returned error is the fault that halted the CPU, if any.
func (c *CPU) Run(maxTicks uint64) error {
	for !c.Halted {
		if maxTicks > 0 && c.Ticks >= maxTicks {
			c.Fail(fmt.Errorf("%w: %d", ErrTickLimit, maxTicks))
			break
		}
		c.Tick()
	}
	return c.fault
}

// Halt stops the CPU without recording a fault.
func (c *CPU) Halt() {
	c.Halted = true
}

// Fail halts the CPU and records err. The first fault is kept.
func (c *CPU) Fail(err error) {
	if c.fault == nil {
		c.fault = err
	}
	c.Halted = true
}

// Fault returns the error that halted the CPU, or nil after a clean halt.
func (c *CPU) Fault() error {
	return c.fault
}

// Depth returns the number of active CALL frames.
func (c *CPU) Depth() int {
	return len(c.callers)
}

func (c *CPU) call(bus *Bus) {
	if len(c.callers) >= MaxCallDepth {
		c.Fail(fmt.Errorf("%w: %d", ErrCallDepth, MaxCallDepth))
		return
	}
	c.IPStack.Push(c.IP)
	c.callers = append(c.callers, c.Bus)
	c.Bus = bus
	c.IP = 0
}

// ret resumes the innermost caller. It reports false at top level.
func (c *CPU) ret() bool {
	n := len(c.callers)
	if n == 0 {
		return false
	}
	c.IP = c.IPStack.Pop()
	c.Bus = c.callers[n-1]
	c.callers[n-1] = nil
	c.callers = c.callers[:n-1]
	return true
}

func (c *CPU) runtime() *Runtime {
	if c.rt == nil {
		c.Fail(fmt.Errorf("%w: %s", ErrNoRuntime, c.Op))
	}
	return c.rt
}
