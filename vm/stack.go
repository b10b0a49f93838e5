package vm

// Stack is a LIFO of 64-bit cells. The CPU keeps two: one for operands and
// one for return addresses.
type Stack struct {
	cells []uint64
}

// NewStack creates an empty stack.
func NewStack() *Stack {
	return &Stack{cells: make([]uint64, 0, 32)}
}

// Push appends v to the top of the stack.
func (s *Stack) Push(v uint64) {
	s.cells = append(s.cells, v)
}

// Pop removes and returns the top cell. An empty stack yields 0 and stays
// empty; callers that need to tell the difference check Len first.
func (s *Stack) Pop() uint64 {
	n := len(s.cells)
	if n == 0 {
		return 0
	}
	v := s.cells[n-1]
	s.cells = s.cells[:n-1]
	return v
}

// Peek returns the top cell without removing it, or 0 when empty.
func (s *Stack) Peek() uint64 {
	if len(s.cells) == 0 {
		return 0
	}
	return s.cells[len(s.cells)-1]
}

// Len returns the number of cells.
func (s *Stack) Len() int {
	return len(s.cells)
}

// Values returns a copy of the cells, bottom first.
func (s *Stack) Values() []uint64 {
	out := make([]uint64, len(s.cells))
	copy(out, s.cells)
	return out
}

// Clear empties the stack.
func (s *Stack) Clear() {
	s.cells = s.cells[:0]
}
