package module

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// VarType is the type tag of a compiled variable.
type VarType uint8

const (
	TypeVoid VarType = iota
	TypeObject
	TypeString
	TypeFloat
	TypeBool
	TypeInt
	TypeUint
)

var typeNames = [...]string{
	TypeVoid:   "void",
	TypeObject: "object",
	TypeString: "string",
	TypeFloat:  "float",
	TypeBool:   "bool",
	TypeInt:    "int",
	TypeUint:   "uint",
}

func (t VarType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("VarType(%d)", uint8(t))
}

// Valid reports whether t is a defined type.
func (t VarType) Valid() bool {
	return int(t) < len(typeNames)
}

// Scalar reports whether values of t fit in a single stack cell.
func (t VarType) Scalar() bool {
	switch t {
	case TypeObject, TypeFloat, TypeBool, TypeInt, TypeUint:
		return true
	}
	return false
}

// TypeSize returns the encoded size of a value of type t. Strings have no
// fixed size and report -1, as do unknown types.
func TypeSize(t VarType) int {
	switch t {
	case TypeVoid:
		return 0
	case TypeObject:
		return 8
	case TypeFloat, TypeInt, TypeUint:
		return 4
	case TypeBool:
		return 1
	}
	return -1
}

var (
	ErrNotScalar   = errors.New("variable type does not fit a stack cell")
	ErrConversion  = errors.New("invalid variable conversion")
	ErrBadVariable = errors.New("malformed compiled variable")
)

// Variable is a compiled variable: a type tag and its big-endian value
// bytes (raw UTF-8 for strings).
type Variable struct {
	Type VarType
	Data []byte
}

// DecodeVariable parses a field or variable section payload.
func DecodeVariable(payload []byte) (Variable, error) {
	if len(payload) == 0 {
		return Variable{}, fmt.Errorf("%w: empty payload", ErrBadVariable)
	}
	t := VarType(payload[0])
	if !t.Valid() {
		return Variable{}, fmt.Errorf("%w: unknown type %d", ErrBadVariable, payload[0])
	}
	data := payload[1:]
	if size := TypeSize(t); size >= 0 && len(data) != size {
		return Variable{}, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrBadVariable, t, size, len(data))
	}
	v := Variable{Type: t, Data: make([]byte, len(data))}
	copy(v.Data, data)
	return v, nil
}

// Encode returns the section payload for v.
func (v Variable) Encode() []byte {
	out := make([]byte, 0, 1+len(v.Data))
	out = append(out, byte(v.Type))
	return append(out, v.Data...)
}

// Clone returns a deep copy of v.
func (v Variable) Clone() Variable {
	data := make([]byte, len(v.Data))
	copy(data, v.Data)
	return Variable{Type: v.Type, Data: data}
}

// String returns a human-readable rendering of the value.
func (v Variable) String() string {
	switch v.Type {
	case TypeVoid:
		return "void"
	case TypeString:
		return strconv.Quote(string(v.Data))
	case TypeFloat:
		return strconv.FormatFloat(float64(v.Float()), 'g', -1, 32)
	case TypeBool:
		return strconv.FormatBool(v.Bool())
	case TypeInt:
		return strconv.FormatInt(int64(v.Int()), 10)
	case TypeUint:
		return strconv.FormatUint(uint64(v.Uint()), 10)
	case TypeObject:
		return fmt.Sprintf("object@%#x", v.raw())
	}
	return fmt.Sprintf("<%s>", v.Type)
}

func (v Variable) raw() uint64 {
	var x uint64
	for _, b := range v.Data {
		x = x<<8 | uint64(b)
	}
	return x
}

// Int returns the value as a 32-bit signed integer.
func (v Variable) Int() int32 { return int32(uint32(v.raw())) }

// Uint returns the value as a 32-bit unsigned integer.
func (v Variable) Uint() uint32 { return uint32(v.raw()) }

// Float returns the value as a 32-bit float.
func (v Variable) Float() float32 { return math.Float32frombits(uint32(v.raw())) }

// Bool returns the value as a boolean.
func (v Variable) Bool() bool { return v.raw() != 0 }

// Cell converts a scalar variable to its stack cell representation.
func (v Variable) Cell() (uint64, error) {
	if !v.Type.Scalar() {
		return 0, fmt.Errorf("%w: %s", ErrNotScalar, v.Type)
	}
	if v.Type == TypeBool {
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	}
	return v.raw(), nil
}

// FromCell builds a variable of type t from a stack cell.
func FromCell(t VarType, cell uint64) (Variable, error) {
	switch t {
	case TypeObject:
		data := make([]byte, 8)
		binary.BigEndian.PutUint64(data, cell)
		return Variable{Type: t, Data: data}, nil
	case TypeFloat, TypeInt, TypeUint:
		data := make([]byte, 4)
		binary.BigEndian.PutUint32(data, uint32(cell))
		return Variable{Type: t, Data: data}, nil
	case TypeBool:
		if cell != 0 {
			return Variable{Type: t, Data: []byte{1}}, nil
		}
		return Variable{Type: t, Data: []byte{0}}, nil
	}
	return Variable{}, fmt.Errorf("%w: %s", ErrNotScalar, t)
}

// IntVar, UintVar, FloatVar, BoolVar and StringVar build variables.
func IntVar(x int32) Variable {
	v, _ := FromCell(TypeInt, uint64(uint32(x)))
	return v
}

func UintVar(x uint32) Variable {
	v, _ := FromCell(TypeUint, uint64(x))
	return v
}

func FloatVar(x float32) Variable {
	v, _ := FromCell(TypeFloat, uint64(math.Float32bits(x)))
	return v
}

func BoolVar(x bool) Variable {
	if x {
		return Variable{Type: TypeBool, Data: []byte{1}}
	}
	return Variable{Type: TypeBool, Data: []byte{0}}
}

func StringVar(s string) Variable {
	return Variable{Type: TypeString, Data: []byte(s)}
}

// Convert returns v converted to type to. Numeric conversions follow Go's
// conversion rules on the 32-bit values; strings are parsed and formatted.
func (v Variable) Convert(to VarType) (Variable, error) {
	if v.Type == to {
		return v.Clone(), nil
	}
	if to == TypeString {
		if v.Type == TypeVoid || v.Type == TypeObject {
			return Variable{}, fmt.Errorf("%w: %s to %s", ErrConversion, v.Type, to)
		}
		s := v.String()
		return StringVar(s), nil
	}
	if v.Type == TypeString {
		return parseString(string(v.Data), to)
	}

	var (
		i int64
		f float64
	)
	switch v.Type {
	case TypeInt:
		i, f = int64(v.Int()), float64(v.Int())
	case TypeUint:
		i, f = int64(v.Uint()), float64(v.Uint())
	case TypeFloat:
		f = float64(v.Float())
		i = int64(f)
	case TypeBool:
		if v.Bool() {
			i, f = 1, 1
		}
	default:
		return Variable{}, fmt.Errorf("%w: %s to %s", ErrConversion, v.Type, to)
	}

	switch to {
	case TypeInt:
		return IntVar(int32(i)), nil
	case TypeUint:
		return UintVar(uint32(i)), nil
	case TypeFloat:
		return FloatVar(float32(f)), nil
	case TypeBool:
		return BoolVar(f != 0), nil
	}
	return Variable{}, fmt.Errorf("%w: %s to %s", ErrConversion, v.Type, to)
}

func parseString(s string, to VarType) (Variable, error) {
	switch to {
	case TypeInt:
		n, err := strconv.ParseInt(s, 0, 32)
		if err != nil {
			return Variable{}, fmt.Errorf("%w: %v", ErrConversion, err)
		}
		return IntVar(int32(n)), nil
	case TypeUint:
		n, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return Variable{}, fmt.Errorf("%w: %v", ErrConversion, err)
		}
		return UintVar(uint32(n)), nil
	case TypeFloat:
		n, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return Variable{}, fmt.Errorf("%w: %v", ErrConversion, err)
		}
		return FloatVar(float32(n)), nil
	case TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Variable{}, fmt.Errorf("%w: %v", ErrConversion, err)
		}
		return BoolVar(b), nil
	}
	return Variable{}, fmt.Errorf("%w: string to %s", ErrConversion, to)
}
