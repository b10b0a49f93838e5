package module

import (
	"errors"
	"math"
	"testing"
)

func TestTypeSize(t *testing.T) {
	tests := []struct {
		typ  VarType
		size int
	}{
		{TypeVoid, 0},
		{TypeObject, 8},
		{TypeString, -1},
		{TypeFloat, 4},
		{TypeBool, 1},
		{TypeInt, 4},
		{TypeUint, 4},
		{VarType(99), -1},
	}
	for _, tt := range tests {
		if got := TypeSize(tt.typ); got != tt.size {
			t.Errorf("TypeSize(%s) = %d, want %d", tt.typ, got, tt.size)
		}
	}
}

func TestDecodeVariable(t *testing.T) {
	v, err := DecodeVariable([]byte{byte(TypeInt), 0xFF, 0xFF, 0xFF, 0xFE})
	if err != nil {
		t.Fatalf("DecodeVariable failed: %v", err)
	}
	if v.Int() != -2 {
		t.Errorf("Int() = %d, want -2", v.Int())
	}

	bad := [][]byte{
		nil,
		{byte(TypeInt), 0x01},
		{byte(TypeBool)},
		{0x7F},
	}
	for _, p := range bad {
		if _, err := DecodeVariable(p); !errors.Is(err, ErrBadVariable) {
			t.Errorf("DecodeVariable(% x) err = %v, want ErrBadVariable", p, err)
		}
	}
}

func TestVariableCell(t *testing.T) {
	tests := []struct {
		v    Variable
		cell uint64
	}{
		{IntVar(-1), 0xFFFFFFFF},
		{UintVar(7), 7},
		{FloatVar(1.5), uint64(math.Float32bits(1.5))},
		{BoolVar(true), 1},
		{BoolVar(false), 0},
	}
	for _, tt := range tests {
		got, err := tt.v.Cell()
		if err != nil {
			t.Fatalf("%s: Cell failed: %v", tt.v, err)
		}
		if got != tt.cell {
			t.Errorf("%s: Cell = %#x, want %#x", tt.v, got, tt.cell)
		}
		back, err := FromCell(tt.v.Type, got)
		if err != nil {
			t.Fatalf("FromCell failed: %v", err)
		}
		if back.String() != tt.v.String() {
			t.Errorf("FromCell(%s, %#x) = %s, want %s", tt.v.Type, got, back, tt.v)
		}
	}

	if _, err := StringVar("x").Cell(); !errors.Is(err, ErrNotScalar) {
		t.Errorf("string Cell err = %v, want ErrNotScalar", err)
	}
	if _, err := FromCell(TypeVoid, 0); !errors.Is(err, ErrNotScalar) {
		t.Errorf("FromCell(void) err = %v, want ErrNotScalar", err)
	}
}

func TestVariableConvert(t *testing.T) {
	tests := []struct {
		name string
		in   Variable
		to   VarType
		want string
	}{
		{"int to float", IntVar(-3), TypeFloat, "-3"},
		{"float to int truncates", FloatVar(2.75), TypeInt, "2"},
		{"int to uint wraps", IntVar(-1), TypeUint, "4294967295"},
		{"uint to bool", UintVar(0), TypeBool, "false"},
		{"bool to int", BoolVar(true), TypeInt, "1"},
		{"int to string", IntVar(12), TypeString, `"12"`},
		{"string to float", StringVar("0.5"), TypeFloat, "0.5"},
		{"string to uint hex", StringVar("0x10"), TypeUint, "16"},
		{"string to bool", StringVar("true"), TypeBool, "true"},
		{"same type", UintVar(3), TypeUint, "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Convert(tt.to)
			if err != nil {
				t.Fatalf("Convert failed: %v", err)
			}
			if got.Type != tt.to {
				t.Errorf("type = %s, want %s", got.Type, tt.to)
			}
			if got.String() != tt.want {
				t.Errorf("value = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestVariableConvertErrors(t *testing.T) {
	cases := []struct {
		in Variable
		to VarType
	}{
		{StringVar("nope"), TypeInt},
		{Variable{Type: TypeVoid}, TypeInt},
		{Variable{Type: TypeObject, Data: make([]byte, 8)}, TypeString},
		{IntVar(1), TypeObject},
	}
	for _, c := range cases {
		if _, err := c.in.Convert(c.to); !errors.Is(err, ErrConversion) {
			t.Errorf("Convert(%s -> %s) err = %v, want ErrConversion", c.in.Type, c.to, err)
		}
	}
}
