// Package dtypes defines the element types of buffers and the scalar types of kernel arguments, matching the
// OpenCL C scalar types (bool, char, short, int, long, their unsigned versions, half, float and double).
package dtypes

import (
	"math"
	"reflect"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is the type of the elements of a buffer, or of a scalar kernel argument.
type DType int

const (
	// Invalid represents an invalid (or not set) dtype.
	Invalid DType = iota

	// Bool is stored as one byte, 0 or 1.
	Bool

	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64

	// Float16 is OpenCL's "half", see github.com/x448/float16.
	Float16
	Float32
	Float64
)

var dtypeNames = []string{"Invalid", "Bool", "Int8", "Int16", "Int32", "Int64", "Uint8", "Uint16", "Uint32", "Uint64",
	"Float16", "Float32", "Float64"}

// openclNames are the names of the types in OpenCL C.
var openclNames = []string{"", "bool", "char", "short", "int", "long", "uchar", "ushort", "uint", "ulong", "half",
	"float", "double"}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(dtypeNames) {
		return "Invalid"
	}
	return dtypeNames[dtype]
}

// OpenCLName returns the name of the type in OpenCL C, e.g. "uint" for Uint32.
func (dtype DType) OpenCLName() string {
	if dtype < 0 || int(dtype) >= len(openclNames) {
		return ""
	}
	return openclNames[dtype]
}

// MapOfNames maps the Go-style and the OpenCL C names (case-insensitive for the Go-style ones) to their DType.
var MapOfNames = func() map[string]DType {
	m := make(map[string]DType)
	for ii := range dtypeNames {
		if ii == int(Invalid) {
			continue
		}
		dtype := DType(ii)
		m[dtypeNames[ii]] = dtype
		m[strings.ToLower(dtypeNames[ii])] = dtype
		m[openclNames[ii]] = dtype
	}
	return m
}()

// Supported lists the Go types that map to a DType.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float16.Float16 | float32 | float64
}

// Size returns the number of bytes of one element of the dtype.
func (dtype DType) Size() int {
	switch dtype {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

// SizeForElements returns the number of bytes for numElements elements.
func (dtype DType) SizeForElements(numElements int) int {
	return dtype.Size() * numElements
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// GoType returns the Go type that maps to dtype. It returns nil for Invalid.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Bool:
		return reflect.TypeOf(false)
	case Int8:
		return reflect.TypeOf(int8(0))
	case Int16:
		return reflect.TypeOf(int16(0))
	case Int32:
		return reflect.TypeOf(int32(0))
	case Int64:
		return reflect.TypeOf(int64(0))
	case Uint8:
		return reflect.TypeOf(uint8(0))
	case Uint16:
		return reflect.TypeOf(uint16(0))
	case Uint32:
		return reflect.TypeOf(uint32(0))
	case Uint64:
		return reflect.TypeOf(uint64(0))
	case Float16:
		return reflect.TypeOf(float16.Float16(0))
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float64:
		return reflect.TypeOf(float64(0))
	}
	return nil
}

// FromGenericsType returns the DType for the given generic Go type.
func FromGenericsType[T Supported]() DType {
	var zero T
	return FromAny(zero)
}

// FromAny returns the DType of the value, or Invalid if its type is not Supported.
func FromAny(value any) DType {
	switch value.(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return Invalid
}

// HighestValue returns the highest finite (or +Inf for floats) value of the dtype, as the corresponding Go type.
func (dtype DType) HighestValue() any {
	switch dtype {
	case Bool:
		return true
	case Int8:
		return int8(math.MaxInt8)
	case Int16:
		return int16(math.MaxInt16)
	case Int32:
		return int32(math.MaxInt32)
	case Int64:
		return int64(math.MaxInt64)
	case Uint8:
		return uint8(math.MaxUint8)
	case Uint16:
		return uint16(math.MaxUint16)
	case Uint32:
		return uint32(math.MaxUint32)
	case Uint64:
		return uint64(math.MaxUint64)
	case Float16:
		return float16.Inf(1)
	case Float32:
		return float32(math.Inf(1))
	case Float64:
		return math.Inf(1)
	}
	return nil
}

// ScalarToBytes returns the raw (native byte order) bytes of a scalar value of a Supported type.
// The returned slice is a copy.
func ScalarToBytes(value any) ([]byte, DType, error) {
	dtype := FromAny(value)
	if dtype == Invalid {
		return nil, Invalid, errors.Errorf("scalar of type %T not supported as a kernel argument", value)
	}
	v := reflect.New(dtype.GoType()).Elem()
	v.Set(reflect.ValueOf(value))
	raw := unsafe.Slice((*byte)(v.Addr().UnsafePointer()), dtype.Size())
	return append([]byte(nil), raw...), dtype, nil
}

// FlatToBytes returns a view of the flat slice as raw bytes. No data is copied: the returned slice aliases flat.
func FlatToBytes[T Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*int(unsafe.Sizeof(zero)))
}

// BytesToFlat returns a view of raw as a slice of T. No data is copied.
// It panics if len(raw) is not a multiple of the size of T. raw must be suitably aligned for T.
func BytesToFlat[T Supported](raw []byte) []T {
	if len(raw) == 0 {
		return nil
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(raw)%size != 0 {
		panic(errors.Errorf("dtypes.BytesToFlat[%T] given %d bytes, not a multiple of %d", zero, len(raw), size))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(raw))), len(raw)/size)
}
