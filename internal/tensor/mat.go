package tensor

import (
	"math"
	"math/rand"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType identifies the element encoding of a matrix.
type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	default:
		return "unknown"
	}
}

// ElemSize returns the byte width of one element, or 0 for unknown dtypes.
func (d DType) ElemSize() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

// Mat is a dense row-major matrix of R rows by C columns.
//
// For F32 matrices Data holds the values directly. For F16/BF16 matrices the
// little-endian payload stays in Raw and rows are decoded on access, which
// keeps large half-precision weights at their on-disk footprint.
//
// Mat performs no bounds checking beyond Go's slice semantics; out-of-range
// indices panic.
type Mat struct {
	R, C   int
	Stride int

	DType DType
	Data  []float32
	Raw   []byte
}

// NewMat allocates a zero-initialised F32 matrix.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("tensor: negative matrix dimension")
	}
	return &Mat{R: r, C: c, Stride: c, DType: F32, Data: make([]float32, r*c)}
}

// NewMatFromData wraps an existing float32 slice. The slice is not copied.
func NewMatFromData(r, c int, data []float32) *Mat {
	if r*c != len(data) {
		panic("tensor: data length does not match matrix shape")
	}
	return &Mat{R: r, C: c, Stride: c, DType: F32, Data: data}
}

// NewMatFromRaw wraps a raw little-endian payload of the given dtype.
// The payload must contain exactly r*c elements in row-major order.
func NewMatFromRaw(r, c int, dtype DType, raw []byte) (*Mat, error) {
	if r < 0 || c < 0 {
		return nil, errNegativeDim
	}
	elem := dtype.ElemSize()
	if elem == 0 {
		return nil, errUnsupportedDType
	}
	if dtype == F32 {
		if len(raw) != r*c*4 {
			return nil, errRawSizeMismatch
		}
		data := make([]float32, r*c)
		for i := range data {
			data[i] = f32FromBits(u32le(raw, i*4))
		}
		return &Mat{R: r, C: c, Stride: c, DType: F32, Data: data}, nil
	}
	if len(raw) != r*c*elem {
		return nil, errRawSizeMismatch
	}
	return &Mat{R: r, C: c, Stride: c, DType: dtype, Raw: raw}, nil
}

// Row returns the i-th row. For F32 matrices this is a view into the
// underlying storage; for half-precision matrices it is a decoded copy.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	if m.DType == F32 {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes the i-th row into dst, which must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	if len(dst) < m.C {
		panic("tensor: row buffer too small")
	}
	start := i * m.Stride
	switch m.DType {
	case F32:
		copy(dst[:m.C], m.Data[start:start+m.C])
	case F16:
		off := i * m.Stride * 2
		for j := 0; j < m.C; j++ {
			dst[j] = float16.Frombits(u16le(m.Raw, off+j*2)).Float32()
		}
	case BF16:
		off := i * m.Stride * 2
		decoded := bfloat16.DecodeFloat32(m.Raw[off : off+m.C*2])
		copy(dst[:m.C], decoded)
	default:
		panic("tensor: unsupported dtype for row decode")
	}
}

// At returns the element at row i, column j.
func (m *Mat) At(i, j int) float32 {
	if j < 0 || j >= m.C {
		panic("tensor: column index out of range")
	}
	if m.DType == F32 {
		return m.Data[i*m.Stride+j]
	}
	switch m.DType {
	case F16:
		return float16.Frombits(u16le(m.Raw, (i*m.Stride+j)*2)).Float32()
	case BF16:
		return bfloat16.DecodeFloat32(m.Raw[(i*m.Stride+j)*2 : (i*m.Stride+j)*2+2])[0]
	default:
		panic("tensor: unsupported dtype")
	}
}

// FillRand fills an F32 matrix with reproducible pseudo-random values in a
// small range around zero. The same seed always yields the same matrix.
func FillRand(m *Mat, seed int64) {
	if m.DType != F32 {
		panic("tensor: FillRand only supports F32 matrices")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.2
	}
}

func f32FromBits(u uint32) float32 {
	return math.Float32frombits(u)
}

func u16le(b []byte, off int) uint16 {
	return uint16(b[off]) | uint16(b[off+1])<<8
}

func u32le(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

var (
	errNegativeDim      = matError("negative matrix dimension")
	errUnsupportedDType = matError("unsupported dtype for raw matrix")
	errRawSizeMismatch  = matError("raw payload length does not match shape")
)

type matError string

func (e matError) Error() string { return "tensor: " + string(e) }
