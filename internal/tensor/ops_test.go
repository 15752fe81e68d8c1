package tensor

import (
	"math"
	"testing"

	"github.com/x448/float16"
)

func TestMatVecMatchesNaive(t *testing.T) {
	w := NewMat(5, 7)
	FillRand(w, 1)
	x := make([]float32, 7)
	for i := range x {
		x[i] = float32(i) * 0.3
	}

	got := make([]float32, 5)
	MatVec(got, w, x)

	for i := 0; i < 5; i++ {
		var want float32
		for j := 0; j < 7; j++ {
			want += w.At(i, j) * x[j]
		}
		if math.Abs(float64(got[i]-want)) > 1e-5 {
			t.Fatalf("row %d: got %g want %g", i, got[i], want)
		}
	}
}

func TestMatVecHalfPrecision(t *testing.T) {
	raw := make([]byte, 2*3*2)
	vals := []float32{0.5, -1.25, 2, 0.75, -0.5, 1.5}
	for i, v := range vals {
		bits := float16.Fromfloat32(v).Bits()
		raw[i*2] = byte(bits)
		raw[i*2+1] = byte(bits >> 8)
	}
	w, err := NewMatFromRaw(2, 3, F16, raw)
	if err != nil {
		t.Fatalf("NewMatFromRaw: %v", err)
	}

	x := []float32{1, 2, 3}
	got := make([]float32, 2)
	MatVec(got, w, x)

	want := []float32{0.5 - 2.5 + 6, 0.75 - 1 + 4.5}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-3 {
			t.Fatalf("row %d: got %g want %g", i, got[i], want[i])
		}
	}
}

func TestSoftmaxNormalises(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	Softmax(x)
	var sum float32
	for i := 1; i < len(x); i++ {
		if x[i] <= x[i-1] {
			t.Fatalf("softmax not monotone over increasing input: %v", x)
		}
	}
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-6 {
		t.Fatalf("softmax sum = %g, want 1", sum)
	}
}

func TestRMSNorm(t *testing.T) {
	src := []float32{3, 4}
	weight := []float32{1, 1}
	dst := make([]float32, 2)
	RMSNorm(dst, src, weight, 0)

	// rms of {3,4} is sqrt(12.5)
	rms := float32(math.Sqrt(12.5))
	if math.Abs(float64(dst[0]-3/rms)) > 1e-6 || math.Abs(float64(dst[1]-4/rms)) > 1e-6 {
		t.Fatalf("unexpected RMSNorm output: %v", dst)
	}
}

func TestMatMulTShape(t *testing.T) {
	x := NewMat(4, 6)
	w := NewMat(3, 6)
	FillRand(x, 2)
	FillRand(w, 3)

	out := MatMulT(x, w)
	if out.R != 4 || out.C != 3 {
		t.Fatalf("got shape [%d, %d], want [4, 3]", out.R, out.C)
	}
	want := Dot(x.Row(1), w.Row(2))
	if math.Abs(float64(out.At(1, 2)-want)) > 1e-6 {
		t.Fatalf("out[1,2] = %g, want %g", out.At(1, 2), want)
	}
}
