package simd

import (
	"math"
	"testing"
)

func TestDotProduct(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{5, 4, 3, 2, 1}
	// 5 + 8 + 9 + 8 + 5 = 35
	if got := DotProduct(a, b); math.Abs(got-35) > 1e-12 {
		t.Errorf("DotProduct = %f, want 35", got)
	}
}

func TestVecOps(t *testing.T) {
	t.Run("VecAdd", func(t *testing.T) {
		dst := []float64{1, 2, 3, 4, 5}
		VecAdd(dst, []float64{10, 10, 10, 10, 10})
		for i, v := range dst {
			want := float64(i+1) + 10
			if math.Abs(v-want) > 1e-12 {
				t.Errorf("VecAdd[%d] = %f, want %f", i, v, want)
			}
		}
	})

	t.Run("VecAddScaled", func(t *testing.T) {
		dst := []float64{1, 1, 1, 1, 1}
		VecAddScaled(dst, []float64{2, 4, 6, 8, 10}, 0.5)
		want := []float64{2, 3, 4, 5, 6}
		for i := range dst {
			if math.Abs(dst[i]-want[i]) > 1e-12 {
				t.Errorf("VecAddScaled[%d] = %f, want %f", i, dst[i], want[i])
			}
		}
	})

	t.Run("VecAddMul", func(t *testing.T) {
		dst := []float64{1, 1, 1}
		VecAddMul(dst, []float64{2, 3, 4}, []float64{10, 10, 0})
		want := []float64{21, 31, 1}
		for i := range dst {
			if math.Abs(dst[i]-want[i]) > 1e-12 {
				t.Errorf("VecAddMul[%d] = %f, want %f", i, dst[i], want[i])
			}
		}
	})

	t.Run("Zero", func(t *testing.T) {
		dst := []float64{1, 2, 3}
		Zero(dst)
		for i, v := range dst {
			if v != 0 {
				t.Errorf("Zero[%d] = %f", i, v)
			}
		}
	})
}

func TestActivations(t *testing.T) {
	t.Run("Silu", func(t *testing.T) {
		x := []float64{-2, -1, 0, 1, 2}
		Silu(x)
		for i, in := range []float64{-2, -1, 0, 1, 2} {
			want := in / (1 + math.Exp(-in))
			if math.Abs(x[i]-want) > 1e-15 {
				t.Errorf("Silu(%f) = %f, want %f", in, x[i], want)
			}
		}
	})

	t.Run("SiluOddSymmetry", func(t *testing.T) {
		// silu(x) - silu(-x) = x*sigmoid(x) + x*sigmoid(-x) = x exactly
		for _, v := range []float64{0.1, 1.5, 3.7} {
			pos := []float64{v}
			neg := []float64{-v}
			Silu(pos)
			Silu(neg)
			if math.Abs(pos[0]-neg[0]-v) > 1e-12 {
				t.Errorf("silu symmetry violated at %f", v)
			}
		}
	})

	t.Run("Tanh", func(t *testing.T) {
		x := []float64{0, 1}
		Tanh(x)
		if x[0] != 0 || math.Abs(x[1]-math.Tanh(1)) > 1e-15 {
			t.Errorf("Tanh = %v", x)
		}
	})

	t.Run("Gelu", func(t *testing.T) {
		x := []float64{0}
		Gelu(x)
		if x[0] != 0 {
			t.Errorf("Gelu(0) = %f, want 0", x[0])
		}
		// gelu approaches identity for large positive inputs
		y := []float64{10}
		Gelu(y)
		if math.Abs(y[0]-10) > 1e-6 {
			t.Errorf("Gelu(10) = %f, want ~10", y[0])
		}
	})
}
