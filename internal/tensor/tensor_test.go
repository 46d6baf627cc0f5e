package tensor

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestFromGroupsRoundTrip(t *testing.T) {
	a := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	b := mat.NewDense(2, 3, []float64{7, 8, 9, 10, 11, 12})

	d, err := FromGroups([]*mat.Dense{a, b})
	if err != nil {
		t.Fatalf("FromGroups: %v", err)
	}
	tt, v, g := d.Dims()
	if tt != 2 || v != 3 || g != 2 {
		t.Fatalf("Dims = %d,%d,%d", tt, v, g)
	}
	if d.At(1, 2, 0) != 6 || d.At(0, 1, 1) != 8 {
		t.Errorf("unexpected values %v %v", d.At(1, 2, 0), d.At(0, 1, 1))
	}
	if !mat.Equal(d.Group(1), b) {
		t.Errorf("Group(1) does not match input")
	}
}

func TestFromGroupsShapeMismatch(t *testing.T) {
	a := mat.NewDense(2, 2, nil)
	b := mat.NewDense(3, 2, nil)
	if _, err := FromGroups([]*mat.Dense{a, b}); err == nil {
		t.Fatal("expected shape mismatch error")
	}
	if _, err := FromGroups(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestNonzeroAtIgnoresNaN(t *testing.T) {
	d := New(2, 1, 2)
	d.Set(0, 0, 0, math.NaN())
	d.Set(1, 0, 1, 3)
	if d.NonzeroAt(0, 0) {
		t.Error("NaN should not count as nonzero")
	}
	if !d.NonzeroAt(1, 0) {
		t.Error("expected nonzero at t=1")
	}
}

func TestSumVariantsPropagatesNaN(t *testing.T) {
	d := New(2, 2, 1)
	d.Set(0, 0, 0, 2)
	d.Set(0, 1, 0, 3)
	d.Set(1, 0, 0, math.NaN())
	d.Set(1, 1, 0, 1)

	n := d.SumVariants()
	if n.At(0, 0) != 5 {
		t.Errorf("total at t=0 = %v, want 5", n.At(0, 0))
	}
	if !math.IsNaN(n.At(1, 0)) {
		t.Errorf("total at t=1 = %v, want NaN", n.At(1, 0))
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := Full(1, 1, 1, 2)
	c := d.Clone()
	c.Set(0, 0, 0, 5)
	if d.At(0, 0, 0) != 2 {
		t.Error("Clone shares storage with original")
	}
}
