// Package tensor holds the (time, variant, group) array that sequence counts,
// logits and frequencies are carried in.
package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Dense3 is a dense row-major array indexed by (time, variant, group).
type Dense3 struct {
	t, v, g int
	data    []float64
}

// New allocates a zero-filled T x V x G tensor.
func New(t, v, g int) *Dense3 {
	if t < 0 || v < 0 || g < 0 {
		panic(fmt.Sprintf("tensor: negative dimension %dx%dx%d", t, v, g))
	}
	return &Dense3{t: t, v: v, g: g, data: make([]float64, t*v*g)}
}

// Full allocates a T x V x G tensor with every entry set to x.
func Full(t, v, g int, x float64) *Dense3 {
	d := New(t, v, g)
	for i := range d.data {
		d.data[i] = x
	}
	return d
}

// FromGroups stacks per-group T x V matrices along a trailing group axis.
// Every matrix must share the same shape.
func FromGroups(groups []*mat.Dense) (*Dense3, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("tensor: no groups to stack")
	}
	t, v := groups[0].Dims()
	out := New(t, v, len(groups))
	for g, m := range groups {
		r, c := m.Dims()
		if r != t || c != v {
			return nil, fmt.Errorf("tensor: group %d has shape %dx%d, expected %dx%d", g, r, c, t, v)
		}
		for i := 0; i < t; i++ {
			for j := 0; j < v; j++ {
				out.Set(i, j, g, m.At(i, j))
			}
		}
	}
	return out, nil
}

// Dims returns the (time, variant, group) extents.
func (d *Dense3) Dims() (t, v, g int) { return d.t, d.v, d.g }

func (d *Dense3) offset(t, v, g int) int {
	if t < 0 || t >= d.t || v < 0 || v >= d.v || g < 0 || g >= d.g {
		panic(fmt.Sprintf("tensor: index (%d,%d,%d) out of range %dx%dx%d", t, v, g, d.t, d.v, d.g))
	}
	return (t*d.v+v)*d.g + g
}

// At returns the element at (t, v, g).
func (d *Dense3) At(t, v, g int) float64 { return d.data[d.offset(t, v, g)] }

// Set stores x at (t, v, g).
func (d *Dense3) Set(t, v, g int, x float64) { d.data[d.offset(t, v, g)] = x }

// Group copies the T x V slice for group g into a new matrix.
func (d *Dense3) Group(g int) *mat.Dense {
	m := mat.NewDense(max(d.t, 1), max(d.v, 1), nil)
	if d.t == 0 || d.v == 0 {
		return m
	}
	for i := 0; i < d.t; i++ {
		for j := 0; j < d.v; j++ {
			m.Set(i, j, d.At(i, j, g))
		}
	}
	return m
}

// Clone returns a deep copy.
func (d *Dense3) Clone() *Dense3 {
	c := &Dense3{t: d.t, v: d.v, g: d.g, data: make([]float64, len(d.data))}
	copy(c.data, d.data)
	return c
}

// NonzeroAt reports whether any group has an observed, nonzero count for
// variant v at time t. Missing (NaN) entries are not evidence of presence.
func (d *Dense3) NonzeroAt(t, v int) bool {
	for g := 0; g < d.g; g++ {
		x := d.At(t, v, g)
		if x != 0 && !math.IsNaN(x) {
			return true
		}
	}
	return false
}

// SumVariants returns the T x G matrix of totals over the variant axis.
// A total is NaN when any contributing entry is NaN.
func (d *Dense3) SumVariants() *mat.Dense {
	out := mat.NewDense(max(d.t, 1), max(d.g, 1), nil)
	for t := 0; t < d.t; t++ {
		for g := 0; g < d.g; g++ {
			var s float64
			for v := 0; v < d.v; v++ {
				s += d.At(t, v, g)
			}
			out.Set(t, g, s)
		}
	}
	return out
}
