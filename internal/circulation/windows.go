// Package circulation decides, per variant and per time point, whether a
// variant is treated as actively circulating.
package circulation

import (
	"fmt"
	"sort"

	"hiermlr/internal/tensor"
)

// Window is the closed interval of time indices [Start, End] during which a
// variant is considered present.
type Window struct {
	Start int
	End   int

	// Observed is false when the variant has no nonzero count anywhere. Such
	// a variant gets the degenerate window [0, 0] and buffers are not applied.
	Observed bool

	// Everywhere is true when the variant is nonzero at every time point, in
	// which case the window is the whole series regardless of buffers.
	Everywhere bool
}

// Len returns the number of time points covered by the window.
func (w Window) Len() int { return w.End - w.Start + 1 }

// Contains reports whether time index t falls inside the window.
func (w Window) Contains(t int) bool { return t >= w.Start && t <= w.End }

// Mask is a time x variant boolean table; Mask[t][v] is true iff variant v's
// window contains t.
type Mask [][]bool

// At returns whether variant v circulates at time t.
func (m Mask) At(t, v int) bool { return m[t][v] }

// Segment is a maximal run of time indices sharing one circulating set.
type Segment struct {
	Times    []int
	Variants []int
}

// presence collapses every axis beyond (time, variant) with a logical OR of
// "observed and nonzero".
func presence(counts *tensor.Dense3) [][]bool {
	T, V, _ := counts.Dims()
	out := make([][]bool, T)
	for t := 0; t < T; t++ {
		out[t] = make([]bool, V)
		for v := 0; v < V; v++ {
			out[t][v] = counts.NonzeroAt(t, v)
		}
	}
	return out
}

// FindExtantWindows computes the circulation window of every variant.
// leftBuffer and rightBuffer widen each observed window and the result is
// clamped to [0, T-1].
func FindExtantWindows(counts *tensor.Dense3, leftBuffer, rightBuffer int) ([]Window, error) {
	if counts == nil {
		return nil, fmt.Errorf("counts not provided")
	}
	if leftBuffer < 0 || rightBuffer < 0 {
		return nil, fmt.Errorf("buffers must be non-negative, got left=%d right=%d", leftBuffer, rightBuffer)
	}
	T, V, _ := counts.Dims()
	if T == 0 {
		return nil, fmt.Errorf("counts have no time points")
	}

	present := presence(counts)
	windows := make([]Window, V)
	for v := 0; v < V; v++ {
		first, last, n := -1, -1, 0
		for t := 0; t < T; t++ {
			if present[t][v] {
				if first < 0 {
					first = t
				}
				n++
			}
		}
		for t := T - 1; t >= 0; t-- {
			if present[t][v] {
				last = t
				break
			}
		}

		switch {
		case n == T:
			windows[v] = Window{Start: 0, End: T - 1, Observed: true, Everywhere: true}
		case first < 0:
			windows[v] = Window{Start: 0, End: 0}
		default:
			windows[v] = Window{
				Start:    max(first-leftBuffer, 0),
				End:      min(last+rightBuffer, T-1),
				Observed: true,
			}
		}
	}
	return windows, nil
}

// FindCirculatingAtTime builds the circulation mask from the variant windows
// and lists, for each time point, the sorted variant indices active there.
func FindCirculatingAtTime(counts *tensor.Dense3, leftBuffer, rightBuffer int) ([][]int, Mask, error) {
	windows, err := FindExtantWindows(counts, leftBuffer, rightBuffer)
	if err != nil {
		return nil, nil, err
	}
	T, V, _ := counts.Dims()
	return circulatingFromWindows(windows, T, V)
}

func circulatingFromWindows(windows []Window, T, V int) ([][]int, Mask, error) {
	if len(windows) != V {
		return nil, nil, fmt.Errorf("got %d windows for %d variants", len(windows), V)
	}
	mask := make(Mask, T)
	for t := range mask {
		mask[t] = make([]bool, V)
	}
	for v, w := range windows {
		for t := w.Start; t <= w.End; t++ {
			mask[t][v] = true
		}
	}

	atTime := make([][]int, T)
	for t := 0; t < T; t++ {
		active := make([]int, 0, V)
		for v := 0; v < V; v++ {
			if mask[t][v] {
				active = append(active, v)
			}
		}
		atTime[t] = active
	}
	return atTime, mask, nil
}

// GenerateMinimalWindows run-length encodes the circulating sets: it emits a
// new segment exactly when the set at t differs from the set at t-1. The
// segments partition [0, T) in order.
func GenerateMinimalWindows(circulatingAtTime [][]int) []Segment {
	if len(circulatingAtTime) == 0 {
		return nil
	}

	var segments []Segment
	start := 0
	current := toSet(circulatingAtTime[0])
	for t := 1; t < len(circulatingAtTime); t++ {
		next := toSet(circulatingAtTime[t])
		if !sameSet(current, next) {
			segments = append(segments, newSegment(start, t, current))
			start = t
			current = next
		}
	}
	segments = append(segments, newSegment(start, len(circulatingAtTime), current))
	return segments
}

func newSegment(start, stop int, vars map[int]struct{}) Segment {
	times := make([]int, stop-start)
	for i := range times {
		times[i] = start + i
	}
	variants := make([]int, 0, len(vars))
	for v := range vars {
		variants = append(variants, v)
	}
	sort.Ints(variants)
	return Segment{Times: times, Variants: variants}
}

func toSet(xs []int) map[int]struct{} {
	s := make(map[int]struct{}, len(xs))
	for _, x := range xs {
		s[x] = struct{}{}
	}
	return s
}

func sameSet(a, b map[int]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Expand turns segments back into a per-time list of circulating variants.
func Expand(segments []Segment) [][]int {
	var out [][]int
	for _, s := range segments {
		for range s.Times {
			vars := make([]int, len(s.Variants))
			copy(vars, s.Variants)
			out = append(out, vars)
		}
	}
	return out
}
