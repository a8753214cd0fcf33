// Package hs implements header spaces: symbolic packet sets represented as
// a union of ternary cubes, each minus a list of subtracted cubes. The lazy
// difference lists are load-bearing — rule dependencies punch many small
// holes into a space that would explode if complemented eagerly.
package hs

import (
	"encoding/json"
	"strings"

	"github.com/oisee/hsa/pkg/array"
)

// Cube is one positive cube with its subtracted parts. Every diff is a
// subset of A by construction: diffs enter only as intersections with A.
type Cube struct {
	A     array.Array
	Diffs []array.Array
}

// HS is a header space over headers of a fixed byte length.
type HS struct {
	Len   int
	Cubes []Cube
}

// New returns an empty header space of l header bytes.
func New(l int) *HS {
	return &HS{Len: l}
}

// Copy returns a deep copy of h.
func (h *HS) Copy() *HS {
	res := &HS{Len: h.Len, Cubes: make([]Cube, len(h.Cubes))}
	for i, c := range h.Cubes {
		res.Cubes[i].A = array.Copy(c.A, h.Len)
		if c.Diffs != nil {
			res.Cubes[i].Diffs = make([]array.Array, len(c.Diffs))
			for j, d := range c.Diffs {
				res.Cubes[i].Diffs[j] = array.Copy(d, h.Len)
			}
		}
	}
	return res
}

// Count returns the number of top-level cubes.
func (h *HS) Count() int { return len(h.Cubes) }

// CountDiff returns the total number of diff cubes.
func (h *HS) CountDiff() int {
	n := 0
	for _, c := range h.Cubes {
		n += len(c.Diffs)
	}
	return n
}

// IsEmpty reports whether h contains no cubes at all. An HS whose diffs
// cover its cubes is only detected as empty after Compact.
func (h *HS) IsEmpty() bool { return len(h.Cubes) == 0 }

// Add appends a cube. The HS takes ownership of a.
func (h *HS) Add(a array.Array) {
	h.Cubes = append(h.Cubes, Cube{A: a})
}

// Diff subtracts the cube a: each top-level cube records a ∩ cube in its
// diff list.
func (h *HS) Diff(a array.Array) {
	for i := range h.Cubes {
		if t := array.Isect(h.Cubes[i].A, a, h.Len); t != nil {
			h.Cubes[i].Diffs = append(h.Cubes[i].Diffs, t)
		}
	}
}

// isectCubes intersects two cube lists pairwise. Each result cube inherits
// both parents' diffs, re-intersected with it.
func isectCubes(a, b []Cube, l int) []Cube {
	var out []Cube
	for i := range a {
		for j := range b {
			isect := array.Isect(a[i].A, b[j].A, l)
			if isect == nil {
				continue
			}
			var diffs []array.Array
			for _, d := range a[i].Diffs {
				if t := array.Isect(isect, d, l); t != nil {
					diffs = append(diffs, t)
				}
			}
			for _, d := range b[j].Diffs {
				if t := array.Isect(isect, d, l); t != nil {
					diffs = append(diffs, t)
				}
			}
			out = append(out, Cube{A: isect, Diffs: diffs})
		}
	}
	return out
}

// Isect intersects h with b in place. Reports whether h stays nonempty.
func (h *HS) Isect(b *HS) bool {
	if h.Len != b.Len {
		panic("hs: length mismatch")
	}
	h.Cubes = isectCubes(h.Cubes, b.Cubes, h.Len)
	return len(h.Cubes) > 0
}

// IsectA returns a ∩ b as a fresh HS, or nil if empty.
func IsectA(a, b *HS) *HS {
	if a.Len != b.Len {
		panic("hs: length mismatch")
	}
	cubes := isectCubes(a.Cubes, b.Cubes, a.Len)
	if len(cubes) == 0 {
		return nil
	}
	return &HS{Len: a.Len, Cubes: cubes}
}

// IsectArr returns h ∩ a (a single cube) as a fresh HS, or nil if empty.
// Cubes and diffs that do not intersect a are pruned.
func (h *HS) IsectArr(a array.Array) *HS {
	pos := -1
	var first array.Array
	for i := range h.Cubes {
		if t := array.Isect(h.Cubes[i].A, a, h.Len); t != nil {
			pos, first = i, t
			break
		}
	}
	if pos == -1 {
		return nil
	}

	res := New(h.Len)
	for i := pos; i < len(h.Cubes); i++ {
		cube := first
		if i != pos {
			cube = array.Isect(h.Cubes[i].A, a, h.Len)
			if cube == nil {
				continue
			}
		}
		var diffs []array.Array
		for _, d := range h.Cubes[i].Diffs {
			if t := array.Isect(d, a, h.Len); t != nil {
				diffs = append(diffs, t)
			}
		}
		res.Cubes = append(res.Cubes, Cube{A: cube, Diffs: diffs})
	}
	return res
}

// compactDiffs merges and drops redundant diffs of one cube with Combine.
func compactDiffs(ds []array.Array, mask array.Array, l int) []array.Array {
	for i := 0; i < len(ds); i++ {
		if ds[i] == nil {
			continue
		}
		for j := i + 1; j < len(ds); j++ {
			if ds[j] == nil {
				continue
			}
			ra, rb, extra := array.Combine(ds[i], ds[j], mask, l)
			ds[i], ds[j] = ra, rb
			if extra != nil {
				ds = append(ds, extra)
			}
			if ds[i] == nil {
				break
			}
		}
	}
	kept := ds[:0]
	for _, d := range ds {
		if d != nil {
			kept = append(kept, d)
		}
	}
	return kept
}

// Compact is CompactMask with no merge mask.
func (h *HS) Compact() bool { return h.CompactMask(nil) }

// CompactMask compacts every cube's diff list and deletes cubes fully
// covered by one of their diffs. Reports whether h stays nonempty.
// Idempotent.
func (h *HS) CompactMask(mask array.Array) bool {
	for i := 0; i < len(h.Cubes); i++ {
		h.Cubes[i].Diffs = compactDiffs(h.Cubes[i].Diffs, mask, h.Len)
		for _, d := range h.Cubes[i].Diffs {
			if !array.Subset(h.Cubes[i].A, d, h.Len) {
				continue
			}
			last := len(h.Cubes) - 1
			h.Cubes[i] = h.Cubes[last]
			h.Cubes = h.Cubes[:last]
			i--
			break
		}
	}
	return len(h.Cubes) > 0
}

// CompDiff folds every diff list into top-level cubes by DNF expansion,
// leaving an HS with no diffs.
func (h *HS) CompDiff() {
	var out []Cube
	for _, c := range h.Cubes {
		tmp := &HS{Len: h.Len, Cubes: []Cube{{A: c.A}}}
		sub := &HS{Len: h.Len}
		for _, d := range c.Diffs {
			sub.Cubes = append(sub.Cubes, Cube{A: d})
		}
		tmp.Minus(sub)
		out = append(out, tmp.Cubes...)
	}
	h.Cubes = out
}

// Cmpl complements h in place. The complement of each cube (plus its
// diffs, which re-enter positively) is intersected across all cubes.
func (h *HS) Cmpl() {
	if len(h.Cubes) == 0 {
		h.Add(array.New(h.Len, array.BitX))
		return
	}

	var acc []Cube
	first := true
	for _, c := range h.Cubes {
		pieces := array.Cmpl(c.A, h.Len)
		if pieces == nil {
			h.Cubes = nil
			return
		}
		tmp := make([]Cube, 0, len(pieces)+len(c.Diffs))
		for _, p := range pieces {
			tmp = append(tmp, Cube{A: p})
		}
		for _, d := range c.Diffs {
			tmp = append(tmp, Cube{A: array.Copy(d, h.Len)})
		}
		if first {
			acc, first = tmp, false
		} else {
			acc = isectCubes(acc, tmp, h.Len)
		}
	}
	h.Cubes = acc
}

// Minus subtracts b from h: h ∩ ¬b, compacted.
func (h *HS) Minus(b *HS) {
	if h.Len != b.Len {
		panic("hs: length mismatch")
	}
	tmp := b.Copy()
	tmp.Cmpl()
	h.Isect(tmp)
	h.Compact()
}

// Rewrite applies (mask, rw) to every cube in place. A diff whose x-count
// under the rewrite differs from its parent's has been collapsed by the
// rewrite and is dropped.
func (h *HS) Rewrite(mask, rw array.Array) {
	for i := range h.Cubes {
		n := array.Rewrite(h.Cubes[i].A, mask, rw, h.Len)
		kept := h.Cubes[i].Diffs[:0]
		for _, d := range h.Cubes[i].Diffs {
			if array.Rewrite(d, mask, rw, h.Len) == n {
				kept = append(kept, d)
			}
		}
		h.Cubes[i].Diffs = kept
	}
}

// PostponedDiffAndRewrite subtracts diff from rw (cube-parallel to orig,
// its rewritten image) only where the rewritten diff still has a matching
// parent: the candidate is intersected with orig's cube, rewritten, and
// kept iff its x-count equals the parent's x-count under the mask.
// Reports whether any diff was recorded.
func PostponedDiffAndRewrite(orig, rw *HS, diff, mask, rewrite array.Array) bool {
	changed := false
	for i := range orig.Cubes {
		tmp := array.Isect(orig.Cubes[i].A, diff, orig.Len)
		if tmp == nil {
			continue
		}
		n := array.XCount(orig.Cubes[i].A, mask, orig.Len)
		m := array.Rewrite(tmp, mask, rewrite, orig.Len)
		if n == m {
			changed = true
			rw.Cubes[i].Diffs = append(rw.Cubes[i].Diffs, tmp)
		}
	}
	return changed
}

// String renders h in DNF form: cubes joined by " + ", a cube with diffs
// as "(cube - (d1 + d2))".
func (h *HS) String() string {
	var sb strings.Builder
	for i, c := range h.Cubes {
		if i > 0 {
			sb.WriteString(" + ")
		}
		if len(c.Diffs) > 0 {
			sb.WriteByte('(')
			sb.WriteString(array.ToStr(c.A, h.Len, true))
			sb.WriteString(" - (")
			for j, d := range c.Diffs {
				if j > 0 {
					sb.WriteString(" + ")
				}
				sb.WriteString(array.ToStr(d, h.Len, true))
			}
			sb.WriteString("))")
		} else {
			sb.WriteString(array.ToStr(c.A, h.Len, true))
		}
	}
	return sb.String()
}

type jsonCube struct {
	Cube string   `json:"cube"`
	Diff []string `json:"diff,omitempty"`
}

type jsonHS struct {
	Len  int        `json:"len"`
	List []jsonCube `json:"list"`
}

// MarshalJSON encodes h as {"len":L,"list":[{"cube":...,"diff":[...]}]}.
func (h *HS) MarshalJSON() ([]byte, error) {
	out := jsonHS{Len: h.Len, List: make([]jsonCube, 0, len(h.Cubes))}
	for _, c := range h.Cubes {
		jc := jsonCube{Cube: array.ToStr(c.A, h.Len, false)}
		for _, d := range c.Diffs {
			jc.Diff = append(jc.Diff, array.ToStr(d, h.Len, false))
		}
		out.List = append(out.List, jc)
	}
	return json.Marshal(out)
}
