// Package tf implements transfer functions: ordered rule tables describing
// what one switch (or the topology) does to a header space arriving on a
// port. Rules carry an optional match cube, an optional (mask, rewrite)
// pair, and a dependency list of higher-priority matches to subtract.
//
// Port selectors use the packed convention of the table format: a value
// greater than zero names a single port, zero means link/drop, and a
// negative value references a port set in the TF's set table.
package tf

import (
	"fmt"
	"slices"
	"sort"

	"github.com/oisee/hsa/pkg/array"
	"github.com/oisee/hsa/pkg/hs"
	"github.com/oisee/hsa/pkg/res"
)

// Dep names a higher-priority rule whose match must be subtracted before
// the owning rule applies, optionally limited to some input ports.
type Dep struct {
	Rule  uint32
	Match array.Array
	Port  int32 // >0 exact port, 0 any port, <0 port set
}

// Rule is one table entry. Match is nil for link rules; Mask and Rewrite
// are nil for pure forwarding rules.
type Rule struct {
	Idx     uint32
	In, Out int32
	Match   array.Array
	Mask    array.Array
	Rewrite array.Array
	Deps    []Dep
}

// noStart marks a port that appears only in multi-port rules.
const noStart = -1

// TF is one transfer function. Build with New/AddRule/Finalize; Apply and
// InvApply require a finalized table.
type TF struct {
	Prefix string
	Index  int // position in the owning network; 0 is the topology
	Len    int // header length in bytes
	Rules  []Rule

	portMap  map[uint32]int     // input port -> first single-port rule
	portSets map[int32][]uint32 // selector -> sorted ports
	byIdx    map[uint32]int
	nextSet  int32
	final    bool
}

// New returns an empty TF for headers of l bytes.
func New(prefix string, l int) *TF {
	return &TF{
		Prefix:   prefix,
		Len:      l,
		portSets: make(map[int32][]uint32),
		nextSet:  -1,
	}
}

// selector packs a port list: empty -> 0, singleton -> the port, longer
// lists go into the set table.
func (t *TF) selector(ports []uint32) int32 {
	switch len(ports) {
	case 0:
		return 0
	case 1:
		return int32(ports[0])
	}
	set := slices.Clone(ports)
	slices.Sort(set)
	id := t.nextSet
	t.nextSet--
	t.portSets[id] = set
	return id
}

// NewDep builds a dependency on rule with the given match and port filter
// (empty = any port).
func (t *TF) NewDep(rule uint32, match array.Array, ports []uint32) Dep {
	return Dep{Rule: rule, Match: match, Port: t.selector(ports)}
}

// AddRule appends a rule. idx is the 1-based priority position; lower
// indices take precedence via the dependency lists.
func (t *TF) AddRule(idx uint32, in, out []uint32, match, mask, rewrite array.Array, deps []Dep) {
	t.Rules = append(t.Rules, Rule{
		Idx:     idx,
		In:      t.selector(in),
		Out:     t.selector(out),
		Match:   match,
		Mask:    mask,
		Rewrite: rewrite,
		Deps:    deps,
	})
	t.final = false
}

// Finalize sorts the rule vector (multi-port rules first by index, then
// single-port rules grouped by input port), builds the port map, and
// validates that every dependency names a strictly higher-priority rule.
func (t *TF) Finalize() error {
	sort.SliceStable(t.Rules, func(i, j int) bool {
		a, b := &t.Rules[i], &t.Rules[j]
		if (a.In < 0 && b.In < 0) || a.In == b.In {
			return a.Idx < b.Idx
		}
		return a.In < b.In
	})

	t.portMap = make(map[uint32]int)
	t.byIdx = make(map[uint32]int, len(t.Rules))
	for i := range t.Rules {
		r := &t.Rules[i]
		t.byIdx[r.Idx] = i
		for _, p := range t.Ports(r.In) {
			if _, ok := t.portMap[p]; !ok {
				t.portMap[p] = noStart
			}
		}
		if r.In > 0 {
			p := uint32(r.In)
			if t.portMap[p] == noStart {
				t.portMap[p] = i
			}
		}
		for _, d := range r.Deps {
			if d.Rule >= r.Idx {
				return fmt.Errorf("tf %q: rule %d depends on rule %d, which is not higher priority",
					t.Prefix, r.Idx, d.Rule)
			}
		}
	}
	t.final = true
	return nil
}

// Ports resolves a selector to its port list.
func (t *TF) Ports(sel int32) []uint32 {
	switch {
	case sel > 0:
		return []uint32{uint32(sel)}
	case sel == 0:
		return nil
	default:
		return t.portSets[sel]
	}
}

// RuleByIdx returns the rule with the given priority index, or nil.
func (t *TF) RuleByIdx(idx uint32) *Rule {
	if i, ok := t.byIdx[idx]; ok {
		return &t.Rules[i]
	}
	return nil
}

func (t *TF) portMatch(port uint32, sel int32) bool {
	_, ok := slices.BinarySearch(t.portSets[sel], port)
	return ok
}

// depsDiff subtracts every applicable dependency match from h. With a
// non-nil applied set, dependencies whose rule has not produced output in
// this application round are skipped: they never matched, so their
// priority never bit.
func (t *TF) depsDiff(h *hs.HS, port uint32, deps []Dep, app map[uint32]bool) {
	for _, d := range deps {
		if app != nil && !app[d.Rule] {
			continue
		}
		if d.Port > 0 && uint32(d.Port) != port {
			continue
		}
		if d.Port < 0 && !t.portMatch(port, d.Port) {
			continue
		}
		h.Diff(d.Match)
	}
}

// portAppendRes emits one child of in per output port, skipping the input
// port. The first child takes ownership of h; later children copy it.
func (t *TF) portAppendRes(out *res.List, r *Rule, in *res.Res, sel int32, keep bool, h *hs.HS) {
	usedHS := false
	for _, p := range t.Ports(sel) {
		if p == in.Port {
			continue
		}
		var child *res.Res
		if usedHS {
			child = res.Extend(in, h, p, keep)
		} else {
			child = res.Extend(in, nil, p, keep)
			child.HS = h
			usedHS = true
		}
		child.AddRule(t.Prefix, t.Index, r.Idx)
		out.Append(child)
	}
}

// ruleApply applies one rule to in, recording emitted rules in app.
func (t *TF) ruleApply(r *Rule, in *res.Res, keep bool, app map[uint32]bool) res.List {
	var out res.List

	if r.Out == 0 {
		// Link/drop rule: consumes the packet but still gates dependents.
		app[r.Idx] = true
		return out
	}
	if r.Out > 0 && uint32(r.Out) == in.Port {
		return out
	}

	var h *hs.HS
	if r.Match == nil {
		h = in.HS.Copy()
	} else {
		h = in.HS.IsectArr(r.Match)
		if h == nil {
			return out
		}
		if len(r.Deps) > 0 {
			t.depsDiff(h, in.Port, r.Deps, app)
		}
		if !h.CompactMask(r.Mask) {
			return out
		}
		if r.Mask != nil {
			h.Rewrite(r.Mask, r.Rewrite)
		}
	}

	t.portAppendRes(&out, r, in, r.Out, keep, h)
	if out.Head != nil {
		app[r.Idx] = true
	}
	return out
}

// Apply runs the table on in: the input port's single-port group first,
// then every multi-port rule whose set contains the port. With keep, child
// traces extend in's trace instead of starting fresh.
func (t *TF) Apply(in *res.Res, keep bool) res.List {
	if !t.final {
		panic("tf: Apply before Finalize")
	}
	if in.HS.Len != t.Len {
		panic("tf: header length mismatch")
	}

	var out res.List
	app := make(map[uint32]bool)

	start, ok := t.portMap[in.Port]
	if !ok {
		return out
	}
	if start != noStart {
		for cur := start; cur < len(t.Rules); cur++ {
			r := &t.Rules[cur]
			if r.In != int32(in.Port) {
				break
			}
			tmp := t.ruleApply(r, in, keep, app)
			out.Concat(&tmp)
		}
	}

	for i := range t.Rules {
		r := &t.Rules[i]
		if r.In >= 0 {
			break
		}
		if !t.portMatch(in.Port, r.In) {
			continue
		}
		tmp := t.ruleApply(r, in, keep, app)
		out.Concat(&tmp)
	}
	return out
}

// InvApply applies the inverse of r to in, walking from an egress state
// back toward the rule's input ports. For rewrite rules the inverse match
// accepts what the rule could have produced and the inverse rewrite
// restores the matched bits; dependency subtraction runs over all deps
// since priority is already materialized in the trace being inverted.
func (t *TF) InvApply(r *Rule, in *res.Res, keep bool) res.List {
	var out res.List

	if r.Out == 0 {
		return out
	}
	if r.Out > 0 && uint32(r.Out) != in.Port {
		return out
	}
	if r.Out < 0 && !t.portMatch(in.Port, r.Out) {
		return out
	}

	var h *hs.HS
	if r.Match == nil {
		h = in.HS.Copy()
	} else {
		l := t.Len
		isectMat := r.Match
		var invRw array.Array
		if r.Mask != nil {
			invMask := array.Not(r.Mask, l)
			newRw := array.And(invMask, r.Rewrite, l)
			maskedMatch := array.And(r.Match, r.Mask, l)
			isectMat = array.Or(newRw, maskedMatch, l)
			invRw = array.And(r.Match, invMask, l)
		}
		h = in.HS.IsectArr(isectMat)
		if h == nil {
			return out
		}
		if r.Mask != nil {
			// Restore: the rule's own mask keeps the untouched positions
			// and invRw (match values under the overwritten positions,
			// zero elsewhere) reopens the rewritten ones.
			h.Rewrite(r.Mask, invRw)
		}
		if len(r.Deps) > 0 {
			t.depsDiff(h, in.Port, r.Deps, nil)
		}
		if !h.CompactMask(r.Mask) {
			return out
		}
	}

	t.portAppendRes(&out, r, in, r.In, keep, h)
	return out
}
