package reach

import (
	"fmt"

	"github.com/oisee/hsa/pkg/array"
	"github.com/oisee/hsa/pkg/hs"
	"github.com/oisee/hsa/pkg/ntf"
	"github.com/oisee/hsa/pkg/res"
)

// WalkParents inverts a forward result back to its ingress preimage. The
// walk starts from out's HS (optionally narrowed by the egress cube
// outArr) and undoes the recorded rule trace entry by entry up the parent
// chain. Between hops each candidate must sit on the ancestor's port and
// intersect the ancestor's HS, which pins the walk to the states the
// forward search actually traversed. Survivors are finally filtered
// against the ingress (hsIn, inPort).
func WalkParents(net *ntf.Network, out *res.Res, hsIn *hs.HS, inPort uint32, outArr array.Array) res.List {
	start := res.New(len(out.Trace))
	if outArr != nil {
		start.HS = out.HS.IsectArr(outArr)
		if start.HS == nil {
			return res.List{}
		}
	} else {
		start.HS = out.HS.Copy()
	}
	start.Port = out.Port

	var cands res.List
	cands.Append(start)

	for node := out; node != nil; node = node.Parent {
		for ti := len(node.Trace) - 1; ti >= 0; ti-- {
			te := node.Trace[ti]
			t := net.TFs[te.TF]
			r := t.RuleByIdx(te.Rule)
			if r == nil {
				panic(fmt.Sprintf("reach: trace names unknown rule %s_%d", te.Prefix, te.Rule))
			}

			var nextq res.List
			for c := cands.Head; c != nil; c = c.Next {
				tmp := t.InvApply(r, c, false)
				nextq.Concat(&tmp)
			}
			cands.Free()
			cands = nextq
			if cands.Head == nil {
				return cands
			}
		}

		parent := node.Parent
		if parent == nil {
			break
		}
		cands = filterAgainst(cands, parent.HS, parent.Port)
		if cands.Head == nil {
			return cands
		}
	}

	return filterAgainst(cands, hsIn, inPort)
}

// filterAgainst keeps candidates on the given port whose HS intersects h,
// narrowing each survivor to the intersection.
func filterAgainst(cands res.List, h *hs.HS, port uint32) res.List {
	var kept res.List
	for c := cands.Head; c != nil; {
		next := c.Next
		ok := c.Port == port
		if ok {
			if isect := hs.IsectA(c.HS, h); isect != nil {
				c.HS = isect
				kept.Append(c)
			} else {
				ok = false
			}
		}
		if !ok {
			c.Drop()
		}
		c = next
	}
	return kept
}
