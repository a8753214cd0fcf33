// Package res holds search states: one node per (header space, port) pair
// reached, linked to its predecessor. Parent edges form an in-tree rooted
// at the original inputs; reference counts let workers release shared
// ancestors from any thread.
package res

import (
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/oisee/hsa/pkg/hs"
)

// TraceEntry is one applied rule: the owning TF's printable prefix, its
// index in the network, and the rule index within it.
type TraceEntry struct {
	Prefix string
	TF     int
	Rule   uint32
}

// Res is one state in the provenance DAG.
type Res struct {
	Next   *Res
	Parent *Res
	HS     *hs.HS
	Port   uint32
	Trace  []TraceEntry

	// refs counts the owner plus live children. The node is destructed by
	// whichever Drop takes it to zero.
	refs atomic.Int32
}

// New returns a node with room for cap trace entries and one owner
// reference.
func New(cap int) *Res {
	r := &Res{Trace: make([]TraceEntry, 0, cap)}
	r.refs.Store(1)
	return r
}

// Extend derives a child of src at port. If h is non-nil it is deep-copied
// into the child; otherwise the caller installs the HS itself. With keep,
// the child inherits src's trace.
func Extend(src *Res, h *hs.HS, port uint32, keep bool) *Res {
	r := New(cap(src.Trace))
	if h != nil {
		r.HS = h.Copy()
	}
	r.Port = port
	if keep {
		r.Trace = append(r.Trace[:0], src.Trace...)
	}
	return r
}

// AddRule appends a rule to the node's trace.
func (r *Res) AddRule(prefix string, tfIdx int, rule uint32) {
	r.Trace = append(r.Trace, TraceEntry{Prefix: prefix, TF: tfIdx, Rule: rule})
}

// Link sets r's parent and takes a reference on it.
func (r *Res) Link(parent *Res) {
	r.Parent = parent
	parent.refs.Add(1)
}

// Drop releases one reference. The final release clears the node and
// recursively releases the parent chain. Safe to call from any goroutine.
func (r *Res) Drop() {
	if r.refs.Add(-1) > 0 {
		r.Next = nil
		return
	}
	r.HS = nil
	if p := r.Parent; p != nil {
		p.Drop()
	}
}

// Depth returns the number of nodes on the chain from r to the root,
// inclusive.
func (r *Res) Depth() int {
	n := 0
	for cur := r; cur != nil; cur = cur.Parent {
		n++
	}
	return n
}

// OnChain reports whether port appears at r or any ancestor.
func (r *Res) OnChain(port uint32) bool {
	for cur := r; cur != nil; cur = cur.Parent {
		if cur.Port == port {
			return true
		}
	}
	return false
}

// Print writes the parent chain oldest-first: one "-> Port:" line per node
// with its rule trace.
func (r *Res) Print(w io.Writer) {
	if r.Parent != nil {
		r.Parent.Print(w)
	}
	fmt.Fprintf(w, "-> Port: %d", r.Port)
	if len(r.Trace) > 0 {
		fmt.Fprint(w, ", Rules: ")
		for i, t := range r.Trace {
			if i > 0 {
				fmt.Fprint(w, ", ")
			}
			fmt.Fprintf(w, "%s_%d", t.Prefix, t.Rule)
		}
	}
	fmt.Fprintln(w)
}

// List is a singly-linked result list with O(1) append and concat.
type List struct {
	Head, Tail *Res
	N          int
}

// Append adds r at the tail.
func (l *List) Append(r *Res) {
	r.Next = nil
	if l.Tail == nil {
		l.Head = r
	} else {
		l.Tail.Next = r
	}
	l.Tail = r
	l.N++
}

// Concat splices b onto l. b keeps pointing at a sublist of l afterwards.
func (l *List) Concat(b *List) {
	if b.Head == nil {
		return
	}
	if l.Tail != nil {
		l.Tail.Next = b.Head
	} else {
		l.Head = b.Head
	}
	l.Tail = b.Tail
	l.N += b.N
}

// Pop removes the head.
func (l *List) Pop() {
	if l.Head.Next != nil {
		l.Head = l.Head.Next
	} else {
		l.Head, l.Tail = nil, nil
	}
	l.N--
}

// Remove unlinks cur, given its predecessor prev (nil when cur is the
// head), releasing it. Returns the following element.
func (l *List) Remove(cur, prev *Res) *Res {
	if prev != nil {
		prev.Next = cur.Next
	} else {
		l.Head = cur.Next
	}
	if l.Tail == cur {
		l.Tail = prev
	}
	l.N--
	cur.Drop()
	if prev != nil {
		return prev.Next
	}
	return l.Head
}

// Free releases every node. Nodes still referenced by descendants survive
// with cleared links until their last child drops them.
func (l *List) Free() {
	for l.Head != nil {
		next := l.Head.Next
		l.Head.Drop()
		l.Head = next
	}
	l.Tail = nil
	l.N = 0
}

// Print writes every result: the parent chain, then the node's HS when
// withHS is set, then a separator and a final count.
func (l *List) Print(w io.Writer, withHS bool) {
	count := 0
	for r := l.Head; r != nil; r = r.Next {
		r.Print(w)
		if withHS && r.HS != nil {
			fmt.Fprintf(w, "   HS: %s\n", r.HS)
		}
		fmt.Fprintln(w, "-----")
		count++
	}
	fmt.Fprintf(w, "Count: %d\n", count)
}

// PrintJSON writes one JSON-encoded HS per result per line.
func (l *List) PrintJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	for r := l.Head; r != nil; r = r.Next {
		if r.HS == nil {
			continue
		}
		if err := enc.Encode(r.HS); err != nil {
			return err
		}
	}
	return nil
}
