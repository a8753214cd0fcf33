// Package reach runs the parallel reachability search: one worker per
// switch, per-switch work queues, and an all-idle bitmask termination
// protocol. It also provides the backward walk that inverts a result's
// rule trace back to its ingress preimage.
package reach

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/oisee/hsa/pkg/array"
	"github.com/oisee/hsa/pkg/hs"
	"github.com/oisee/hsa/pkg/ntf"
	"github.com/oisee/hsa/pkg/res"
)

// Options configure one search.
type Options struct {
	// Out restricts results to these ports. Empty means every port reached
	// is a result.
	Out []uint32
	// HopCount, when positive, keeps only results whose parent chain is
	// exactly HopCount-1 nodes long (topology hops included). Callers
	// wanting N hops pass N+1.
	HopCount int
	// FindLoop keeps looping states as results instead of discarding them.
	FindLoop bool
	// OutArr, when non-nil, is intersected into every result's HS at
	// append time; empty intersections drop the result.
	OutArr array.Array
}

// Engine owns the shared search state. One Engine runs one search:
// AddInput the ingress states, then Run.
type Engine struct {
	net    *ntf.Network
	queues []res.List
	conds  []*sync.Cond
	mu     sync.Mutex
	// waiters has bit sw set while switch sw's worker is blocked on an
	// empty queue. All bits set means termination.
	waiters uint64

	processed atomic.Int64
	found     atomic.Int64
}

// NewEngine creates an engine for net. The bitmask protocol limits a
// network to 63 switches.
func NewEngine(net *ntf.Network) *Engine {
	n := net.Switches()
	if n < 1 || n > 63 {
		panic(fmt.Sprintf("reach: %d switches (1..63 supported)", n))
	}
	e := &Engine{
		net:    net,
		queues: make([]res.List, n),
		conds:  make([]*sync.Cond, n),
	}
	for i := range e.conds {
		e.conds[i] = sync.NewCond(&e.mu)
	}
	return e
}

// AddInput enqueues an ingress (header space, port) state.
func (e *Engine) AddInput(h *hs.HS, port uint32) {
	in := res.New(e.net.Stages + 1)
	in.HS = h.Copy()
	in.Port = port
	e.queues[e.net.SwitchOf(port)].Append(in)
}

// Stats returns the number of nodes processed and results found so far.
func (e *Engine) Stats() (processed, found int64) {
	return e.processed.Load(), e.found.Load()
}

// Run starts one worker per switch and blocks until every queue is idle.
// The aggregated result list has no ordering guarantee.
func (e *Engine) Run(opts Options) res.List {
	n := e.net.Switches()
	results := make([]res.List, n)

	var wg sync.WaitGroup
	for sw := 0; sw < n; sw++ {
		wg.Add(1)
		go func(sw int) {
			defer wg.Done()
			e.worker(sw, &results[sw], opts)
		}(sw)
	}
	wg.Wait()

	var out res.List
	for i := range results {
		out.Concat(&results[i])
	}
	glog.V(1).Infof("reach: %d nodes processed, %d results", e.processed.Load(), out.N)
	return out
}

// appendResult intersects node's HS with the egress cube, links it to
// parent, and appends it to out. Reports false (leaving node untouched)
// when the intersection is empty.
func (e *Engine) appendResult(out *res.List, node, parent *res.Res, opts *Options) bool {
	if opts.OutArr != nil {
		filtered := node.HS.IsectArr(opts.OutArr)
		if filtered == nil {
			return false
		}
		node.HS = filtered
	}
	node.Link(parent)
	out.Append(node)
	e.found.Add(1)
	return true
}

func (e *Engine) worker(sw int, out *res.List, opts Options) {
	n := e.net.Switches()
	all := uint64(1)<<n - 1

	for {
		e.mu.Lock()
		for e.queues[sw].Head == nil {
			e.waiters |= 1 << sw
			if e.waiters == all {
				for i := 0; i < n; i++ {
					if i != sw {
						e.conds[i].Broadcast()
					}
				}
				e.mu.Unlock()
				return
			}
			e.conds[sw].Wait()
			if e.waiters == all {
				e.mu.Unlock()
				return
			}
		}
		queue := e.queues[sw]
		e.queues[sw] = res.List{}
		e.mu.Unlock()

		for cur := queue.Head; cur != nil; cur = queue.Head {
			queue.Pop()
			e.processed.Add(1)

			newWork := false
			nextqs := make([]res.List, n)

			ntfRes := e.net.Apply(cur, sw)
			for ntfCur := ntfRes.Head; ntfCur != nil; {
				ntfNext := ntfCur.Next

				if !opts.FindLoop && (len(opts.Out) == 0 || portIn(ntfCur.Port, opts.Out)) {
					count := 0
					if opts.HopCount > 0 {
						count = cur.Depth()
					}
					if count == 0 || count == opts.HopCount-1 {
						if len(opts.Out) > 0 {
							// Terminal at a target port: no topology step.
							if e.appendResult(out, ntfCur, cur, &opts) {
								ntfCur = ntfNext
								continue
							}
						} else {
							// Every egress state is a result, but the node
							// keeps propagating; record a copy so the
							// egress-cube filter cannot narrow the search.
							snap := res.Extend(ntfCur, ntfCur.HS, ntfCur.Port, true)
							if !e.appendResult(out, snap, cur, &opts) {
								snap.Drop()
							}
						}
					}
				}

				ttfRes := e.net.Topology().Apply(ntfCur, true)
				for ttfCur := ttfRes.Head; ttfCur != nil; {
					ttfNext := ttfCur.Next

					if cur.OnChain(ttfCur.Port) {
						if !opts.FindLoop || !e.appendResult(out, ttfCur, cur, &opts) {
							ttfCur.Drop()
						}
						ttfCur = ttfNext
						continue
					}

					if !opts.FindLoop && len(opts.Out) > 0 && portIn(ttfCur.Port, opts.Out) &&
						e.appendResult(out, ttfCur, cur, &opts) {
						ttfCur = ttfNext
						continue
					}
					ttfCur.Link(cur)
					dst := e.net.SwitchOf(ttfCur.Port)
					nextqs[dst].Append(ttfCur)
					newWork = true
					ttfCur = ttfNext
				}

				if len(opts.Out) > 0 {
					ntfCur.Drop()
				}
				ntfCur = ntfNext
			}
			cur.Drop()

			if !newWork {
				continue
			}
			e.mu.Lock()
			var wake uint64
			for i := 0; i < n; i++ {
				if nextqs[i].Head == nil {
					continue
				}
				e.queues[i].Concat(&nextqs[i])
				e.conds[i].Broadcast()
				wake |= 1 << i
			}
			e.waiters &^= wake
			e.mu.Unlock()
		}
	}
}

func portIn(port uint32, ports []uint32) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}
