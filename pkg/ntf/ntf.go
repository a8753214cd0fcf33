// Package ntf multiplexes the transfer functions of a network. Index 0 is
// the topology TF (link rules); indices 1..n are switches. Port numbers
// encode their switch: port/100000 - 1 is the switch index, and +20000
// marks the output side of a switch.
package ntf

import (
	"fmt"

	"github.com/oisee/hsa/pkg/res"
	"github.com/oisee/hsa/pkg/tf"
)

const (
	// SwitchID is the port-number stride between switches.
	SwitchID = 100000
	// OutputID offsets a switch-local input port to its output side.
	OutputID = 20000
)

// Network is a loaded set of transfer functions plus the pipeline depth.
type Network struct {
	Len    int // header length in bytes
	Stages int
	TFs    []*tf.TF // TFs[0] is the topology
}

// Switches returns the number of non-topology TFs.
func (n *Network) Switches() int { return len(n.TFs) - 1 }

// SwitchOf maps a port number to its switch index.
func (n *Network) SwitchOf(port uint32) int {
	idx := int(port)/SwitchID - 1
	if idx < 0 || idx >= n.Switches() {
		panic(fmt.Sprintf("ntf: port %d names switch %d of %d", port, idx, n.Switches()))
	}
	return idx
}

// Topology returns the topology TF.
func (n *Network) Topology() *tf.TF { return n.TFs[0] }

// Switch returns the TF of the given switch.
func (n *Network) Switch(sw int) *tf.TF { return n.TFs[sw+1] }

// Apply runs switch sw's TF on in through every pipeline stage, then drops
// results that came back out the input port's own output side.
func (n *Network) Apply(in *res.Res, sw int) res.List {
	t := n.Switch(sw)

	queue := t.Apply(in, false)
	for i := 0; i < n.Stages-1; i++ {
		var nextq res.List
		for cur := queue.Head; cur != nil; cur = cur.Next {
			tmp := t.Apply(cur, true)
			nextq.Concat(&tmp)
		}
		queue.Free()
		queue = nextq
	}

	self := in.Port + OutputID
	var prev *res.Res
	for cur := queue.Head; cur != nil; {
		if cur.Port == self {
			cur = queue.Remove(cur, prev)
		} else {
			prev, cur = cur, cur.Next
		}
	}
	return queue
}

// Search runs the one-step single-switch search from in, collecting
// results that land on one of searchPorts (or every result if none are
// given) after each pipeline stage.
func (n *Network) Search(in *res.Res, searchPorts []uint32) res.List {
	sw := n.SwitchOf(in.Port)
	t := n.Switch(sw)

	queue := t.Apply(in, false)
	var found res.List
	for stage := 0; stage < n.Stages; stage++ {
		var nextq res.List
		for cur := queue.Head; cur != nil; {
			next := cur.Next
			if len(searchPorts) == 0 || portIn(cur.Port, searchPorts) {
				found.Append(cur)
			} else if stage < n.Stages-1 {
				tmp := t.Apply(cur, true)
				nextq.Concat(&tmp)
				cur.Drop()
			} else {
				cur.Drop()
			}
			cur = next
		}
		queue = nextq
	}
	return found
}

func portIn(port uint32, ports []uint32) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}
