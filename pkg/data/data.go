// Package data reads and writes the compiled .dat table format:
// little-endian, a file header with per-TF offsets, packed 32-byte rule
// records, port-set and dependency pools per TF, and one shared pool of
// sorted deduplicated ternary arrays. Stored offsets are 1-based; zero
// means absent.
package data

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/golang/glog"

	"github.com/oisee/hsa/pkg/array"
	"github.com/oisee/hsa/pkg/ntf"
	"github.com/oisee/hsa/pkg/tf"
)

// validOfs is added to every stored pool offset so that zero can mean
// "absent".
const validOfs = 1

const (
	fileHdrFixed = 16 // arrs_ofs, strs_ofs, ntfs, stages
	tfHdrSize    = 20 // prefix, nrules, map_ofs, ports_ofs, deps_ofs
	ruleSize     = 32 // idx, in, out, match, mask, rewrite, deps, desc
	noRuleStart  = 0xffffffff
)

var le = binary.LittleEndian

// arrPool collects, sorts, and deduplicates every array in a network.
type arrPool struct {
	l    int
	raw  [][]byte
	ofs  map[string]uint32
	blob []byte
}

func newArrPool(net *ntf.Network) *arrPool {
	p := &arrPool{l: net.Len}
	seen := make(map[string]bool)
	add := func(a array.Array) {
		if a == nil {
			return
		}
		buf := make([]byte, array.Bytes(p.l))
		array.Marshal(a, p.l, buf)
		if !seen[string(buf)] {
			seen[string(buf)] = true
			p.raw = append(p.raw, buf)
		}
	}
	for _, t := range net.TFs {
		for i := range t.Rules {
			r := &t.Rules[i]
			add(r.Match)
			add(r.Mask)
			add(r.Rewrite)
			for _, d := range r.Deps {
				add(d.Match)
			}
		}
	}
	sort.Slice(p.raw, func(i, j int) bool { return bytes.Compare(p.raw[i], p.raw[j]) < 0 })
	p.ofs = make(map[string]uint32, len(p.raw))
	var blob bytes.Buffer
	for _, b := range p.raw {
		p.ofs[string(b)] = validOfs + uint32(blob.Len())
		blob.Write(b)
	}
	p.blob = blob.Bytes()
	return p
}

// find returns the stored offset of a, or 0 for nil.
func (p *arrPool) find(a array.Array) uint32 {
	if a == nil {
		return 0
	}
	buf := make([]byte, array.Bytes(p.l))
	array.Marshal(a, p.l, buf)
	return p.ofs[string(buf)]
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	le.PutUint32(b[:], v)
	buf.Write(b[:])
}

// genPorts encodes a port list: empty is 0, a singleton is the port, a
// longer list goes into the TF's port pool by negative offset.
func genPorts(ports []uint32, pool *bytes.Buffer) int32 {
	switch len(ports) {
	case 0:
		return 0
	case 1:
		return int32(ports[0])
	}
	ret := -int32(validOfs + pool.Len())
	putU32(pool, uint32(len(ports)))
	for _, p := range ports {
		putU32(pool, p)
	}
	return ret
}

func genTF(out *bytes.Buffer, t *tf.TF, strs *bytes.Buffer, pool *arrPool) {
	start := out.Len()

	prefixOfs := uint32(0)
	if t.Prefix != "" {
		prefixOfs = validOfs + uint32(strs.Len())
		strs.WriteString(t.Prefix)
		strs.WriteByte(0)
	}

	var ports, deps bytes.Buffer

	rules := make([]byte, 0, len(t.Rules)*ruleSize)
	for i := range t.Rules {
		r := &t.Rules[i]
		depsOfs := uint32(0)
		if len(r.Deps) > 0 {
			depsOfs = validOfs + uint32(deps.Len())
			putU32(&deps, uint32(len(r.Deps)))
			for _, d := range r.Deps {
				putU32(&deps, d.Rule)
				putU32(&deps, pool.find(d.Match))
				putU32(&deps, uint32(genPorts(t.Ports(d.Port), &ports)))
			}
		}
		var rec [ruleSize]byte
		le.PutUint32(rec[0:], r.Idx)
		le.PutUint32(rec[4:], uint32(genPorts(t.Ports(r.In), &ports)))
		le.PutUint32(rec[8:], uint32(genPorts(t.Ports(r.Out), &ports)))
		le.PutUint32(rec[12:], pool.find(r.Match))
		le.PutUint32(rec[16:], pool.find(r.Mask))
		le.PutUint32(rec[20:], pool.find(r.Rewrite))
		le.PutUint32(rec[24:], depsOfs)
		rules = append(rules, rec[:]...)
	}

	// Port map: every input port, sorted, with the position of its first
	// single-port rule (noRuleStart if it only appears in port sets).
	type mapElem struct {
		port  uint32
		start uint32
	}
	starts := make(map[uint32]uint32)
	for i := range t.Rules {
		r := &t.Rules[i]
		for _, p := range t.Ports(r.In) {
			if _, ok := starts[p]; !ok {
				starts[p] = noRuleStart
			}
		}
		if r.In > 0 && starts[uint32(r.In)] == noRuleStart {
			starts[uint32(r.In)] = uint32(i)
		}
	}
	elems := make([]mapElem, 0, len(starts))
	for p, s := range starts {
		elems = append(elems, mapElem{p, s})
	}
	sort.Slice(elems, func(i, j int) bool { return elems[i].port < elems[j].port })

	out.Write(make([]byte, tfHdrSize))
	out.Write(rules)

	mapOfs := uint32(out.Len() - start)
	putU32(out, uint32(len(elems)))
	for _, e := range elems {
		putU32(out, e.port)
		putU32(out, e.start)
	}

	portsOfs := uint32(out.Len() - start)
	out.Write(ports.Bytes())
	depsOfs := uint32(out.Len() - start)
	out.Write(deps.Bytes())

	hdr := out.Bytes()[start : start+tfHdrSize]
	le.PutUint32(hdr[0:], prefixOfs)
	le.PutUint32(hdr[4:], uint32(len(t.Rules)))
	le.PutUint32(hdr[8:], mapOfs)
	le.PutUint32(hdr[12:], portsOfs)
	le.PutUint32(hdr[16:], depsOfs)
}

// Gen compiles net into the .dat file at path.
func Gen(path string, net *ntf.Network) error {
	pool := newArrPool(net)
	ntfs := len(net.TFs)

	var out bytes.Buffer
	hdrSize := fileHdrFixed + 4*ntfs
	out.Write(make([]byte, hdrSize))

	var strs bytes.Buffer
	tfOfs := make([]uint32, ntfs)
	for i, t := range net.TFs {
		tfOfs[i] = uint32(out.Len())
		genTF(&out, t, &strs, pool)
	}

	arrsOfs := uint32(out.Len())
	putU32(&out, uint32(net.Len))
	putU32(&out, uint32(len(pool.raw)))
	out.Write(pool.blob)

	strsOfs := uint32(out.Len())
	out.Write(strs.Bytes())

	b := out.Bytes()
	le.PutUint32(b[0:], arrsOfs)
	le.PutUint32(b[4:], strsOfs)
	le.PutUint32(b[8:], uint32(ntfs))
	le.PutUint32(b[12:], uint32(net.Stages))
	for i, o := range tfOfs {
		le.PutUint32(b[fileHdrFixed+4*i:], o)
	}

	glog.V(1).Infof("data: %s: %d TFs, %d arrays, %d bytes", path, ntfs, len(pool.raw), len(b))
	return os.WriteFile(path, b, 0o644)
}

// reader decodes one .dat image.
type reader struct {
	b       []byte
	arrs    []byte
	arrsLen int
	strs    []byte
	cache   map[uint32]array.Array
}

func (rd *reader) u32(ofs uint32) (uint32, error) {
	if int(ofs)+4 > len(rd.b) {
		return 0, fmt.Errorf("data: offset %d out of range", ofs)
	}
	return le.Uint32(rd.b[ofs:]), nil
}

// arr resolves a stored array offset against the pool.
func (rd *reader) arr(ofs uint32) (array.Array, error) {
	if ofs == 0 {
		return nil, nil
	}
	if a, ok := rd.cache[ofs]; ok {
		return a, nil
	}
	off := int(ofs - validOfs)
	n := array.Bytes(rd.arrsLen)
	if off+n > len(rd.arrs) {
		return nil, fmt.Errorf("data: array offset %d out of pool", ofs)
	}
	a := array.Unmarshal(rd.arrs[off:off+n], rd.arrsLen)
	rd.cache[ofs] = a
	return a, nil
}

// str resolves a stored string offset against the string pool.
func (rd *reader) str(ofs uint32) (string, error) {
	if ofs == 0 {
		return "", nil
	}
	off := int(ofs - validOfs)
	if off >= len(rd.strs) {
		return "", fmt.Errorf("data: string offset %d out of pool", ofs)
	}
	end := bytes.IndexByte(rd.strs[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("data: unterminated string at %d", ofs)
	}
	return string(rd.strs[off : off+end]), nil
}

// portList resolves a port selector relative to a TF's port pool.
func (rd *reader) portList(sel int32, portsBase uint32) ([]uint32, error) {
	switch {
	case sel == 0:
		return nil, nil
	case sel > 0:
		return []uint32{uint32(sel)}, nil
	}
	ofs := portsBase + uint32(-sel-validOfs)
	n, err := rd.u32(ofs)
	if err != nil {
		return nil, err
	}
	ports := make([]uint32, n)
	for i := range ports {
		p, err := rd.u32(ofs + 4 + 4*uint32(i))
		if err != nil {
			return nil, err
		}
		ports[i] = p
	}
	return ports, nil
}

func (rd *reader) loadTF(ofs uint32, index int) (*tf.TF, error) {
	prefixOfs, err := rd.u32(ofs)
	if err != nil {
		return nil, err
	}
	nrules, _ := rd.u32(ofs + 4)
	portsOfs, _ := rd.u32(ofs + 12)
	depsOfs, _ := rd.u32(ofs + 16)
	portsBase := ofs + portsOfs
	depsBase := ofs + depsOfs

	prefix, err := rd.str(prefixOfs)
	if err != nil {
		return nil, err
	}
	t := tf.New(prefix, rd.arrsLen)
	t.Index = index

	if int(ofs)+tfHdrSize+int(nrules)*ruleSize > len(rd.b) {
		return nil, fmt.Errorf("data: %q: rule table out of range", prefix)
	}

	lastIn := int32(-1 << 31)
	sawSingle := false
	for i := uint32(0); i < nrules; i++ {
		rec := ofs + tfHdrSize + i*ruleSize
		idx, err := rd.u32(rec)
		if err != nil {
			return nil, err
		}
		in := int32(le.Uint32(rd.b[rec+4:]))
		out := int32(le.Uint32(rd.b[rec+8:]))

		// The rule vector must be multi-port first, then grouped by port.
		if in > 0 {
			if sawSingle && in < lastIn {
				return nil, fmt.Errorf("data: %q: rules not sorted by input port", prefix)
			}
			lastIn, sawSingle = in, true
		} else if sawSingle {
			return nil, fmt.Errorf("data: %q: multi-port rule after single-port group", prefix)
		}

		match, err := rd.arr(le.Uint32(rd.b[rec+12:]))
		if err != nil {
			return nil, err
		}
		mask, err := rd.arr(le.Uint32(rd.b[rec+16:]))
		if err != nil {
			return nil, err
		}
		rewrite, err := rd.arr(le.Uint32(rd.b[rec+20:]))
		if err != nil {
			return nil, err
		}

		inPorts, err := rd.portList(in, portsBase)
		if err != nil {
			return nil, err
		}
		outPorts, err := rd.portList(out, portsBase)
		if err != nil {
			return nil, err
		}

		var deps []tf.Dep
		if depRef := le.Uint32(rd.b[rec+24:]); depRef != 0 {
			dofs := depsBase + depRef - validOfs
			ndeps, err := rd.u32(dofs)
			if err != nil {
				return nil, err
			}
			for j := uint32(0); j < ndeps; j++ {
				dr := dofs + 4 + j*12
				depRule, err := rd.u32(dr)
				if err != nil {
					return nil, err
				}
				depMatch, err := rd.arr(le.Uint32(rd.b[dr+4:]))
				if err != nil {
					return nil, err
				}
				depPorts, err := rd.portList(int32(le.Uint32(rd.b[dr+8:])), portsBase)
				if err != nil {
					return nil, err
				}
				deps = append(deps, t.NewDep(depRule, depMatch, depPorts))
			}
		}
		t.AddRule(idx, inPorts, outPorts, match, mask, rewrite, deps)
	}

	if err := t.Finalize(); err != nil {
		return nil, fmt.Errorf("data: %v", err)
	}
	return t, nil
}

// Load reads a .dat file back into a network.
func Load(path string) (*ntf.Network, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) < fileHdrFixed {
		return nil, fmt.Errorf("data: %s: truncated", path)
	}

	rd := &reader{b: b, cache: make(map[uint32]array.Array)}
	arrsOfs := le.Uint32(b[0:])
	strsOfs := le.Uint32(b[4:])
	ntfs := le.Uint32(b[8:])
	stages := le.Uint32(b[12:])
	if ntfs < 2 || stages < 1 {
		return nil, fmt.Errorf("data: %s: bad header (%d TFs, %d stages)", path, ntfs, stages)
	}

	rd.arrsLen = int(le.Uint32(b[arrsOfs:]))
	narrs := le.Uint32(b[arrsOfs+4:])
	poolStart := int(arrsOfs) + 8
	poolEnd := poolStart + int(narrs)*array.Bytes(rd.arrsLen)
	if poolEnd > len(b) {
		return nil, fmt.Errorf("data: %s: array pool out of range", path)
	}
	rd.arrs = b[poolStart:poolEnd]
	rd.strs = b[strsOfs:]

	net := &ntf.Network{Len: rd.arrsLen, Stages: int(stages)}
	for i := uint32(0); i < ntfs; i++ {
		ofs := le.Uint32(b[fileHdrFixed+4*i:])
		t, err := rd.loadTF(ofs, int(i))
		if err != nil {
			return nil, err
		}
		net.TFs = append(net.TFs, t)
	}

	glog.V(1).Infof("data: %s: %d TFs, %d arrays, %d stages", path, ntfs, narrs, stages)
	return net, nil
}
