// Package parse reads the .tf text format: one transfer function per file,
// a header line "<2L>$<prefix>$", then one $-separated rule record per
// line. A network directory holds one .tf per switch, a topology.tf, and a
// "stages" file with the pipeline depth.
package parse

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/glog"

	"github.com/oisee/hsa/pkg/array"
	"github.com/oisee/hsa/pkg/ntf"
	"github.com/oisee/hsa/pkg/tf"
)

// readPorts parses "[p1,p2,...]" (brackets optional) into a port list.
func readPorts(s string) ([]uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	var ports []uint32
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad port %q", f)
		}
		ports = append(ports, uint32(v))
	}
	return ports, nil
}

// readDeps parses the affected field: '#'-separated "rule;match;ports"
// triples. Rule numbers in the file are 0-based and shift to the 1-based
// rule indices used everywhere else.
func readDeps(t *tf.TF, s string) ([]tf.Dep, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var deps []tf.Dep
	for _, depstr := range strings.Split(s, "#") {
		if strings.TrimSpace(depstr) == "" {
			continue
		}
		parts := strings.SplitN(depstr, ";", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("bad dependency %q", depstr)
		}
		ruleNo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("bad dependency rule in %q", depstr)
		}
		match, err := array.FromStr(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, err
		}
		ports, err := readPorts(parts[2])
		if err != nil {
			return nil, err
		}
		deps = append(deps, t.NewDep(uint32(ruleNo+1), match, ports))
	}
	return deps, nil
}

// File parses one .tf file into an unfinalized TF.
func File(name string) (*tf.TF, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)

	if !sc.Scan() {
		return nil, fmt.Errorf("%s: empty file", name)
	}
	head := strings.Split(sc.Text(), "$")
	twoL, err := strconv.Atoi(strings.TrimSpace(head[0]))
	if err != nil || twoL <= 0 || twoL%2 != 0 {
		return nil, fmt.Errorf("%s: bad header length %q", name, head[0])
	}
	prefix := ""
	if len(head) > 1 {
		prefix = head[1]
	}
	t := tf.New(prefix, twoL/2)

	// The second line is descriptive and skipped.
	sc.Scan()

	lineNo := 2
	idx := uint32(0)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "$")
		if len(fields) < 9 {
			return nil, fmt.Errorf("%s:%d: %d fields, want at least 9", name, lineNo, len(fields))
		}
		typ := strings.TrimSpace(fields[0])
		in, err := readPorts(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: in: %v", name, lineNo, err)
		}
		out, err := readPorts(fields[7])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: out: %v", name, lineNo, err)
		}

		var match, mask, rewrite array.Array
		if typ != "link" {
			if match, err = array.FromStr(strings.TrimSpace(fields[2])); err != nil {
				return nil, fmt.Errorf("%s:%d: match: %v", name, lineNo, err)
			}
			if typ == "rw" {
				if mask, err = array.FromStr(strings.TrimSpace(fields[3])); err != nil {
					return nil, fmt.Errorf("%s:%d: mask: %v", name, lineNo, err)
				}
				if rewrite, err = array.FromStr(strings.TrimSpace(fields[4])); err != nil {
					return nil, fmt.Errorf("%s:%d: rewrite: %v", name, lineNo, err)
				}
			}
		}

		deps, err := readDeps(t, fields[8])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: affected: %v", name, lineNo, err)
		}

		idx++
		t.AddRule(idx, in, out, match, mask, rewrite, deps)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	return t, nil
}

// Dir loads the network <tfdir>/<name>: every *.tf (sorted) as a switch,
// topology.tf as TF index 0, and the "stages" pipeline depth.
func Dir(tfdir, name string) (*ntf.Network, error) {
	dir := filepath.Join(tfdir, name)

	stagesRaw, err := os.ReadFile(filepath.Join(dir, "stages"))
	if err != nil {
		return nil, fmt.Errorf("parse: %v", err)
	}
	stages, err := strconv.Atoi(strings.TrimSpace(string(stagesRaw)))
	if err != nil || stages < 1 {
		return nil, fmt.Errorf("parse: bad stages file in %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("parse: %v", err)
	}
	var files []string
	for _, e := range entries {
		n := e.Name()
		if filepath.Ext(n) != ".tf" || n == "topology.tf" {
			continue
		}
		files = append(files, n)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("parse: no .tf files in %s", dir)
	}

	ttf, err := File(filepath.Join(dir, "topology.tf"))
	if err != nil {
		return nil, err
	}
	tfs := []*tf.TF{ttf}
	for _, f := range files {
		t, err := File(filepath.Join(dir, f))
		if err != nil {
			return nil, err
		}
		if t.Len != ttf.Len {
			return nil, fmt.Errorf("parse: %s: header length %d != %d", f, t.Len, ttf.Len)
		}
		tfs = append(tfs, t)
	}

	for i, t := range tfs {
		t.Index = i
		if err := t.Finalize(); err != nil {
			return nil, fmt.Errorf("parse: %v", err)
		}
	}

	glog.V(1).Infof("parse: %s: %d switch TFs, %d stages, %d-byte headers",
		name, len(tfs)-1, stages, ttf.Len)
	return &ntf.Network{Len: ttf.Len, Stages: stages, TFs: tfs}, nil
}
