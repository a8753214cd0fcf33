package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/oisee/hsa/pkg/array"
	"github.com/oisee/hsa/pkg/data"
	"github.com/oisee/hsa/pkg/hs"
	"github.com/oisee/hsa/pkg/ntf"
	"github.com/oisee/hsa/pkg/parse"
	"github.com/oisee/hsa/pkg/reach"
	"github.com/oisee/hsa/pkg/res"
)

func main() {
	defer glog.Flush()

	rootCmd := &cobra.Command{
		Use:   "hsa",
		Short: "Header space analysis — symbolic reachability over packet networks",
	}
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	// gen command
	var tfDir, outDir string

	genCmd := &cobra.Command{
		Use:   "gen [network]",
		Short: "Compile a directory of .tf files into a binary .dat table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			net, err := parse.Dir(tfDir, name)
			if err != nil {
				return err
			}
			out := filepath.Join(outDir, name+".dat")
			if err := data.Gen(out, net); err != nil {
				return err
			}
			fmt.Printf("Compiled %d TFs to %s\n", len(net.TFs), out)
			return nil
		},
	}
	genCmd.Flags().StringVar(&tfDir, "tf-dir", "tfs", "Directory holding <network>/*.tf")
	genCmd.Flags().StringVar(&outDir, "out-dir", "data", "Output directory for .dat files")

	// reach command
	var dataDir string
	var findLoop, oneStep, invert bool
	var inHeader, outHeader string
	var hops int

	reachCmd := &cobra.Command{
		Use:   "reach [network] [in_port] [out_port...]",
		Short: "Compute which ports a header space can reach from an input port",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			inPort64, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("bad input port %q", args[1])
			}
			inPort := uint32(inPort64)

			var outPorts []uint32
			for _, a := range args[2:] {
				p, err := strconv.ParseUint(a, 10, 32)
				if err != nil {
					return fmt.Errorf("bad output port %q", a)
				}
				outPorts = append(outPorts, uint32(p))
			}

			net, err := data.Load(filepath.Join(dataDir, name+".dat"))
			if err != nil {
				return err
			}

			hsIn := hs.New(net.Len)
			if inHeader != "" {
				a, err := array.FromStr(inHeader)
				if err != nil {
					return err
				}
				if cubeLen(inHeader) != net.Len {
					return fmt.Errorf("ingress header is %d bytes, network uses %d", cubeLen(inHeader), net.Len)
				}
				hsIn.Add(a)
			} else {
				hsIn.Add(array.New(net.Len, array.BitX))
			}

			var outArr array.Array
			if outHeader != "" {
				if outArr, err = array.FromStr(outHeader); err != nil {
					return err
				}
			}

			start := time.Now()
			var results res.List
			if oneStep {
				in := res.New(net.Stages + 1)
				in.HS = hsIn.Copy()
				in.Port = inPort
				results = net.Search(in, outPorts)
			} else {
				// The engine's hop predicate accepts chains of HopCount-1
				// nodes, so N requested hops become N+1.
				hopCount := 0
				if hops > 0 {
					hopCount = hops + 1
				}
				eng := reach.NewEngine(net)
				eng.AddInput(hsIn, inPort)
				results = eng.Run(reach.Options{
					Out:      outPorts,
					HopCount: hopCount,
					FindLoop: findLoop,
					OutArr:   outArr,
				})
			}
			elapsed := time.Since(start)

			results.Print(os.Stdout, true)
			fmt.Fprintf(os.Stderr, "Time: %d us\n", elapsed.Microseconds())

			if invert {
				return invertResults(net, &results, hsIn, inPort, outArr, dataDir)
			}
			return nil
		},
	}
	reachCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory holding .dat files")
	reachCmd.Flags().BoolVar(&findLoop, "loop", false, "Find forwarding loops instead of reachability")
	reachCmd.Flags().StringVar(&inHeader, "ih", "", "Ingress header cube (default all-x)")
	reachCmd.Flags().StringVar(&outHeader, "oh", "", "Egress header cube intersected into results (not applied to --one-step results)")
	reachCmd.Flags().BoolVarP(&oneStep, "one-step", "o", false, "Single-switch search only")
	reachCmd.Flags().IntVarP(&hops, "hops", "c", 0, "Require exactly this many hops (including the topology TF)")
	reachCmd.Flags().BoolVar(&invert, "invert", false, "Backward-walk each result to its ingress preimage")

	rootCmd.AddCommand(genCmd, reachCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// cubeLen returns the header-byte count a cube string describes.
func cubeLen(s string) int {
	if strings.ContainsRune(s, ',') {
		return (len(s) + 1) / 9
	}
	return len(s) / 8
}

// invertResults walks every result back to the ingress, printing the
// surviving chains and appending one JSON HS per line to
// <dataDir>/out-inverted.json.
func invertResults(net *ntf.Network, results *res.List, hsIn *hs.HS, inPort uint32, outArr array.Array, dataDir string) error {
	f, err := os.Create(filepath.Join(dataDir, "out-inverted.json"))
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Println("\n==================")
	for cur := results.Head; cur != nil; cur = cur.Next {
		inv := reach.WalkParents(net, cur, hsIn, inPort, outArr)
		inv.Print(os.Stdout, false)
		if err := inv.PrintJSON(f); err != nil {
			return err
		}
	}
	return nil
}
