package main

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/freeeve/lodterrain/internal/config"
	"github.com/freeeve/lodterrain/internal/taskservice"
)

// PolicyReport is the resolved loading policy printed by "terrain policy".
type PolicyReport struct {
	Mode           string         `json:"mode"`
	NumCPU         int            `json:"num_cpu"`
	LoadingThreads int            `json:"loading_threads"`
	CompileThreads int            `json:"compile_threads"`
	Elevation      int            `json:"elevation_threads"`
	Imagery        map[string]int `json:"imagery_threads"`
}

func newPolicyCmd(root *rootOptions) *cobra.Command {
	var (
		numCPU int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Print the resolved loading mode and thread allocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := root.loadFile()
			if err != nil {
				return err
			}
			if numCPU <= 0 {
				numCPU = runtime.NumCPU()
			}
			rep := resolvePolicy(f, numCPU)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			fmt.Fprintf(out, "mode:            %s\n", rep.Mode)
			fmt.Fprintf(out, "cpus:            %d\n", rep.NumCPU)
			fmt.Fprintf(out, "loading threads: %d\n", rep.LoadingThreads)
			fmt.Fprintf(out, "compile threads: %d\n", rep.CompileThreads)
			fmt.Fprintf(out, "  elevation      %d\n", rep.Elevation)
			for _, l := range f.ImageLayers {
				fmt.Fprintf(out, "  %-14s %d\n", l.Name, rep.Imagery[l.Name])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&numCPU, "cpus", 0, "core count to resolve per-core multipliers against (0 = this machine)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func resolvePolicy(f *config.File, numCPU int) PolicyReport {
	mode := f.LoadingPolicy.Mode()
	rep := PolicyReport{
		Mode:           mode.String(),
		NumCPU:         numCPU,
		CompileThreads: f.CompileThreads(numCPU),
		Imagery:        make(map[string]int, len(f.ImageLayers)),
	}
	if mode == config.ModeStandard {
		return rep
	}
	rep.LoadingThreads = f.LoadingThreads(numCPU)
	alloc := taskservice.Allocate(f.Frame(0), rep.LoadingThreads)
	rep.Elevation = alloc.Elevation
	for _, l := range f.ImageLayers {
		rep.Imagery[l.Name] = alloc.Imagery[l.ID]
	}
	return rep
}
