// Command terrain runs the LOD terrain engine against a synthetic or on-disk
// tile source, with a simulated camera and an HTTP introspection API.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/freeeve/lodterrain/internal/config"
	"github.com/freeeve/lodterrain/internal/logx"
	"github.com/freeeve/lodterrain/internal/mapframe"
)

type rootOptions struct {
	logLevel   string
	configPath string
	logger     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "terrain",
		Short:         "LOD terrain tile engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.logger = logx.NewLogger(opts.logLevel)
		},
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "terrain YAML file (empty = built-in demo layers)")

	root.AddCommand(newRunCmd(opts), newSeedCmd(opts), newPolicyCmd(opts))
	return root
}

// loadFile reads the terrain file, or returns the demo layout when no path is
// given. Environment overrides are applied either way.
func (o *rootOptions) loadFile() (*config.File, error) {
	var f *config.File
	if o.configPath == "" {
		f = demoFile()
	} else {
		var err error
		if f, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	if err := f.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if _, ok := config.ProfileByName(f.Profile); !ok {
		o.logger.Warn().Str("profile", f.Profile).Msg("unknown profile, using geodetic")
	}
	return f, nil
}

func demoFile() *config.File {
	f := &config.File{Options: config.Default(), Profile: "geodetic"}
	f.LoadingPolicy.ModeName = "sequential"
	f.ElevationLayers = []mapframe.Layer{{ID: 100, Name: "dem"}}
	f.ImageLayers = []mapframe.Layer{
		{ID: 1, Name: "base", LoadingWeight: 2},
		{ID: 2, Name: "overlay"},
	}
	return f
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "terrain:", err)
		os.Exit(1)
	}
}
