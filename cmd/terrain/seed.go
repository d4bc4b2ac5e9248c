package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/freeeve/lodterrain/internal/source"
)

func newSeedCmd(root *rootOptions) *cobra.Command {
	var (
		out      string
		pattern  string
		maxLevel uint32
		workers  int
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write a synthetic tile pyramid to a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			f, err := root.loadFile()
			if err != nil {
				return err
			}
			dst, err := source.OpenDir(out, pattern)
			if err != nil {
				return err
			}
			defer dst.Close()

			frame := f.Frame(0)
			start := time.Now()
			n, err := source.Seed(cmd.Context(), dst, source.Synthetic{Profile: frame.Profile}, source.SeedConfig{
				Frame:    frame,
				MaxLevel: maxLevel,
				Workers:  workers,
				Logger:   root.logger,
			})
			if err != nil {
				return fmt.Errorf("seed %s: %w", out, err)
			}
			root.logger.Info().
				Str("dir", out).
				Int64("tiles", n).
				Uint32("max_level", maxLevel).
				Dur("elapsed", time.Since(start)).
				Msg("seed complete")
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tiles to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "destination directory")
	cmd.Flags().StringVar(&pattern, "pattern", source.DefaultPattern, "tile path pattern")
	cmd.Flags().Uint32Var(&maxLevel, "max-level", 3, "deepest level to write")
	cmd.Flags().IntVar(&workers, "workers", 4, "parallel writers")
	return cmd
}
