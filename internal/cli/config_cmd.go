package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"photrack/internal/aperture"
	"photrack/internal/config"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage reduce parameter files",
		Long:  "Create and inspect the JSON parameter files that drive a reduction.",
	}

	var (
		ccds  []string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a reduce file with the standard defaults",
		Long: `Init writes a complete reduce parameter file carrying the standard
defaults, one extraction entry per named CCD. Edit the file before
reducing; the defaults suit a bright target on a well-sampled frame.

Examples:
  photrack config init
  photrack config init night3.json --ccd 1 --ccd 2 --ccd 3`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "reduce.json"
			if len(args) > 0 {
				path = args[0]
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
			cfg := config.DefaultReduce(ccds...)
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(root.out, "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringSliceVar(&ccds, "ccd", nil, "CCD labels to reduce (default 1) - can specify multiple times")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show [path]",
		Short: "Show a reduce file with defaults applied",
		Long: `Show prints the effective parameters of a reduce file: fields the
file omits appear with their defaults. Without a path it prints the
built-in defaults.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultReduce()
			if len(args) > 0 {
				var err error
				if cfg, err = config.LoadReduce(args[0]); err != nil {
					return err
				}
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(root.out, string(data))
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func newAperturesCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apertures",
		Short: "Inspect aperture files",
	}

	checkCmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate an aperture file",
		Long: `Check parses an aperture file and verifies every link: each linked
aperture must name one that exists and every chain must terminate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			col, err := aperture.Load(args[0])
			if err != nil {
				return err
			}
			if err := col.Validate(); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			total := 0
			for _, label := range col.CCDs() {
				set, _ := col.Get(label)
				total += set.Len()
			}
			fmt.Fprintf(root.out, "%s: %d CCDs, %d apertures, links ok\n", args[0], len(col.CCDs()), total)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <file>",
		Short: "List the apertures in a file",
		Long: `Show prints one line per aperture with its absolute position (links
resolved), radii, reference flag and link target.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			col, err := aperture.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(root.out, "%-4s %-6s %9s %9s %6s %6s %6s %-3s %s\n",
				"CCD", "AP", "X", "Y", "R1", "R2", "R3", "REF", "LINK")
			for _, ccdLabel := range col.CCDs() {
				set, _ := col.Get(ccdLabel)
				for _, apLabel := range set.Labels() {
					a, _ := set.Get(apLabel)
					ref := ""
					if a.Ref {
						ref = "*"
					}
					// Linked apertures store offsets; show where they land.
					x, y := a.X, a.Y
					if a.Linked() {
						if rx, ry, err := set.Resolve(apLabel); err == nil {
							x, y = rx, ry
						}
					}
					fmt.Fprintf(root.out, "%-4s %-6s %9.2f %9.2f %6.1f %6.1f %6.1f %-3s %s\n",
						ccdLabel, apLabel, x, y, a.R1, a.R2, a.R3, ref, a.Link)
				}
			}
			return nil
		},
	}

	cmd.AddCommand(checkCmd, showCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "photrack %s\nBuilt with Go %s\n", version, runtime.Version())
		},
	}
}
