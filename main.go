// Command elfhex assembles hex-based .eh source into ELF32 executables.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"moria.us/elfhex/dump"
	"moria.us/elfhex/preprocess"
	"moria.us/elfhex/render"
	"moria.us/elfhex/source"
	"moria.us/elfhex/transform"
)

var (
	flagIncludePaths     []string
	flagEntry            string
	flagMemoryStart      string
	flagNoHeader         bool
	flagMaxFragmentDepth int
	flagMachineOverride  string
	flagConfigPath       string
	flagVerbose          int
)

func buildPipeline(input string, cfg config) (*render.Options, []byte, error) {
	if flagMemoryStart != "" {
		if _, err := strconv.ParseUint(flagMemoryStart, 0, 64); err != nil {
			return nil, nil, errors.Wrapf(err, "invalid --memory-start %q", flagMemoryStart)
		}
	}
	searchPath := append(append([]string(nil), flagIncludePaths...), cfg.SearchPath...)
	loader := source.NewLoader(searchPath)

	merged, err := preprocess.Merge(input, loader, maxDepth(cfg))
	if err != nil {
		return nil, nil, err
	}
	expanded, err := transform.Expand(merged, maxDepth(cfg))
	if err != nil {
		return nil, nil, err
	}

	opts := render.Options{
		MemoryStart:    memoryStart(cfg),
		Entry:          entryName(cfg),
		SuppressHeader: flagNoHeader,
	}
	if flagMachineOverride != "" {
		m, err := strconv.ParseUint(flagMachineOverride, 0, 16)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "invalid --machine-override %q", flagMachineOverride)
		}
		opts.MachineOverride = uint16(m)
		opts.HasMachineOverride = true
	}

	out, err := render.Render(expanded, opts)
	return &opts, out, err
}

func maxDepth(cfg config) int {
	if flagMaxFragmentDepth != 0 {
		return flagMaxFragmentDepth
	}
	return cfg.MaxFragmentDepth
}

func memoryStart(cfg config) uint64 {
	if flagMemoryStart != "" {
		v, err := strconv.ParseUint(flagMemoryStart, 0, 64)
		if err == nil {
			return v
		}
	}
	return cfg.MemoryStart
}

func entryName(cfg config) string {
	if flagEntry != "" {
		return flagEntry
	}
	return cfg.Entry
}

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <input.eh> <output>",
		Short: "Assemble an .eh source tree into an ELF32 executable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagConfigPath)
			if err != nil {
				return err
			}
			_, out, err := buildPipeline(args[0], cfg)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], out, 0o755); err != nil {
				return errors.Wrapf(err, "writing output %q", args[1])
			}
			return nil
		},
	}
	return cmd
}

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <input.eh>",
		Short: "Run preprocessing and fragment expansion and print the expanded program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagConfigPath)
			if err != nil {
				return err
			}
			searchPath := append(append([]string(nil), flagIncludePaths...), cfg.SearchPath...)
			loader := source.NewLoader(searchPath)
			merged, err := preprocess.Merge(args[0], loader, maxDepth(cfg))
			if err != nil {
				return err
			}
			expanded, err := transform.Expand(merged, maxDepth(cfg))
			if err != nil {
				return err
			}
			w := bufio.NewWriter(os.Stdout)
			dump.Expanded(w, expanded)
			return w.Flush()
		},
	}
	return cmd
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "elfhex",
		Short: "A minimalist hex assembler producing ELF32 executables",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			switch {
			case flagVerbose >= 2:
				log.SetLevel(log.TraceLevel)
			case flagVerbose == 1:
				log.SetLevel(log.DebugLevel)
			default:
				log.SetLevel(log.WarnLevel)
			}
		},
	}
	root.PersistentFlags().StringArrayVar(&flagIncludePaths, "include-path", nil, "additional include search path (repeatable)")
	root.PersistentFlags().StringVar(&flagEntry, "entry", "", "entry label name (default \"_start\")")
	root.PersistentFlags().StringVar(&flagMemoryStart, "memory-start", "", "memory address the first segment is placed at")
	root.PersistentFlags().BoolVar(&flagNoHeader, "no-header", false, "suppress ELF header emission")
	root.PersistentFlags().IntVar(&flagMaxFragmentDepth, "max-fragment-depth", 0, "maximum fragment/include expansion depth")
	root.PersistentFlags().StringVar(&flagMachineOverride, "machine-override", "", "override the declared ELF machine number")
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "elfhex.yaml", "path to an elfhex.yaml configuration file")
	root.PersistentFlags().CountVarP(&flagVerbose, "verbose", "v", "increase log verbosity (repeatable)")

	root.AddCommand(newBuildCmd())
	root.AddCommand(newDumpCmd())
	return root
}

func main() {
	log.SetLevel(log.WarnLevel)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "elfhex:", err)
		os.Exit(1)
	}
}
