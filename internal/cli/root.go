// Package cli implements the kheap-sift command line interface.
package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zolutal/kheap-sift/internal/corpus"
	"github.com/zolutal/kheap-sift/internal/logging"
	"github.com/zolutal/kheap-sift/internal/pipeline"
	"github.com/zolutal/kheap-sift/internal/query"
	"github.com/zolutal/kheap-sift/internal/report"
	"github.com/zolutal/kheap-sift/internal/typeinfo"
	"github.com/zolutal/kheap-sift/pkg/version"
)

type options struct {
	quiet    bool
	flags    string
	excludes []string
	threads  int64
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "kheap-sift <vmlinux> <source-root> <lower-bound> <upper-bound>",
		Short: "Find kernel heap allocation sites for structs in a size range",
		Long: `kheap-sift locates the functions in a kernel source tree that allocate a
heap object of a struct type whose compiled size falls within a bound.

Struct names and sizes are decoded from the DWARF debug info of the given
vmlinux image; sizes sz are kept when lower-bound < sz <= upper-bound. The
source tree is then scanned for functions that declare a pointer to one of
those structs and assign it from a slab-allocator call (kmalloc, kzalloc,
kvmalloc, kvzalloc, kcalloc, kmalloc_array, vmalloc, vzalloc). Matches are
printed with the struct layout and a highlighted excerpt of the function.

Examples:
  # Structs between 65 and 128 bytes, default single-threaded scan
  kheap-sift ./vmlinux ~/linux 64 128

  # Only atomic allocations, skipping drivers, 256 concurrent reads
  kheap-sift ./vmlinux ~/linux 64 128 --flags GFP_ATOMIC \
      --exclude '**/drivers/**' --threads 256`,
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.quiet, "quiet", false,
		"Print only struct names, suppress full reports")
	cmd.Flags().StringVar(&opts.flags, "flags", "",
		"Regex the allocation flags argument must match")
	cmd.Flags().StringArrayVar(&opts.excludes, "exclude", nil,
		"Glob to exclude files, may be repeated")
	cmd.Flags().Int64Var(&opts.threads, "threads", 1,
		"Number of concurrent file reads to scale up to")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn",
		"Log level (debug, info, warn, error)")

	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.String())
		},
	}
}

func run(cmd *cobra.Command, args []string, opts *options) error {
	vmlinuxPath := args[0]
	sourceRoot := args[1]

	lower, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid lower bound %q: %w", args[2], err)
	}
	upper, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid upper bound %q: %w", args[3], err)
	}

	logger := logging.New(logging.Config{Level: opts.logLevel, Pretty: true})

	catalog, err := typeinfo.Load(vmlinuxPath, lower, upper, logger)
	if err != nil {
		return err
	}
	if catalog.Len() == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Exiting, no structs within the size bound")
		return nil
	}

	files, err := corpus.Enumerate(sourceRoot, corpus.DefaultExtensions, opts.excludes)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Exiting, no files to process")
		return nil
	}

	queries, err := query.CompileAll()
	if err != nil {
		return err
	}
	filter, err := query.NewFlagsFilter(opts.flags)
	if err != nil {
		return err
	}

	color := term.IsTerminal(int(os.Stdout.Fd()))
	printer := report.NewPrinter(cmd.OutOrStdout(), color, logger)

	p, err := pipeline.New(catalog, queries, filter, printer, pipeline.Config{
		ReadPermits: opts.threads,
		Quiet:       opts.quiet,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info().
		Int("files", len(files)).
		Int("structs", catalog.Len()).
		Int64("threads", opts.threads).
		Msg("Starting scan")

	return p.Run(cmd.Context(), files)
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
