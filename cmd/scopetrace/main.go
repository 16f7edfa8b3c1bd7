// Scope reconstruction bridge for deferred-formatting embedded logs
// Reads framed log streams, rebuilds span_enter/span_exit scopes and emits OpenTelemetry signals
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andrewh/scopetrace/pkg/symtab"
	"github.com/andrewh/scopetrace/pkg/tracetree"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "scopetrace",
		Short:        "Rebuild span trees from embedded log streams",
		SilenceUsage: true,
	}

	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(inspectCmd())
	root.AddCommand(versionCmd())

	return root
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <table>",
		Short: "Load and validate a location table",
		Long: "Load and validate a location table.\n\n" +
			"Tables are YAML, or TOML when the file name ends in .toml.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing location table\n\nUsage: scopetrace validate <table>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := symtab.Load(args[0])
			if err != nil {
				return err
			}
			n := img.Table.Len()
			label := "entries"
			if n == 1 {
				label = "entry"
			}
			encoding := img.Encoding
			if encoding == "" {
				encoding = "unspecified"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Location table valid: %d %s, encoding %s\n\n"+
				"To reconstruct a capture:\n"+
				"  scopetrace run --stdout --table %s capture.bin\n",
				n, label, encoding, args[0])
			return nil
		},
	}
}

func inspectCmd() *cobra.Command {
	var (
		format    string
		events    bool
		locations bool
		summary   bool
	)

	cmd := &cobra.Command{
		Use:   "inspect [file]",
		Short: "Print span trees from exported trace data",
		Long:  "Reads spans (stdouttrace or OTLP JSON) and prints each trace as an indented tree.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := tracetree.ParseFormat(format)
			if err != nil {
				return err
			}

			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				file, err := os.Open(args[0]) //nolint:gosec // user-supplied file path is expected
				if err != nil {
					return fmt.Errorf("opening input: %w", err)
				}
				defer file.Close() //nolint:errcheck // best-effort close on read-only file
				r = file
			}

			spans, err := tracetree.ParseSpans(r, f)
			if err != nil {
				if errors.Is(err, tracetree.ErrNoSpans) {
					return fmt.Errorf("%w\n\nProvide a file or pipe stdin:\n  scopetrace inspect traces.json\n  scopetrace run --stdout --table t.yaml capture.bin | scopetrace inspect", err)
				}
				return err
			}

			trees := tracetree.BuildTrees(spans, cmd.ErrOrStderr())
			if summary {
				tracetree.RenderSummary(cmd.OutOrStdout(), tracetree.Summarize(trees))
				return nil
			}
			return tracetree.Render(cmd.OutOrStdout(), trees, tracetree.RenderOptions{
				Events:    events,
				Locations: locations,
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "auto", "input format: auto, stdouttrace, or otlp")
	cmd.Flags().BoolVar(&events, "events", true, "list span events under their span")
	cmd.Flags().BoolVar(&locations, "locations", false, "show source file and line")
	cmd.Flags().BoolVar(&summary, "summary", false, "print per-scope statistics instead of trees")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "scopetrace %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}
