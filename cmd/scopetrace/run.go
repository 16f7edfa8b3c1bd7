// The run command: configuration, stream fan-out and per-stream statistics
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/andrewh/scopetrace/pkg/frame"
	"github.com/andrewh/scopetrace/pkg/reconstruct"
	"github.com/andrewh/scopetrace/pkg/symtab"
	"github.com/google/uuid"
	"github.com/grafana/pyroscope-go"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultChunkSize = 4096
	envPrefix        = "SCOPETRACE"
)

type runOptions struct {
	table         string
	encoding      string
	exitPolicy    string
	splitArgs     bool
	closeOnResync bool
	defaultModule string
	stdout        bool
	endpoint      string
	protocol      string
	signals       string
	serviceName   string
	chunkSize     int
	noMirror      bool
	logLevel      string
	pyroscope     string
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run [input...]",
		Short: "Reconstruct scopes from framed log streams and emit telemetry",
		Long: "Reconstruct scopes from framed log streams and emit telemetry.\n\n" +
			"Each input is an independent stream; with no inputs, or \"-\", stdin is read.\n" +
			"Flags may also be set in a YAML file (--config) or through SCOPETRACE_* environment\n" +
			"variables, e.g. SCOPETRACE_EXIT_POLICY=pop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetEnvPrefix(envPrefix)
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return fmt.Errorf("binding flags: %w", err)
			}
			if configPath != "" {
				v.SetConfigFile(configPath)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config %s: %w", configPath, err)
				}
			}

			opts := runOptions{
				table:         v.GetString("table"),
				encoding:      v.GetString("encoding"),
				exitPolicy:    v.GetString("exit-policy"),
				splitArgs:     v.GetBool("split-args"),
				closeOnResync: v.GetBool("close-on-resync"),
				defaultModule: v.GetString("default-module"),
				stdout:        v.GetBool("stdout"),
				endpoint:      v.GetString("endpoint"),
				protocol:      v.GetString("protocol"),
				signals:       v.GetString("signals"),
				serviceName:   v.GetString("service-name"),
				chunkSize:     v.GetInt("chunk-size"),
				noMirror:      v.GetBool("no-mirror"),
				logLevel:      v.GetString("log-level"),
				pyroscope:     v.GetString("pyroscope"),
			}
			if opts.table == "" {
				return fmt.Errorf("missing location table\n\nUsage: scopetrace run --table <table> [input...]")
			}
			if len(args) == 0 {
				args = []string{"-"}
			}
			return runReconstruct(cmd, args, opts)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML file with flag values")
	cmd.Flags().String("table", "", "location table (YAML, or TOML by .toml extension)")
	cmd.Flags().String("encoding", "", "frame encoding: msgpack or lines (default from table, else msgpack)")
	cmd.Flags().String("exit-policy", reconstruct.ExitUnwind.String(), "unbalanced exit handling: unwind, pop or resync")
	cmd.Flags().Bool("split-args", false, "name scopes by identifier and record arguments as code.function.arguments")
	cmd.Flags().Bool("close-on-resync", false, "force-close open scopes when the stream desynchronizes")
	cmd.Flags().String("default-module", reconstruct.DefaultModule, "code.namespace for records without a location")
	cmd.Flags().Bool("stdout", false, "emit signals to stdout as JSON")
	cmd.Flags().String("endpoint", "", "OTLP endpoint (e.g. localhost:4318)")
	cmd.Flags().String("protocol", "http/protobuf", "OTLP protocol (http/protobuf or grpc)")
	cmd.Flags().String("signals", "traces", "comma-separated signals to emit: traces,logs,metrics")
	cmd.Flags().String("service-name", "scopetrace", "service.name resource attribute")
	cmd.Flags().Int("chunk-size", defaultChunkSize, "bytes read from an input per ingest call")
	cmd.Flags().Bool("no-mirror", false, "do not echo log text to stderr")
	cmd.Flags().String("log-level", "info", "diagnostic log level: debug, info, warn, error")
	cmd.Flags().String("pyroscope", "", "send continuous profiles to this Pyroscope server address")

	return cmd
}

// streamResult is the per-stream summary printed to stderr.
type streamResult struct {
	Stream string `json:"stream"`
	Source string `json:"source"`
	reconstruct.Stats
}

func runReconstruct(cmd *cobra.Command, inputs []string, opts runOptions) error {
	// Streams share both outputs; every writer below goes through these.
	out := &lockedWriter{w: cmd.OutOrStdout()}
	errOut := &lockedWriter{w: cmd.ErrOrStderr()}

	if opts.chunkSize <= 0 {
		return fmt.Errorf("--chunk-size must be positive, got %d", opts.chunkSize)
	}
	policy, err := reconstruct.ParseExitPolicy(opts.exitPolicy)
	if err != nil {
		return err
	}
	enabledSignals, err := parseSignals(opts.signals)
	if err != nil {
		return err
	}
	if err := validateProtocol(opts.protocol); err != nil {
		return err
	}
	if err := checkInputs(inputs); err != nil {
		return err
	}

	img, err := symtab.Load(opts.table)
	if err != nil {
		return err
	}
	factory, err := decoderFactory(opts.encoding, img)
	if err != nil {
		return err
	}

	logger, err := newLogger(opts.logLevel, errOut)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if opts.pyroscope != "" {
		profiler, pErr := pyroscope.Start(pyroscope.Config{
			ApplicationName: "scopetrace",
			ServerAddress:   opts.pyroscope,
			Tags:            map[string]string{"version": version},
		})
		if pErr != nil {
			return fmt.Errorf("starting profiler: %w", pErr)
		}
		defer func() { _ = profiler.Stop() }()
	}

	if !opts.stdout {
		if err := checkEndpoint(opts.endpoint, opts.protocol, opts.table); err != nil {
			return err
		}
	}

	tel, err := setupTelemetry(cmd.Context(), opts, enabledSignals, out, errOut)
	if err != nil {
		return err
	}
	defer tel.shutdown()

	var observers []reconstruct.ScopeObserver
	if tel.meter != nil {
		obs, mErr := reconstruct.NewMetricObserver(tel.meter)
		if mErr != nil {
			return fmt.Errorf("creating metric observer: %w", mErr)
		}
		observers = append(observers, obs)
	}

	var mirror reconstruct.Mirror = reconstruct.DiscardMirror
	if !opts.noMirror {
		mirror = reconstruct.WriterMirror{W: errOut, Color: colorEnabled(cmd.ErrOrStderr())}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results := make([]streamResult, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, input := range inputs {
		g.Go(func() error {
			r, closeInput, err := openInput(input, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer closeInput()

			id := uuid.NewString()
			sinkOpts := []reconstruct.TracerSinkOption{
				reconstruct.WithSpanAttributes(
					attribute.String("scopetrace.stream.id", id),
					attribute.String("scopetrace.stream.source", input),
				),
			}
			if tel.logger != nil {
				sinkOpts = append(sinkOpts, reconstruct.WithLoggerProvider(tel.logger))
			}
			rec := reconstruct.New(
				reconstruct.NewTracerSink(tel.tracer, sinkOpts...),
				img.Table,
				factory,
				reconstruct.WithMirror(mirror),
				reconstruct.WithLogger(logger.With(zap.String("stream", id), zap.String("source", input))),
				reconstruct.WithObservers(observers...),
				reconstruct.WithExitPolicy(policy),
				reconstruct.WithSplitArguments(opts.splitArgs),
				reconstruct.WithCloseOnResync(opts.closeOnResync),
				reconstruct.WithDefaultModule(opts.defaultModule),
			)

			err = pump(gctx, r, rec, opts.chunkSize)
			results[i] = streamResult{Stream: id, Source: input, Stats: rec.Stats()}
			if err != nil {
				return fmt.Errorf("reading %s: %w", input, err)
			}
			return nil
		})
	}
	runErr := g.Wait()

	enc := json.NewEncoder(errOut)
	for _, res := range results {
		if res.Stream == "" {
			continue
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return runErr
}

// pump feeds r to rec in chunks until EOF or cancellation. Open scopes are
// closed in either case.
func pump(ctx context.Context, r io.Reader, rec *reconstruct.Reconstructor, chunkSize int) error {
	defer rec.Close()

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			rec.Ingest(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func decoderFactory(encoding string, img *symtab.Image) (frame.Factory, error) {
	if encoding == "" {
		encoding = img.Encoding
	}
	switch encoding {
	case "msgpack", "":
		return frame.MsgpackFactory(img.Table), nil
	case "lines":
		return frame.LineFactory(img.Table), nil
	default:
		return nil, fmt.Errorf("unknown encoding %q, valid encodings: msgpack, lines", encoding)
	}
}

func checkInputs(inputs []string) error {
	stdin := 0
	for _, in := range inputs {
		if in == "-" {
			stdin++
		}
	}
	if stdin > 1 {
		return fmt.Errorf("stdin (-) can only be read once")
	}
	return nil
}

func openInput(name string, stdin io.Reader) (io.Reader, func(), error) {
	if name == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(name) //nolint:gosec // user-supplied file path is expected
	if err != nil {
		return nil, nil, fmt.Errorf("opening input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// lockedWriter serialises writes from concurrent streams and exporters.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// colorEnabled reports whether w is a terminal and NO_COLOR is unset.
func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
