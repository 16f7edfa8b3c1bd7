// Tests for the scopetrace CLI commands
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andrewh/scopetrace/pkg/frame"
	"github.com/andrewh/scopetrace/pkg/tracetree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

const linesTable = `
encoding: lines
entries:
  - index: 1
    format: "span_enter: my_function(x={=u8}, y={=u8})"
    level: info
    file: src/main.rs
    line: 10
    module: app
  - index: 2
    format: "Entered my_function with x={}, y={}"
    level: info
    file: src/main.rs
    line: 12
    module: app
  - index: 3
    format: "span_enter: nested_call(value={=u8})"
    level: info
    file: src/main.rs
    line: 4
    module: app::nested
  - index: 4
    format: "Inside nested_call with value={}"
    level: info
    file: src/main.rs
    line: 5
    module: app::nested
  - index: 5
    format: "span_exit: nested_call"
    file: src/main.rs
    line: 4
  - index: 6
    format: "This is a warning inside the function"
    level: warn
    file: src/main.rs
    line: 14
    module: app
  - index: 7
    format: "span_exit: my_function"
    file: src/main.rs
    line: 10
`

const captureText = `Starting application...
span_enter: my_function(x=10, y=20)
Entered my_function with x=10, y=20
span_enter: nested_call(value=30)
Inside nested_call with value=30
span_exit: nested_call
This is a warning inside the function
span_exit: my_function
`

const msgpackTable = `
entries:
  - index: 0
    format: "span_enter: poll(tick={=u32})"
    file: src/poll.rs
    line: 7
    module: app
  - index: 1
    format: "sample={=u16}"
    level: debug
    file: src/poll.rs
    line: 9
    module: app
  - index: 2
    format: "span_exit: poll"
`

func msgpackCapture(t *testing.T) []byte {
	t.Helper()
	var data []byte
	var err error
	for tick := uint32(1); tick <= 3; tick++ {
		data, err = frame.AppendFrame(data, 0, tick)
		require.NoError(t, err)
		data, err = frame.AppendFrame(data, 1, uint16(tick*100))
		require.NoError(t, err)
		data, err = frame.AppendFrame(data, 2)
		require.NoError(t, err)
	}
	return data
}

func execute(t *testing.T, stdin []byte, args ...string) (string, string, error) {
	t.Helper()
	root := rootCmd()
	root.SetArgs(args)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	if stdin != nil {
		root.SetIn(bytes.NewReader(stdin))
	}
	err := root.Execute()
	return out.String(), errOut.String(), err
}

// statsLines decodes the per-stream JSON summaries from stderr.
func statsLines(t *testing.T, stderr string) []streamResult {
	t.Helper()
	var results []streamResult
	for _, line := range strings.Split(stderr, "\n") {
		if !strings.HasPrefix(line, `{"stream":`) {
			continue
		}
		var r streamResult
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		results = append(results, r)
	}
	return results
}

func spanNamed(t *testing.T, spans []tracetree.Span, name string) tracetree.Span {
	t.Helper()
	for _, s := range spans {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("span %q not found", name)
	return tracetree.Span{}
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	t.Run("yaml table", func(t *testing.T) {
		t.Parallel()
		path := writeTestFile(t, "table.yaml", []byte(linesTable))
		out, _, err := execute(t, nil, "validate", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Location table valid: 7 entries, encoding lines")
	})

	t.Run("toml table", func(t *testing.T) {
		t.Parallel()
		path := writeTestFile(t, "table.toml", []byte("[[entries]]\nindex = 1\nformat = \"hello\"\n"))
		out, _, err := execute(t, nil, "validate", path)
		require.NoError(t, err)
		assert.Contains(t, out, "1 entry, encoding unspecified")
	})

	t.Run("invalid table", func(t *testing.T) {
		t.Parallel()
		path := writeTestFile(t, "bad.yaml", []byte("entries: []\n"))
		_, _, err := execute(t, nil, "validate", path)
		require.Error(t, err)
	})

	t.Run("missing argument", func(t *testing.T) {
		t.Parallel()
		_, _, err := execute(t, nil, "validate")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing location table")
	})
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	out, _, err := execute(t, nil, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "scopetrace dev")
}

func TestRunLinesStdout(t *testing.T) {
	t.Parallel()

	table := writeTestFile(t, "table.yaml", []byte(linesTable))
	input := writeTestFile(t, "capture.txt", []byte(captureText))

	out, stderr, err := execute(t, nil, "run", "--stdout", "--split-args", "--table", table, input)
	require.NoError(t, err)

	spans, err := tracetree.ParseSpans(strings.NewReader(out), tracetree.FormatStdouttrace)
	require.NoError(t, err)
	require.Len(t, spans, 2)

	outer := spanNamed(t, spans, "my_function")
	inner := spanNamed(t, spans, "nested_call")
	assert.Empty(t, outer.ParentID)
	assert.Equal(t, outer.SpanID, inner.ParentID)
	assert.Equal(t, "scopetrace", outer.Service)
	assert.Equal(t, "x=10, y=20", outer.Attributes["code.function.arguments"])
	assert.Equal(t, "10", outer.Attributes["code.lineno"])
	assert.Equal(t, input, outer.Attributes["scopetrace.stream.source"])
	assert.NotEmpty(t, outer.Attributes["scopetrace.stream.id"])
	require.Len(t, outer.Events, 2)
	require.Len(t, inner.Events, 1)
	assert.Equal(t, "Inside nested_call with value=30", inner.Events[0].Name)
	assert.Equal(t, "app::nested", inner.Events[0].Attributes["code.namespace"])

	// Mirror echoes every log line, including the one outside any scope.
	assert.Contains(t, stderr, "Starting application...\n")
	assert.Contains(t, stderr, "This is a warning inside the function\n")
	assert.NotContains(t, stderr, "span_enter")

	results := statsLines(t, stderr)
	require.Len(t, results, 1)
	assert.Equal(t, input, results[0].Source)
	assert.Equal(t, outer.Attributes["scopetrace.stream.id"], results[0].Stream)
	assert.Equal(t, int64(8), results[0].Records)
	assert.Equal(t, int64(4), results[0].Events)
	assert.Equal(t, int64(2), results[0].ScopesClosed)
	assert.Zero(t, results[0].ForceClosed)
}

func TestRunMsgpackStdin(t *testing.T) {
	t.Parallel()

	table := writeTestFile(t, "table.yaml", []byte(msgpackTable))
	out, stderr, err := execute(t, msgpackCapture(t), "run", "--stdout", "--no-mirror", "--chunk-size", "3", "--table", table)
	require.NoError(t, err)

	spans, err := tracetree.ParseSpans(strings.NewReader(out), tracetree.FormatAuto)
	require.NoError(t, err)
	require.Len(t, spans, 3)
	for _, s := range spans {
		assert.Empty(t, s.ParentID)
		assert.True(t, strings.HasPrefix(s.Name, "poll(tick="), s.Name)
		require.Len(t, s.Events, 1)
		assert.Equal(t, "DEBUG", s.Events[0].Attributes["log.severity"])
	}
	assert.Len(t, tracetree.BuildTrees(spans, nil), 3, "each root scope is its own trace")

	assert.NotContains(t, stderr, "sample=")
	results := statsLines(t, stderr)
	require.Len(t, results, 1)
	assert.Equal(t, "-", results[0].Source)
	assert.Equal(t, int64(9), results[0].Records)
	assert.Zero(t, results[0].Resyncs)
}

func TestRunMultipleStreams(t *testing.T) {
	t.Parallel()

	table := writeTestFile(t, "table.yaml", []byte(linesTable))
	a := writeTestFile(t, "a.txt", []byte(captureText))
	b := writeTestFile(t, "b.txt", []byte("span_enter: my_function(x=1, y=2)\nunterminated scope\n"))

	out, stderr, err := execute(t, nil, "run", "--stdout", "--no-mirror", "--table", table, a, b)
	require.NoError(t, err)

	spans, err := tracetree.ParseSpans(strings.NewReader(out), tracetree.FormatStdouttrace)
	require.NoError(t, err)
	require.Len(t, spans, 3)

	streams := map[string]bool{}
	for _, s := range spans {
		streams[s.Attributes["scopetrace.stream.id"]] = true
	}
	assert.Len(t, streams, 2, "each input gets its own stream id")

	results := statsLines(t, stderr)
	require.Len(t, results, 2)
	assert.Equal(t, a, results[0].Source)
	assert.Equal(t, b, results[1].Source)
	assert.Equal(t, int64(1), results[1].ForceClosed, "open scope closed at end of input")
}

func TestRunAllSignalsStdout(t *testing.T) {
	t.Parallel()

	table := writeTestFile(t, "table.yaml", []byte(linesTable))
	input := writeTestFile(t, "capture.txt", []byte(captureText))

	out, _, err := execute(t, nil, "run", "--stdout", "--no-mirror", "--signals", "traces,logs,metrics", "--table", table, input)
	require.NoError(t, err)
	assert.Contains(t, out, "Inside nested_call with value=30")
	assert.Contains(t, out, "scopetrace.scope.duration")
	assert.Contains(t, out, "scopetrace.scope.count")
}

func TestRunConfigFile(t *testing.T) {
	t.Parallel()

	table := writeTestFile(t, "table.yaml", []byte(linesTable))
	input := writeTestFile(t, "capture.txt", []byte(captureText))
	cfg := writeTestFile(t, "scopetrace.yaml", []byte(
		"table: "+table+"\n"+
			"stdout: true\n"+
			"split-args: true\n"+
			"no-mirror: true\n"+
			"service-name: firmware\n",
	))

	out, _, err := execute(t, nil, "run", "--config", cfg, input)
	require.NoError(t, err)

	spans, err := tracetree.ParseSpans(strings.NewReader(out), tracetree.FormatStdouttrace)
	require.NoError(t, err)
	outer := spanNamed(t, spans, "my_function")
	assert.Equal(t, "firmware", outer.Service)
}

func TestRunEnvironmentOverride(t *testing.T) {
	t.Setenv("SCOPETRACE_EXIT_POLICY", "explode")

	table := writeTestFile(t, "table.yaml", []byte(linesTable))
	_, _, err := execute(t, []byte{}, "run", "--stdout", "--table", table)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown exit policy "explode"`)
}

func TestRunErrors(t *testing.T) {
	t.Parallel()

	table := writeTestFile(t, "table.yaml", []byte(linesTable))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing table", args: []string{"run", "--stdout"}, want: "missing location table"},
		{name: "unknown signal", args: []string{"run", "--stdout", "--signals", "trace", "--table", table}, want: `unknown signal "trace"`},
		{name: "bad protocol", args: []string{"run", "--stdout", "--protocol", "udp", "--table", table}, want: "unsupported protocol"},
		{name: "bad chunk size", args: []string{"run", "--stdout", "--chunk-size", "0", "--table", table}, want: "--chunk-size must be positive"},
		{name: "bad exit policy", args: []string{"run", "--stdout", "--exit-policy", "later", "--table", table}, want: "unknown exit policy"},
		{name: "bad encoding", args: []string{"run", "--stdout", "--encoding", "cbor", "--table", table}, want: "unknown encoding"},
		{name: "bad log level", args: []string{"run", "--stdout", "--log-level", "loud", "--table", table}, want: "invalid --log-level"},
		{name: "stdin twice", args: []string{"run", "--stdout", "--table", table, "-", "-"}, want: "stdin (-) can only be read once"},
		{name: "missing table file", args: []string{"run", "--stdout", "--table", "/nonexistent.yaml"}, want: "/nonexistent.yaml"},
		{name: "missing input", args: []string{"run", "--stdout", "--no-mirror", "--table", table, "/nonexistent.bin"}, want: "opening input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := execute(t, []byte{}, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunResyncDiagnostics(t *testing.T) {
	t.Parallel()

	table := writeTestFile(t, "table.yaml", []byte(msgpackTable))
	garbage, err := frame.AppendFrame(nil, 42, "unknown")
	require.NoError(t, err)
	input := writeTestFile(t, "capture.bin", garbage)

	_, stderr, err := execute(t, nil, "run", "--stdout", "--no-mirror", "--table", table, input)
	require.NoError(t, err)
	assert.Contains(t, stderr, "frame stream desynchronized")
	assert.Contains(t, stderr, "WARN")

	results := statsLines(t, stderr)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].Resyncs)
}

func TestInspectCommand(t *testing.T) {
	t.Parallel()

	table := writeTestFile(t, "table.yaml", []byte(linesTable))
	input := writeTestFile(t, "capture.txt", []byte(captureText))
	exported, _, err := execute(t, nil, "run", "--stdout", "--no-mirror", "--split-args", "--table", table, input)
	require.NoError(t, err)

	t.Run("from file", func(t *testing.T) {
		t.Parallel()
		path := writeTestFile(t, "traces.json", []byte(exported))
		out, _, err := execute(t, nil, "inspect", "--locations", path)
		require.NoError(t, err)
		assert.Contains(t, out, "(2 spans)")
		assert.Contains(t, out, "my_function(x=10, y=20)")
		assert.Contains(t, out, "nested_call(value=30)")
		assert.Contains(t, out, "WARN This is a warning inside the function src/main.rs:14")
		assert.Less(t, strings.Index(out, "my_function"), strings.Index(out, "nested_call"))
	})

	t.Run("from stdin without events", func(t *testing.T) {
		t.Parallel()
		out, _, err := execute(t, []byte(exported), "inspect", "--events=false")
		require.NoError(t, err)
		assert.Contains(t, out, "nested_call")
		assert.NotContains(t, out, "Inside nested_call")
	})

	t.Run("summary", func(t *testing.T) {
		t.Parallel()
		out, _, err := execute(t, []byte(exported), "inspect", "--summary")
		require.NoError(t, err)
		assert.Contains(t, out, "SCOPE")
		assert.Contains(t, out, "nested_call x1")
	})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		_, _, err := execute(t, []byte("\n"), "inspect")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no spans found")
		assert.Contains(t, err.Error(), "scopetrace inspect traces.json")
	})

	t.Run("bad format", func(t *testing.T) {
		t.Parallel()
		_, _, err := execute(t, []byte(exported), "inspect", "--format", "zipkin")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown format")
	})
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := newLogger("WARNING", &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseSignals(t *testing.T) {
	t.Parallel()

	set, err := parseSignals("traces, logs,,metrics")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"traces": true, "logs": true, "metrics": true}, set)
}

func TestExporterSetBuild(t *testing.T) {
	t.Parallel()

	set := exporterSet[string]{
		stdout: func() (string, error) { return "stdout", nil },
		grpc:   func() (string, error) { return "grpc", nil },
		http:   func() (string, error) { return "http", nil },
	}

	tests := []struct {
		opts runOptions
		want string
	}{
		{runOptions{stdout: true, protocol: "grpc"}, "stdout"},
		{runOptions{protocol: "grpc"}, "grpc"},
		{runOptions{protocol: "http/protobuf"}, "http"},
		{runOptions{}, "http"},
	}
	for _, tt := range tests {
		got, err := set.build(tt.opts)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := set.build(runOptions{protocol: "udp"})
	assert.ErrorContains(t, err, "unsupported protocol")
}

func TestEndpointOptions(t *testing.T) {
	t.Parallel()

	withEndpoint := func(e string) string { return "endpoint=" + e }
	withInsecure := func() string { return "insecure" }

	assert.Nil(t, endpointOptions("", withEndpoint, withInsecure))
	assert.Equal(t, []string{"endpoint=localhost:4318", "insecure"},
		endpointOptions("localhost:4318", withEndpoint, withInsecure))
}

func TestCreateExporters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for _, protocol := range []string{"http/protobuf", "grpc"} {
		opts := runOptions{protocol: protocol, endpoint: "localhost:4318"}

		te, err := createTraceExporter(ctx, opts, io.Discard)
		require.NoError(t, err, protocol)
		assert.NoError(t, te.Shutdown(ctx))

		me, err := createMetricExporter(ctx, opts, io.Discard)
		require.NoError(t, err, protocol)
		assert.NoError(t, me.Shutdown(ctx))

		le, err := createLogExporter(ctx, opts, io.Discard)
		require.NoError(t, err, protocol)
		assert.NoError(t, le.Shutdown(ctx))
	}
}
