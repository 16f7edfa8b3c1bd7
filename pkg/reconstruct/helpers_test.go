// Shared test doubles: a sink that records every call and table builders.
package reconstruct

import (
	"strings"
	"testing"

	"github.com/andrewh/scopetrace/pkg/frame"
	"github.com/andrewh/scopetrace/pkg/symtab"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

// sinkCall is one observed Sink invocation. Handles are small integers,
// 0 meaning "no scope".
type sinkCall struct {
	Op      string // begin, end, event
	Handle  int
	Parent  int
	Name    string
	Message string
	Level   frame.Level
	Attrs   map[attribute.Key]attribute.Value
}

type recordingSink struct {
	calls  []sinkCall
	attrs  map[int]map[attribute.Key]attribute.Value
	names  map[int]string
	nextID int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		attrs: make(map[int]map[attribute.Key]attribute.Value),
		names: make(map[int]string),
	}
}

func handleID(h Handle) int {
	if h == nil {
		return 0
	}
	return h.(int)
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, kv := range attrs {
		m[kv.Key] = kv.Value
	}
	return m
}

func (s *recordingSink) Begin(parent Handle, name string) Handle {
	s.nextID++
	id := s.nextID
	s.names[id] = name
	s.attrs[id] = make(map[attribute.Key]attribute.Value)
	s.calls = append(s.calls, sinkCall{Op: "begin", Handle: id, Parent: handleID(parent), Name: name})
	return id
}

func (s *recordingSink) SetAttributes(h Handle, attrs ...attribute.KeyValue) {
	for _, kv := range attrs {
		s.attrs[handleID(h)][kv.Key] = kv.Value
	}
}

func (s *recordingSink) End(h Handle) {
	id := handleID(h)
	s.calls = append(s.calls, sinkCall{Op: "end", Handle: id, Name: s.names[id]})
}

func (s *recordingSink) Event(scope Handle, level frame.Level, message string, attrs ...attribute.KeyValue) {
	s.calls = append(s.calls, sinkCall{
		Op:      "event",
		Parent:  handleID(scope),
		Message: message,
		Level:   level,
		Attrs:   attrMap(attrs),
	})
}

// trace renders the calls compactly: "begin a<-0", "event msg@1", "end a".
func (s *recordingSink) trace() []string {
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		switch c.Op {
		case "begin":
			parent := "none"
			if c.Parent != 0 {
				parent = s.names[c.Parent]
			}
			out = append(out, "begin "+c.Name+" parent="+parent)
		case "end":
			out = append(out, "end "+c.Name)
		case "event":
			scope := "none"
			if c.Parent != 0 {
				scope = s.names[c.Parent]
			}
			out = append(out, "event "+c.Message+" scope="+scope)
		}
	}
	return out
}

func (s *recordingSink) events() []sinkCall {
	var out []sinkCall
	for _, c := range s.calls {
		if c.Op == "event" {
			out = append(out, c)
		}
	}
	return out
}

// bufferMirror collects mirrored text.
type bufferMirror struct {
	lines []string
}

func (m *bufferMirror) Mirror(_ frame.Level, text string) {
	m.lines = append(m.lines, text)
}

func lines(ls ...string) []byte {
	return []byte(strings.Join(ls, "\n") + "\n")
}

// scenarioTable carries locations for the end-to-end scenario records.
func scenarioTable(t testing.TB) *symtab.Table {
	t.Helper()
	table, err := symtab.New([]symtab.Entry{
		{Index: 1, Format: "span_enter: my_function(x={=u8}, y={=u8})", Level: "info", Location: symtab.Location{File: "src/main.rs", Line: 10, Module: "app"}},
		{Index: 2, Format: "Entered my_function with x={}, y={}", Level: "info", Location: symtab.Location{File: "src/main.rs", Line: 12, Module: "app"}},
		{Index: 3, Format: "span_enter: nested_call(value={=u8})", Level: "info", Location: symtab.Location{File: "src/main.rs", Line: 4, Module: "app::nested"}},
		{Index: 4, Format: "Inside nested_call with value={}", Level: "info", Location: symtab.Location{File: "src/main.rs", Line: 5, Module: "app::nested"}},
		{Index: 5, Format: "span_exit: nested_call", Level: "info", Location: symtab.Location{File: "src/main.rs", Line: 4, Module: "app::nested"}},
		{Index: 6, Format: "This is a warning inside the function", Level: "warn", Location: symtab.Location{File: "src/main.rs", Line: 14, Module: "app"}},
		{Index: 7, Format: "span_exit: my_function", Level: "info", Location: symtab.Location{File: "src/main.rs", Line: 10, Module: "app"}},
	})
	require.NoError(t, err)
	return table
}

var scenarioLines = []string{
	"span_enter: my_function(x=10, y=20)",
	"Entered my_function with x=10, y=20",
	"span_enter: nested_call(value=30)",
	"Inside nested_call with value=30",
	"span_exit: nested_call",
	"This is a warning inside the function",
	"span_exit: my_function",
}
