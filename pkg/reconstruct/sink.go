// Telemetry sink and text mirror contracts.
package reconstruct

import (
	"fmt"
	"io"

	"github.com/andrewh/scopetrace/pkg/frame"
	"github.com/fatih/color"
	"go.opentelemetry.io/otel/attribute"
)

// Handle identifies a live scope inside a Sink. A nil Handle means no scope.
type Handle any

// Sink receives the reconstructed scope tree.
type Sink interface {
	// Begin opens a scope under parent (nil for a root) and returns its handle.
	Begin(parent Handle, name string) Handle
	// SetAttributes attaches attributes to a live scope.
	SetAttributes(h Handle, attrs ...attribute.KeyValue)
	// End closes a scope.
	End(h Handle)
	// Event records a log message inside scope (nil when no scope is open).
	Event(scope Handle, level frame.Level, message string, attrs ...attribute.KeyValue)
}

// Mirror receives a plain-text copy of every log record.
type Mirror interface {
	Mirror(level frame.Level, text string)
}

// WriterMirror writes each message on its own line.
// With Color set, the line is coloured by level; the text itself is unchanged.
type WriterMirror struct {
	W     io.Writer
	Color bool
}

var levelColors = map[frame.Level]*color.Color{
	frame.LevelTrace: forcedColor(color.FgHiBlack),
	frame.LevelDebug: forcedColor(color.FgCyan),
	frame.LevelWarn:  forcedColor(color.FgYellow),
	frame.LevelError: forcedColor(color.FgRed, color.Bold),
}

// forcedColor ignores color.NoColor; WriterMirror.Color decides instead.
func forcedColor(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	c.EnableColor()
	return c
}

// Mirror writes text to the underlying writer.
func (m WriterMirror) Mirror(level frame.Level, text string) {
	if m.W == nil {
		return
	}
	if m.Color {
		if c, ok := levelColors[level]; ok {
			// One write per line so shared writers never split the escapes.
			_, _ = fmt.Fprintln(m.W, c.Sprint(text))
			return
		}
	}
	_, _ = fmt.Fprintln(m.W, text)
}

type discardMirror struct{}

func (discardMirror) Mirror(frame.Level, string) {}

// DiscardMirror drops all mirrored text.
var DiscardMirror Mirror = discardMirror{}
