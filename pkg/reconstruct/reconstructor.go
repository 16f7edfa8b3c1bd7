// Package reconstruct rebuilds nested scopes from a flat stream of decoded
// log records carrying span_enter/span_exit markers, and forwards them to a
// hierarchical telemetry sink.
package reconstruct

import (
	"errors"
	"time"

	"github.com/andrewh/scopetrace/pkg/frame"
	"github.com/andrewh/scopetrace/pkg/symtab"
	"go.uber.org/zap"
)

// Stats counts what a Reconstructor has processed.
type Stats struct {
	Records        int64 `json:"records"`
	Events         int64 `json:"events"`
	ScopesOpened   int64 `json:"scopes_opened"`
	ScopesClosed   int64 `json:"scopes_closed"`
	ForceClosed    int64 `json:"force_closed"`
	UnmatchedExits int64 `json:"unmatched_exits"`
	Resyncs        int64 `json:"resyncs"`
}

// scopeFrame is one open scope on the stack.
type scopeFrame struct {
	name     string
	handle   Handle
	started  time.Time
	location symtab.Location
}

// Reconstructor consumes one byte stream and maintains its scope stack.
// It is not safe for concurrent use; give each stream its own instance.
type Reconstructor struct {
	sink       Sink
	locations  LocationTable
	newDecoder frame.Factory
	decoder    frame.Decoder
	stack      []scopeFrame

	mirror        Mirror
	logger        *zap.Logger
	observers     []ScopeObserver
	policy        ExitPolicy
	splitArgs     bool
	closeOnResync bool
	defaultModule string
	now           func() time.Time

	stats Stats
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithMirror sets the plain-text side channel. Defaults to DiscardMirror.
func WithMirror(m Mirror) Option {
	return func(r *Reconstructor) { r.mirror = m }
}

// WithLogger sets the diagnostics logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconstructor) { r.logger = l }
}

// WithObservers registers observers notified as scopes close.
func WithObservers(obs ...ScopeObserver) Option {
	return func(r *Reconstructor) { r.observers = append(r.observers, obs...) }
}

// WithExitPolicy selects how unbalanced exits are handled.
func WithExitPolicy(p ExitPolicy) Option {
	return func(r *Reconstructor) { r.policy = p }
}

// WithSplitArguments names scopes by the identifier before "(" and records
// the argument text as a separate attribute.
func WithSplitArguments(split bool) Option {
	return func(r *Reconstructor) { r.splitArgs = split }
}

// WithCloseOnResync force-closes all open scopes when the decoder resyncs.
func WithCloseOnResync(enabled bool) Option {
	return func(r *Reconstructor) { r.closeOnResync = enabled }
}

// WithDefaultModule sets the namespace used for unresolvable locations.
func WithDefaultModule(module string) Option {
	return func(r *Reconstructor) { r.defaultModule = module }
}

// WithClock overrides the time source used for scope durations.
func WithClock(now func() time.Time) Option {
	return func(r *Reconstructor) { r.now = now }
}

// New creates a Reconstructor with an empty stack and a fresh decoder.
// locations may be nil, in which case every location is a placeholder.
func New(sink Sink, locations LocationTable, newDecoder frame.Factory, opts ...Option) *Reconstructor {
	r := &Reconstructor{
		sink:          sink,
		locations:     locations,
		newDecoder:    newDecoder,
		mirror:        DiscardMirror,
		logger:        zap.NewNop(),
		policy:        ExitUnwind,
		defaultModule: DefaultModule,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.decoder = newDecoder()
	return r
}

// Ingest feeds p to the decoder and processes every record that becomes
// complete. Malformed input is recovered from internally: the decoder is
// replaced and the rest of the buffered input is dropped.
func (r *Reconstructor) Ingest(p []byte) {
	r.decoder.Received(p)
	for {
		rec, err := r.decoder.Decode()
		if err != nil {
			if errors.Is(err, frame.ErrNoMoreData) {
				return
			}
			r.resync(err)
			return
		}
		if err := r.handle(rec); err != nil {
			r.resync(err)
			return
		}
	}
}

// Write implements io.Writer. It always consumes all of p.
func (r *Reconstructor) Write(p []byte) (int, error) {
	r.Ingest(p)
	return len(p), nil
}

// Close ends the stream: a trailing partial record is processed if the
// decoder can surrender one, then every open scope is force-closed from
// innermost to outermost. It returns the number of scopes force-closed.
// The Reconstructor remains usable afterwards.
func (r *Reconstructor) Close() int {
	if f, ok := r.decoder.(frame.Flusher); ok {
		if rec, found := f.Flush(); found {
			if err := r.handle(rec); err != nil {
				r.resync(err)
			}
		}
	}
	return r.closeAll("stream closed")
}

// Depth returns the number of open scopes.
func (r *Reconstructor) Depth() int { return len(r.stack) }

// Stats returns a snapshot of the counters.
func (r *Reconstructor) Stats() Stats { return r.stats }

func (r *Reconstructor) handle(rec frame.Record) error {
	r.stats.Records++
	d := Classify(rec.Text)
	switch d.Kind {
	case KindEnter:
		r.enter(rec, d.Name)
		return nil
	case KindExit:
		return r.exit(d.Name)
	default:
		r.log(rec)
		return nil
	}
}

func (r *Reconstructor) enter(rec frame.Record, display string) {
	loc := r.resolve(rec.Index)

	name, args := display, ""
	if r.splitArgs {
		name, args = SplitArguments(display)
	}

	h := r.sink.Begin(r.top(), name)
	attrs := scopeAttributes(name, loc)
	if r.splitArgs && args != "" {
		attrs = append(attrs, ArgumentsKey.String(args))
	}
	r.sink.SetAttributes(h, attrs...)

	r.stack = append(r.stack, scopeFrame{name: name, handle: h, started: r.now(), location: loc})
	r.stats.ScopesOpened++
}

func (r *Reconstructor) log(rec frame.Record) {
	loc := r.resolve(rec.Index)
	r.sink.Event(r.top(), rec.Level, rec.Text, locationAttributes(loc)...)
	r.stats.Events++
	r.mirror.Mirror(rec.Level, rec.Text)
}

// top returns the innermost open scope handle, or nil.
func (r *Reconstructor) top() Handle {
	if len(r.stack) == 0 {
		return nil
	}
	return r.stack[len(r.stack)-1].handle
}

// pop closes the innermost scope.
func (r *Reconstructor) pop(forced bool) {
	last := len(r.stack) - 1
	f := r.stack[last]
	r.stack[last] = scopeFrame{}
	r.stack = r.stack[:last]

	r.sink.End(f.handle)
	r.stats.ScopesClosed++
	if forced {
		r.stats.ForceClosed++
	}

	if len(r.observers) > 0 {
		info := ScopeInfo{
			Name:     f.name,
			Depth:    last + 1,
			Started:  f.started,
			Duration: r.now().Sub(f.started),
			Location: f.location,
			Forced:   forced,
		}
		for _, obs := range r.observers {
			obs.Observe(info)
		}
	}
}

// closeAll force-closes every open scope, innermost first.
func (r *Reconstructor) closeAll(reason string) int {
	n := len(r.stack)
	if n == 0 {
		return 0
	}
	r.logger.Debug("force-closing open scopes",
		zap.String("reason", reason),
		zap.Int("count", n),
	)
	for len(r.stack) > 0 {
		r.pop(true)
	}
	return n
}

// resync discards the decoder after a desynchronization.
func (r *Reconstructor) resync(cause error) {
	r.stats.Resyncs++
	r.logger.Warn("frame stream desynchronized, resetting decoder",
		zap.Error(cause),
		zap.Int("open_scopes", len(r.stack)),
	)
	r.decoder = r.newDecoder()
	if r.closeOnResync {
		r.closeAll("resync")
	}
}

// scopeNames lists open scope names from outermost to innermost.
func (r *Reconstructor) scopeNames() []string {
	names := make([]string, len(r.stack))
	for i, f := range r.stack {
		names[i] = f.name
	}
	return names
}
