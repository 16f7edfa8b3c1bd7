// Normalised span type and parsers for exported trace data.
// Handles both stdouttrace (line-delimited JSON) and OTLP protobuf JSON formats.
package tracetree

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// ErrNoSpans is returned when the input holds no spans.
var ErrNoSpans = errors.New("no spans found in input")

// Span is the format-independent representation of an exported span.
type Span struct {
	TraceID    string
	SpanID     string
	ParentID   string // empty for root spans
	Service    string
	Name       string
	StartTime  time.Time
	EndTime    time.Time
	Attributes map[string]string
	Events     []Event
}

// Event is a span event; reconstructed log records appear as events.
type Event struct {
	Name       string
	Time       time.Time
	Attributes map[string]string
}

// Duration returns the span's wall-clock duration.
func (s Span) Duration() time.Duration { return s.EndTime.Sub(s.StartTime) }

// Format identifies the input trace format.
type Format string

const (
	FormatAuto        Format = "auto"
	FormatStdouttrace Format = "stdouttrace"
	FormatOTLP        Format = "otlp"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatAuto, FormatStdouttrace, FormatOTLP:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q, valid formats: auto, stdouttrace, otlp", s)
}

// maxInputSize bounds the amount of trace data read into memory.
const maxInputSize = 256 * 1024 * 1024

// ParseSpans reads spans from r in the given format.
// FormatAuto inspects the first JSON object to determine the format.
func ParseSpans(r io.Reader, format Format) ([]Span, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("input exceeds maximum size of %d MB", maxInputSize/(1024*1024))
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNoSpans
	}

	if format == FormatAuto {
		format, err = detectFormat(data)
		if err != nil {
			return nil, err
		}
	}

	var spans []Span
	switch format {
	case FormatStdouttrace:
		spans, err = parseStdouttrace(data)
	case FormatOTLP:
		spans, err = parseOTLP(data)
	default:
		_, err = ParseFormat(string(format))
	}
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return nil, ErrNoSpans
	}
	return spans, nil
}

// detectFormat tries the first line (line-delimited stdouttrace), then the
// full data (pretty-printed OTLP JSON).
func detectFormat(data []byte) (Format, error) {
	firstLine, _, hasMore := bytes.Cut(data, []byte{'\n'})
	firstLine = bytes.TrimSpace(firstLine)

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(firstLine, &probe); err == nil {
		if _, ok := probe["SpanContext"]; ok {
			return FormatStdouttrace, nil
		}
		if _, ok := probe["resourceSpans"]; ok {
			return FormatOTLP, nil
		}
	}

	if hasMore {
		if err := json.Unmarshal(data, &probe); err == nil {
			if _, ok := probe["resourceSpans"]; ok {
				return FormatOTLP, nil
			}
			if _, ok := probe["SpanContext"]; ok {
				return FormatStdouttrace, nil
			}
		}
	}

	return "", fmt.Errorf("cannot detect format: input has neither SpanContext (stdouttrace) nor resourceSpans (OTLP)")
}

// stdouttraceSpan mirrors the Go SDK's stdouttrace JSON output.
type stdouttraceSpan struct {
	Name        string `json:"Name"`
	SpanContext struct {
		TraceID string `json:"TraceID"`
		SpanID  string `json:"SpanID"`
	} `json:"SpanContext"`
	Parent struct {
		SpanID string `json:"SpanID"`
	} `json:"Parent"`
	StartTime  time.Time `json:"StartTime"`
	EndTime    time.Time `json:"EndTime"`
	Attributes []sdkAttr `json:"Attributes"`
	Events     []struct {
		Name       string    `json:"Name"`
		Time       time.Time `json:"Time"`
		Attributes []sdkAttr `json:"Attributes"`
	} `json:"Events"`
	Resource []sdkAttr `json:"Resource"`
}

type sdkAttr struct {
	Key   string `json:"Key"`
	Value struct {
		Type  string `json:"Type"`
		Value any    `json:"Value"`
	} `json:"Value"`
}

func sdkAttrMap(attrs []sdkAttr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Key] = sdkValueString(a.Value.Value)
	}
	return m
}

// sdkValueString formats a decoded JSON attribute value. Numbers decode as
// float64; integral values print without an exponent.
func sdkValueString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func parseStdouttrace(data []byte) ([]Span, error) {
	var spans []Span
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var raw stdouttraceSpan
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}

		parentID := raw.Parent.SpanID
		if isZeroID(parentID) {
			parentID = ""
		}

		span := Span{
			TraceID:    raw.SpanContext.TraceID,
			SpanID:     raw.SpanContext.SpanID,
			ParentID:   parentID,
			Service:    sdkAttrMap(raw.Resource)["service.name"],
			Name:       raw.Name,
			StartTime:  raw.StartTime,
			EndTime:    raw.EndTime,
			Attributes: sdkAttrMap(raw.Attributes),
		}
		for _, e := range raw.Events {
			span.Events = append(span.Events, Event{
				Name:       e.Name,
				Time:       e.Time,
				Attributes: sdkAttrMap(e.Attributes),
			})
		}
		spans = append(spans, span)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return spans, nil
}

func parseOTLP(data []byte) ([]Span, error) {
	var req coltracepb.ExportTraceServiceRequest
	opts := protojson.UnmarshalOptions{DiscardUnknown: true}
	if err := opts.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing OTLP: %w", err)
	}

	var spans []Span
	for _, rs := range req.ResourceSpans {
		service := otlpAttrMap(rs.Resource.GetAttributes())["service.name"]

		for _, ss := range rs.ScopeSpans {
			for _, s := range ss.Spans {
				parentID := hex.EncodeToString(s.ParentSpanId)
				if isZeroID(parentID) {
					parentID = ""
				}

				span := Span{
					TraceID:    hex.EncodeToString(s.TraceId),
					SpanID:     hex.EncodeToString(s.SpanId),
					ParentID:   parentID,
					Service:    service,
					Name:       s.Name,
					StartTime:  time.Unix(0, int64(s.StartTimeUnixNano)), //nolint:gosec // nanosecond timestamps are always positive
					EndTime:    time.Unix(0, int64(s.EndTimeUnixNano)),   //nolint:gosec // nanosecond timestamps are always positive
					Attributes: otlpAttrMap(s.Attributes),
				}
				for _, e := range s.Events {
					span.Events = append(span.Events, Event{
						Name:       e.Name,
						Time:       time.Unix(0, int64(e.TimeUnixNano)), //nolint:gosec // nanosecond timestamps are always positive
						Attributes: otlpAttrMap(e.Attributes),
					})
				}
				spans = append(spans, span)
			}
		}
	}
	return spans, nil
}

func otlpAttrMap(attrs []*commonpb.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		m[kv.Key] = anyValueString(kv.Value)
	}
	return m
}

// anyValueString extracts a string representation from an OTLP AnyValue.
func anyValueString(v *commonpb.AnyValue) string {
	switch x := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(x.IntValue, 10)
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(x.BoolValue)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(x.DoubleValue, 'f', -1, 64)
	case *commonpb.AnyValue_ArrayValue:
		parts := make([]string, 0, len(x.ArrayValue.GetValues()))
		for _, e := range x.ArrayValue.GetValues() {
			parts = append(parts, anyValueString(e))
		}
		return "[" + strings.Join(parts, ",") + "]"
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(x.BytesValue)
	default:
		return ""
	}
}

// isZeroID checks if a hex-encoded ID is empty or all zeros.
func isZeroID(id string) bool {
	for _, c := range id {
		if c != '0' {
			return false
		}
	}
	return true
}
