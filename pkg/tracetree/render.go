// Text rendering of span trees with go-pretty lists.
package tracetree

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/list"
)

// RenderOptions controls what Render prints for each span.
type RenderOptions struct {
	// Events lists span events (reconstructed log lines) under their span.
	Events bool
	// Locations appends code.filepath:code.lineno to span and event lines.
	Locations bool
}

// Render writes each tree as an indented list, children and events in
// time order.
func Render(w io.Writer, trees []*Tree, opts RenderOptions) error {
	for i, t := range trees {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		header := fmt.Sprintf("trace %s (%d spans)", t.TraceID, len(t.AllNodes))
		if _, err := fmt.Fprintln(w, header); err != nil {
			return err
		}

		l := list.NewWriter()
		l.SetStyle(list.StyleConnectedRounded)
		for _, root := range t.Roots {
			appendNode(l, root, opts)
		}
		if _, err := fmt.Fprintln(w, l.Render()); err != nil {
			return err
		}
	}
	return nil
}

// item is a child span or an event positioned in time.
type item struct {
	at    time.Time
	node  *Node
	event *Event
}

func appendNode(l list.Writer, n *Node, opts RenderOptions) {
	l.AppendItem(spanLabel(n.Span, opts))

	items := make([]item, 0, len(n.Children)+len(n.Span.Events))
	for _, c := range n.Children {
		items = append(items, item{at: c.Span.StartTime, node: c})
	}
	if opts.Events {
		for i := range n.Span.Events {
			e := &n.Span.Events[i]
			items = append(items, item{at: e.Time, event: e})
		}
	}
	if len(items) == 0 {
		return
	}
	slices.SortStableFunc(items, func(a, b item) int { return a.at.Compare(b.at) })

	l.Indent()
	for _, it := range items {
		if it.node != nil {
			appendNode(l, it.node, opts)
			continue
		}
		l.AppendItem(eventLabel(*it.event, opts))
	}
	l.UnIndent()
}

func spanLabel(s Span, opts RenderOptions) string {
	var b strings.Builder
	b.WriteString(s.Name)
	if args := s.Attributes["code.function.arguments"]; args != "" {
		fmt.Fprintf(&b, "(%s)", args)
	}
	fmt.Fprintf(&b, " [%s]", formatDuration(s.Duration()))
	if opts.Locations {
		if loc := location(s.Attributes); loc != "" {
			b.WriteString(" " + loc)
		}
	}
	return b.String()
}

func eventLabel(e Event, opts RenderOptions) string {
	var b strings.Builder
	if sev := e.Attributes["log.severity"]; sev != "" {
		b.WriteString(sev + " ")
	}
	b.WriteString(e.Name)
	if opts.Locations {
		if loc := location(e.Attributes); loc != "" {
			b.WriteString(" " + loc)
		}
	}
	return b.String()
}

// location formats file:line from code.* attributes; line 0 is omitted.
func location(attrs map[string]string) string {
	file := attrs["code.filepath"]
	if file == "" {
		return ""
	}
	if line := attrs["code.lineno"]; line != "" && line != "0" {
		return file + ":" + line
	}
	return file
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return d.String()
	case d < time.Millisecond:
		return d.Round(time.Microsecond).String()
	default:
		return d.Round(10 * time.Microsecond).String()
	}
}
