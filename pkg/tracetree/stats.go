// Per-scope statistics across span trees: duration distribution, event counts
// and which scopes each one opens
package tracetree

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// ScopeStats accumulates statistics for one scope name.
type ScopeStats struct {
	Name      string
	Durations []time.Duration
	Events    int
	Calls     map[string]int // child scope name -> times opened
}

// Summarize walks all trees and returns statistics per scope name, sorted
// by name. Argument lists are ignored when grouping, so "f(x=1)" and
// "f(x=2)" count as the same scope.
func Summarize(trees []*Tree) []*ScopeStats {
	byName := make(map[string]*ScopeStats)
	var walk func(n *Node)
	walk = func(n *Node) {
		name := scopeName(n.Span.Name)
		st := byName[name]
		if st == nil {
			st = &ScopeStats{Name: name}
			byName[name] = st
		}
		st.Durations = append(st.Durations, n.Span.Duration())
		st.Events += len(n.Span.Events)
		for _, c := range n.Children {
			if st.Calls == nil {
				st.Calls = make(map[string]int)
			}
			st.Calls[scopeName(c.Span.Name)]++
			walk(c)
		}
	}
	for _, t := range trees {
		for _, r := range t.Roots {
			walk(r)
		}
	}

	out := make([]*ScopeStats, 0, len(byName))
	for _, st := range byName {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b *ScopeStats) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func scopeName(s string) string {
	name, _, _ := strings.Cut(s, "(")
	return strings.TrimSpace(name)
}

// RenderSummary writes stats as a table.
func RenderSummary(w io.Writer, stats []*ScopeStats) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Scope", "Count", "Duration", "Max", "Events", "Opens"})
	for _, st := range stats {
		tw.AppendRow(table.Row{
			st.Name,
			len(st.Durations),
			FormatDuration(st.Durations),
			roundDuration(slices.Max(st.Durations)).String(),
			st.Events,
			formatCalls(st.Calls),
		})
	}
	tw.Render()
}

func formatCalls(calls map[string]int) string {
	names := make([]string, 0, len(calls))
	for name := range calls {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s x%d", name, calls[name])
	}
	return strings.Join(parts, ", ")
}

// MeanDuration computes the mean of a duration slice.
// Uses float64 accumulator to avoid int64 overflow on large inputs.
func MeanDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	var sum float64
	for _, d := range durations {
		sum += float64(d)
	}
	return time.Duration(sum / float64(len(durations)))
}

// StdDevDuration computes the sample standard deviation of a duration slice.
func StdDevDuration(durations []time.Duration) time.Duration {
	if len(durations) < 2 {
		return 0
	}
	mean := float64(MeanDuration(durations))
	var sumSq float64
	for _, d := range durations {
		diff := float64(d) - mean
		sumSq += diff * diff
	}
	return time.Duration(math.Sqrt(sumSq / float64(len(durations)-1)))
}

// FormatDuration returns "X +/- Y" when the spread is significant, or "X".
func FormatDuration(durations []time.Duration) string {
	mean := MeanDuration(durations)
	stddev := StdDevDuration(durations)

	meanStr := roundDuration(mean).String()
	if stddev == 0 || float64(stddev) < float64(mean)*0.01 {
		return meanStr
	}
	return meanStr + " +/- " + roundDuration(stddev).String()
}

// roundDuration rounds a duration to a human-friendly precision.
func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(100 * time.Millisecond)
	case d >= 100*time.Millisecond:
		return d.Round(10 * time.Millisecond)
	case d >= 10*time.Millisecond:
		return d.Round(time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(100 * time.Microsecond)
	case d >= 100*time.Microsecond:
		return d.Round(10 * time.Microsecond)
	default:
		return d.Round(time.Microsecond)
	}
}
