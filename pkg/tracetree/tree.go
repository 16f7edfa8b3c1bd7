// Trace tree reconstruction from flat span lists.
// Groups spans by trace ID and links children to parents via span IDs.
package tracetree

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"time"
)

// Tree holds the spans of one trace with parent-child links.
type Tree struct {
	TraceID  string
	Roots    []*Node
	AllNodes []*Node
}

// Node wraps a Span with its children, ordered by start time.
type Node struct {
	Span     Span
	Children []*Node
}

// Start returns the earliest root start time of the tree.
func (t *Tree) Start() time.Time {
	var start time.Time
	for _, r := range t.Roots {
		if start.IsZero() || r.Span.StartTime.Before(start) {
			start = r.Span.StartTime
		}
	}
	return start
}

// Depth returns the number of levels in the tree.
func (t *Tree) Depth() int {
	var depth func(nodes []*Node) int
	depth = func(nodes []*Node) int {
		d := 0
		for _, n := range nodes {
			d = max(d, 1+depth(n.Children))
		}
		return d
	}
	return depth(t.Roots)
}

// BuildTrees reconstructs trace trees from a flat list of spans, ordered by
// start time. Spans whose parent is missing from the dataset become
// additional roots; a warning for each is written to w (may be nil).
func BuildTrees(spans []Span, w io.Writer) []*Tree {
	byTrace := make(map[string][]Span)
	var order []string
	for _, s := range spans {
		if _, seen := byTrace[s.TraceID]; !seen {
			order = append(order, s.TraceID)
		}
		byTrace[s.TraceID] = append(byTrace[s.TraceID], s)
	}

	trees := make([]*Tree, 0, len(byTrace))
	for _, traceID := range order {
		trees = append(trees, buildTree(traceID, byTrace[traceID], w))
	}
	slices.SortStableFunc(trees, func(a, b *Tree) int {
		return a.Start().Compare(b.Start())
	})
	return trees
}

func buildTree(traceID string, spans []Span, w io.Writer) *Tree {
	nodes := make(map[string]*Node, len(spans))
	allNodes := make([]*Node, 0, len(spans))
	for _, s := range spans {
		node := &Node{Span: s}
		nodes[s.SpanID] = node
		allNodes = append(allNodes, node)
	}

	var roots []*Node
	for _, node := range allNodes {
		if node.Span.ParentID == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[node.Span.ParentID]
		if !ok {
			if w != nil {
				_, _ = fmt.Fprintf(w, "warning: span %s in trace %s has parent %s not found in dataset, treating as root\n",
					node.Span.SpanID, traceID, node.Span.ParentID)
			}
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	byStart := func(a, b *Node) int {
		if c := a.Span.StartTime.Compare(b.Span.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.Span.SpanID, b.Span.SpanID)
	}
	slices.SortFunc(roots, byStart)
	for _, n := range allNodes {
		slices.SortFunc(n.Children, byStart)
	}

	return &Tree{
		TraceID:  traceID,
		Roots:    roots,
		AllNodes: allNodes,
	}
}
