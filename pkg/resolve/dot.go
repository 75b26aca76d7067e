package resolve

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
)

// ToDOT renders g in Graphviz DOT format. Nodes are labelled name@version;
// roots are drawn bold and packages with conflicts in red. Output is
// byte-stable for equal graphs.
func ToDOT(g *Graph) string {
	roots := make(map[string]bool, len(g.Roots))
	for _, r := range g.Roots {
		roots[r.Name] = true
	}
	conflicted := make(map[string]bool, len(g.Conflicts))
	for _, c := range g.Conflicts {
		conflicted[c.Name] = true
	}

	var buf bytes.Buffer
	buf.WriteString("digraph deps {\n")
	buf.WriteString("  rankdir=LR;\n")
	buf.WriteString("  bgcolor=\"transparent\";\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white, fontname=\"Helvetica\"];\n")
	buf.WriteString("\n")

	for _, n := range g.Sorted() {
		attrs := []string{fmt.Sprintf("label=%q", n.ID())}
		if roots[n.Name] {
			attrs = append(attrs, "penwidth=2")
		}
		if conflicted[n.Name] {
			attrs = append(attrs, "color=red", "fontcolor=red")
		}
		fmt.Fprintf(&buf, "  %q [%s];\n", n.Name, strings.Join(attrs, ", "))
	}

	buf.WriteString("\n")
	for _, n := range g.Sorted() {
		for _, dep := range n.Dependencies {
			fmt.Fprintf(&buf, "  %q -> %q;\n", n.Name, dep)
		}
	}

	buf.WriteString("}\n")
	return buf.String()
}

// RenderSVG renders a DOT document to SVG with the embedded Graphviz.
func RenderSVG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}
