// Package viz renders the change DAG of a document's replicated history to
// SVG for debugging: one node per change, labelled with the document text as
// of that change, edges following change dependencies.
package viz

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/sharecode/pkg/replica"
)

const labelTextLimit = 40

// RenderHistoryToSvg walks every change of the replica's document, reads the
// text as of that change, and writes the dependency graph as an SVG.
func RenderHistoryToSvg(rep *replica.Replica, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	doc := rep.Doc()
	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter int
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		text, err := replica.TextOfDoc(docAt)
		if err != nil {
			return fmt.Errorf("failed to read text at %s: %w", change.Hash(), err)
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %q", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), truncate(text, labelTextLimit)))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), nodeMap[hash.String()], n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
