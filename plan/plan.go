// Package plan turns validated flow documents into immutable execution
// plans. A Plan is pure data: the scheduler reads it, never mutates it, and
// never reaches back to the document.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"goa.design/flowrun/flow"
)

type (
	// Plan is the canonical scheduler input built from one flow document.
	Plan struct {
		// FlowID and FlowVersion identify the source document.
		FlowID      string
		FlowVersion string
		// Fingerprint is the sha256 of the document's canonical JSON. Two
		// plans with equal fingerprints schedule identically.
		Fingerprint string
		// Settings are the document's execution-wide knobs.
		Settings flow.Settings
		// Nodes holds every node keyed by id.
		Nodes map[string]flow.Node
		// Order is the topological order with node-id tiebreaks. It is also
		// the serialize-mode dispatch order.
		Order []string
		// Trigger is the single zero-in-degree trigger node.
		Trigger string
		// Terminals are the zero-out-degree node ids, sorted.
		Terminals []string

		succ map[string][]string
		pred map[string][]string
	}
)

// Successors returns the ids of nodes fed by the given node, sorted.
func (p *Plan) Successors(nodeID string) []string {
	return p.succ[nodeID]
}

// Predecessors returns the ids of nodes feeding the given node, sorted.
func (p *Plan) Predecessors(nodeID string) []string {
	return p.pred[nodeID]
}

// InDegrees returns a fresh remaining-in-degree map. The scheduler owns the
// returned copy.
func (p *Plan) InDegrees() map[string]int {
	in := make(map[string]int, len(p.Nodes))
	for id := range p.Nodes {
		in[id] = len(p.pred[id])
	}
	return in
}

// Node returns the node for an id known to be in the plan.
func (p *Plan) Node(id string) flow.Node {
	return p.Nodes[id]
}

// fingerprint hashes the document's canonical JSON form. Marshaling a parsed
// Document is canonical enough here: field order is fixed by the struct and
// node/edge order by the document author.
func fingerprint(doc *flow.Document) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
