// Package flow defines the declarative workflow document: the JSON artifact
// the editor publishes and the plan builder consumes. Documents are immutable
// once published; the engine never writes them.
package flow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Concurrency selects how ready nodes are dispatched within one execution.
type Concurrency string

const (
	// ConcurrencyAllow lets ready nodes run in parallel up to the engine's
	// per-execution worker cap. This is the default.
	ConcurrencyAllow Concurrency = "allow"
	// ConcurrencySerialize runs at most one node at a time, in topological
	// order with node-id tiebreaks.
	ConcurrencySerialize Concurrency = "serialize"
)

// Default edge port names, applied when the document omits them.
const (
	DefaultSourcePort = "output"
	DefaultTargetPort = "input"
)

type (
	// Document is a published workflow definition.
	Document struct {
		// Version is the published flow version (semver-ish string).
		Version string `json:"version"`
		// Definition holds the graph.
		Definition Definition `json:"definition"`
		// Settings carries execution-wide knobs.
		Settings Settings `json:"settings"`
	}

	// Definition is the node/edge graph of a document.
	Definition struct {
		Nodes []Node `json:"nodes"`
		Edges []Edge `json:"edges"`
	}

	// Settings carries execution-wide configuration.
	Settings struct {
		// Concurrency is "allow" or "serialize". Empty means allow.
		Concurrency Concurrency `json:"concurrency,omitempty"`
		// TimeoutSeconds bounds the whole execution. Zero means the engine
		// default applies.
		TimeoutSeconds int `json:"timeout,omitempty"`
	}

	// Node is one vertex of the graph.
	Node struct {
		// ID is unique within the document.
		ID string `json:"id"`
		// Type is the handler registry key.
		Type string `json:"type"`
		// Position is editor layout data, opaque to the engine.
		Position json.RawMessage `json:"position,omitempty"`
		// Data carries the label and the handler-owned configuration.
		Data NodeData `json:"data"`
	}

	// NodeData is the editor-facing payload of a node.
	NodeData struct {
		// Label is the display name.
		Label string `json:"label,omitempty"`
		// Config is the handler-owned configuration map. The handler's
		// schema is the sole type authority; the engine treats it as opaque.
		Config map[string]any `json:"config,omitempty"`
	}

	// Edge is one directed connection between two nodes.
	Edge struct {
		ID string `json:"id"`
		// Source and Target are node ids.
		Source string `json:"source"`
		Target string `json:"target"`
		// SourcePort and TargetPort name the connected ports. They default
		// to "output" and "input".
		SourcePort string `json:"sourcePort,omitempty"`
		TargetPort string `json:"targetPort,omitempty"`
	}
)

// ParseDocument decodes and structurally validates a flow document. Graph
// validation (cycles, trigger placement, handler config) is the plan
// builder's job; ParseDocument only enforces the document contract itself.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse flow document: %w", err)
	}
	if err := doc.normalize(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) normalize() error {
	if d.Version == "" {
		return errors.New("flow document: version is required")
	}
	if len(d.Definition.Nodes) == 0 {
		return errors.New("flow document: definition.nodes must not be empty")
	}
	switch d.Settings.Concurrency {
	case "":
		d.Settings.Concurrency = ConcurrencyAllow
	case ConcurrencyAllow, ConcurrencySerialize:
	default:
		return fmt.Errorf("flow document: unknown concurrency %q", d.Settings.Concurrency)
	}
	if d.Settings.TimeoutSeconds < 0 {
		return fmt.Errorf("flow document: negative timeout %d", d.Settings.TimeoutSeconds)
	}
	for i := range d.Definition.Edges {
		e := &d.Definition.Edges[i]
		if e.SourcePort == "" {
			e.SourcePort = DefaultSourcePort
		}
		if e.TargetPort == "" {
			e.TargetPort = DefaultTargetPort
		}
	}
	return nil
}

// Node returns the node with the given id, or nil.
func (d *Document) Node(id string) *Node {
	for i := range d.Definition.Nodes {
		if d.Definition.Nodes[i].ID == id {
			return &d.Definition.Nodes[i]
		}
	}
	return nil
}
