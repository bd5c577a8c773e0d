package plan

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"goa.design/flowrun/flow"
	"goa.design/flowrun/handler"
)

type (
	// Violation is one plan-time validation failure.
	Violation struct {
		// NodeID or EdgeID names the offending element. At most one is set.
		NodeID string `json:"node_id,omitempty"`
		EdgeID string `json:"edge_id,omitempty"`
		// Rule names the violated validation rule.
		Rule string `json:"rule"`
		// Message is the human-readable detail.
		Message string `json:"message"`
	}

	// ValidationError aggregates every violation found in one document.
	// Builders never stop at the first problem.
	ValidationError struct {
		Violations []Violation
	}

	// Builder validates flow documents against a handler registry and a
	// credentials resolver and produces Plans.
	Builder struct {
		registry    *handler.Registry
		credentials handler.CredentialsResolver
	}
)

// Validation rule names carried on violations.
const (
	RuleUnknownType       = "unknown_node_type"
	RuleDuplicateNode     = "duplicate_node_id"
	RuleDanglingEdge      = "dangling_edge"
	RuleCycle             = "cycle"
	RuleTrigger           = "trigger_placement"
	RuleNoTerminal        = "no_terminal"
	RuleConfig            = "invalid_config"
	RuleUnknownCredential = "unknown_credential"
	RuleDuplicateEdge     = "duplicate_edge"
)

// Error implements error. It lists every violation.
func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "plan: invalid document"
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		subject := v.NodeID
		if subject == "" {
			subject = v.EdgeID
		}
		if subject != "" {
			parts[i] = fmt.Sprintf("%s %q: %s", v.Rule, subject, v.Message)
		} else {
			parts[i] = fmt.Sprintf("%s: %s", v.Rule, v.Message)
		}
	}
	return "plan: " + strings.Join(parts, "; ")
}

// NewBuilder returns a plan builder. The credentials resolver may be nil
// when the deployment has no credential store; rule 7 is then skipped.
func NewBuilder(registry *handler.Registry, credentials handler.CredentialsResolver) *Builder {
	if registry == nil {
		panic("plan: registry is required")
	}
	return &Builder{registry: registry, credentials: credentials}
}

// Build validates the document and produces a Plan. On failure it returns a
// *ValidationError carrying every violation found.
func (b *Builder) Build(ctx context.Context, flowID string, doc *flow.Document) (*Plan, error) {
	var violations []Violation

	// Rules 1-2: registered types, unique ids, edges referencing real nodes.
	nodes := make(map[string]flow.Node, len(doc.Definition.Nodes))
	for _, n := range doc.Definition.Nodes {
		if _, dup := nodes[n.ID]; dup {
			violations = append(violations, Violation{
				NodeID: n.ID, Rule: RuleDuplicateNode,
				Message: "node id appears more than once",
			})
			continue
		}
		nodes[n.ID] = n
		if _, ok := b.registry.Lookup(n.Type); !ok {
			violations = append(violations, Violation{
				NodeID: n.ID, Rule: RuleUnknownType,
				Message: fmt.Sprintf("no handler registered for type %q", n.Type),
			})
		}
	}

	// Rule 8 alongside rule 2: duplicate (source, target, ports) edges.
	type edgeKey struct{ source, target, sourcePort, targetPort string }
	seenEdges := make(map[edgeKey]bool, len(doc.Definition.Edges))
	succ := make(map[string][]string)
	pred := make(map[string][]string)
	for _, e := range doc.Definition.Edges {
		dangling := false
		if _, ok := nodes[e.Source]; !ok {
			violations = append(violations, Violation{
				EdgeID: e.ID, Rule: RuleDanglingEdge,
				Message: fmt.Sprintf("source %q is not a node", e.Source),
			})
			dangling = true
		}
		if _, ok := nodes[e.Target]; !ok {
			violations = append(violations, Violation{
				EdgeID: e.ID, Rule: RuleDanglingEdge,
				Message: fmt.Sprintf("target %q is not a node", e.Target),
			})
			dangling = true
		}
		if dangling {
			continue
		}
		key := edgeKey{e.Source, e.Target, e.SourcePort, e.TargetPort}
		if seenEdges[key] {
			violations = append(violations, Violation{
				EdgeID: e.ID, Rule: RuleDuplicateEdge,
				Message: fmt.Sprintf("duplicate edge %s -> %s", e.Source, e.Target),
			})
			continue
		}
		seenEdges[key] = true
		succ[e.Source] = append(succ[e.Source], e.Target)
		pred[e.Target] = append(pred[e.Target], e.Source)
	}
	for id := range succ {
		sort.Strings(succ[id])
	}
	for id := range pred {
		sort.Strings(pred[id])
	}

	// Rule 3: acyclicity via Kahn's algorithm with deterministic order.
	order, remaining := topoSort(nodes, succ, pred)
	if len(remaining) > 0 {
		for _, id := range remaining {
			violations = append(violations, Violation{
				NodeID: id, Rule: RuleCycle,
				Message: "node is part of a cycle",
			})
		}
	}

	// Rule 4: exactly one zero-in-degree node and it must be a trigger.
	var roots []string
	for id := range nodes {
		if len(pred[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	trigger := ""
	for _, id := range roots {
		h, ok := b.registry.Lookup(nodes[id].Type)
		isTrigger := ok && h.IsTrigger()
		switch {
		case isTrigger && trigger == "":
			trigger = id
		case isTrigger:
			violations = append(violations, Violation{
				NodeID: id, Rule: RuleTrigger,
				Message: "flow already has a trigger node",
			})
		default:
			violations = append(violations, Violation{
				NodeID: id, Rule: RuleTrigger,
				Message: "node has no incoming edges and is not a trigger",
			})
		}
	}
	if trigger == "" && len(nodes) > 0 {
		violations = append(violations, Violation{
			Rule:    RuleTrigger,
			Message: "flow has no trigger node",
		})
	}

	// Rule 5: at least one terminal node.
	var terminals []string
	for id := range nodes {
		if len(succ[id]) == 0 {
			terminals = append(terminals, id)
		}
	}
	sort.Strings(terminals)
	if len(terminals) == 0 && len(nodes) > 0 {
		violations = append(violations, Violation{
			Rule:    RuleNoTerminal,
			Message: "flow has no terminal node",
		})
	}

	// Rules 6-7: per-node config validation and credential visibility.
	for _, id := range sortedNodeIDs(nodes) {
		n := nodes[id]
		h, ok := b.registry.Lookup(n.Type)
		if !ok {
			continue
		}
		for _, issue := range h.ValidateConfig(n.Data.Config) {
			violations = append(violations, Violation{
				NodeID: id, Rule: RuleConfig,
				Message: configMessage(issue),
			})
		}
		if credID, ok := n.Data.Config[handler.ConfigKeyCredential].(string); ok && credID != "" && b.credentials != nil {
			if _, err := b.credentials.Resolve(ctx, credID); err != nil {
				violations = append(violations, Violation{
					NodeID: id, Rule: RuleUnknownCredential,
					Message: fmt.Sprintf("credential %q is not visible to the principal", credID),
				})
			}
		}
	}

	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	fp, err := fingerprint(doc)
	if err != nil {
		return nil, err
	}
	return &Plan{
		FlowID:      flowID,
		FlowVersion: doc.Version,
		Fingerprint: fp,
		Settings:    doc.Settings,
		Nodes:       nodes,
		Order:       order,
		Trigger:     trigger,
		Terminals:   terminals,
		succ:        succ,
		pred:        pred,
	}, nil
}

// topoSort runs Kahn's algorithm with lexicographic tiebreaks. It returns
// the order of the acyclic portion and the sorted ids left with nonzero
// in-degree, which are exactly the nodes on or downstream of a cycle.
func topoSort(nodes map[string]flow.Node, succ, pred map[string][]string) (order, remaining []string) {
	in := make(map[string]int, len(nodes))
	for id := range nodes {
		in[id] = len(pred[id])
	}
	var ready []string
	for id, d := range in {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range succ[id] {
			in[next]--
			if in[next] == 0 {
				ready = insertSorted(ready, next)
			}
		}
	}
	for id, d := range in {
		if d > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return order, remaining
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func sortedNodeIDs(nodes map[string]flow.Node) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func configMessage(v handler.Violation) string {
	if v.Field == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s (%s)", v.Field, v.Message, v.Constraint)
}
