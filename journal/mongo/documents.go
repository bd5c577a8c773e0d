package mongo

import (
	"time"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/journal"
	"goa.design/flowrun/value"
)

type (
	// executionDocument is the BSON shape of an execution. Value payloads are
	// stored as canonical JSON strings so the wire encoding stays identical
	// across stores.
	executionDocument struct {
		ExecutionID string         `bson:"execution_id"`
		FlowID      string         `bson:"flow_id"`
		FlowVersion string         `bson:"flow_version"`
		Principal   string         `bson:"principal"`
		Status      string         `bson:"status"`
		StartedAt   time.Time      `bson:"started_at"`
		EndedAt     *time.Time     `bson:"ended_at,omitempty"`
		Input       string         `bson:"input"`
		Output      string         `bson:"output,omitempty"`
		Fault       *faultDocument `bson:"fault,omitempty"`
	}

	nodeDocument struct {
		ExecutionID string          `bson:"execution_id"`
		NodeID      string          `bson:"node_id"`
		Attempt     int             `bson:"attempt"`
		Status      string          `bson:"status"`
		Input       string          `bson:"input,omitempty"`
		Output      string          `bson:"output,omitempty"`
		Fault       *faultDocument  `bson:"fault,omitempty"`
		DurationMS  int64           `bson:"duration_ms"`
		StartedAt   *time.Time      `bson:"started_at,omitempty"`
		EndedAt     *time.Time      `bson:"ended_at,omitempty"`
		Debug       []debugDocument `bson:"debug,omitempty"`
	}

	faultDocument struct {
		Kind    string         `bson:"kind"`
		Message string         `bson:"message"`
		Stack   string         `bson:"stack,omitempty"`
		Cause   *faultDocument `bson:"cause,omitempty"`
	}

	debugDocument struct {
		At      time.Time `bson:"at"`
		Message string    `bson:"message"`
		Data    string    `bson:"data,omitempty"`
	}
)

func encodeValue(v value.Value) (string, error) {
	if v.IsNull() {
		return "", nil
	}
	b, err := v.Canonical()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeValue(s string) (value.Value, error) {
	if s == "" {
		return value.Null(), nil
	}
	return value.Parse([]byte(s))
}

func fromFault(f *faults.Fault) *faultDocument {
	if f == nil {
		return nil
	}
	return &faultDocument{
		Kind:    string(f.Kind),
		Message: f.Message,
		Stack:   f.Stack,
		Cause:   fromFault(f.Cause),
	}
}

func (d *faultDocument) toFault() *faults.Fault {
	if d == nil {
		return nil
	}
	return &faults.Fault{
		Kind:    faults.Kind(d.Kind),
		Message: d.Message,
		Stack:   d.Stack,
		Cause:   d.Cause.toFault(),
	}
}

func fromExecution(ex *journal.Execution) (executionDocument, error) {
	input, err := encodeValue(ex.Input)
	if err != nil {
		return executionDocument{}, err
	}
	output, err := encodeValue(ex.Output)
	if err != nil {
		return executionDocument{}, err
	}
	return executionDocument{
		ExecutionID: ex.ID,
		FlowID:      ex.FlowID,
		FlowVersion: ex.FlowVersion,
		Principal:   ex.Principal,
		Status:      string(ex.Status),
		StartedAt:   ex.StartedAt.UTC(),
		EndedAt:     ex.EndedAt,
		Input:       input,
		Output:      output,
		Fault:       fromFault(ex.Fault),
	}, nil
}

func (d executionDocument) toExecution() (*journal.Execution, error) {
	input, err := decodeValue(d.Input)
	if err != nil {
		return nil, err
	}
	output, err := decodeValue(d.Output)
	if err != nil {
		return nil, err
	}
	return &journal.Execution{
		ID:          d.ExecutionID,
		FlowID:      d.FlowID,
		FlowVersion: d.FlowVersion,
		Principal:   d.Principal,
		Status:      journal.ExecutionStatus(d.Status),
		StartedAt:   d.StartedAt,
		EndedAt:     d.EndedAt,
		Input:       input,
		Output:      output,
		Fault:       d.Fault.toFault(),
	}, nil
}

func fromNodeExecution(ne *journal.NodeExecution) (nodeDocument, error) {
	input, err := encodeValue(ne.InputSnapshot)
	if err != nil {
		return nodeDocument{}, err
	}
	output, err := encodeValue(ne.OutputSnapshot)
	if err != nil {
		return nodeDocument{}, err
	}
	doc := nodeDocument{
		ExecutionID: ne.ExecutionID,
		NodeID:      ne.NodeID,
		Attempt:     ne.Attempt,
		Status:      string(ne.Status),
		Input:       input,
		Output:      output,
		Fault:       fromFault(ne.Fault),
		DurationMS:  ne.DurationMS,
		StartedAt:   ne.StartedAt,
		EndedAt:     ne.EndedAt,
	}
	for _, e := range ne.Debug {
		data, err := encodeValue(e.Data)
		if err != nil {
			return nodeDocument{}, err
		}
		doc.Debug = append(doc.Debug, debugDocument{At: e.At, Message: e.Message, Data: data})
	}
	return doc, nil
}

func (d nodeDocument) toNodeExecution() (*journal.NodeExecution, error) {
	input, err := decodeValue(d.Input)
	if err != nil {
		return nil, err
	}
	output, err := decodeValue(d.Output)
	if err != nil {
		return nil, err
	}
	ne := &journal.NodeExecution{
		ExecutionID:    d.ExecutionID,
		NodeID:         d.NodeID,
		Attempt:        d.Attempt,
		Status:         journal.NodeStatus(d.Status),
		InputSnapshot:  input,
		OutputSnapshot: output,
		Fault:          d.Fault.toFault(),
		DurationMS:     d.DurationMS,
		StartedAt:      d.StartedAt,
		EndedAt:        d.EndedAt,
	}
	for _, e := range d.Debug {
		data, err := decodeValue(e.Data)
		if err != nil {
			return nil, err
		}
		ne.Debug = append(ne.Debug, journal.DebugEntry{At: e.At, Message: e.Message, Data: data})
	}
	return ne, nil
}
