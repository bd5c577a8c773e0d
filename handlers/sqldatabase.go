package handlers

import (
	"context"

	"goa.design/flowrun/broker/sqlconn"
	"goa.design/flowrun/faults"
	"goa.design/flowrun/handler"
	"goa.design/flowrun/value"
)

// SQLDatabase is the sql.database multi-operation handler: parameterized
// select and execute over a brokered connection pool. The credential carries
// the driver and DSN; statements use positional placeholders with arguments
// from the "args" field, never string interpolation.
type SQLDatabase struct {
	broker *sqlconn.Broker
}

// NewSQLDatabase returns the sql.database multi-operation implementation.
func NewSQLDatabase(broker *sqlconn.Broker) *SQLDatabase {
	return &SQLDatabase{broker: broker}
}

// Type implements handler.MultiOperation.
func (s *SQLDatabase) Type() string { return "sql.database" }

// Resources implements handler.MultiOperation.
func (s *SQLDatabase) Resources() map[string]handler.ResourceDef {
	return map[string]handler.ResourceDef{
		"query": {Name: "query", Description: "SQL statements against the connected database"},
	}
}

// Operations implements handler.MultiOperation.
func (s *SQLDatabase) Operations() map[string][]handler.OperationDef {
	sqlField := handler.FieldDef{
		Name: "sql", DisplayName: "SQL", Type: handler.FieldString,
		Format: handler.FormatCode, Required: true,
	}
	argsField := handler.FieldDef{
		Name: "args", DisplayName: "Arguments", Type: handler.FieldArray,
		Items: &handler.FieldDef{Name: "arg", Type: handler.FieldString},
	}
	return map[string][]handler.OperationDef{
		"query": {
			{
				Name: "select", DisplayName: "Select", RequiresCredential: true,
				Fields:            []handler.FieldDef{sqlField, argsField},
				OutputDescription: "rows (list of objects) and count (int)",
			},
			{
				Name: "execute", DisplayName: "Execute", RequiresCredential: true,
				Fields:            []handler.FieldDef{sqlField, argsField},
				OutputDescription: "rows_affected (int)",
			},
		},
	}
}

// ExecuteOperation implements handler.MultiOperation.
func (s *SQLDatabase) ExecuteOperation(ctx context.Context, inv *handler.Invocation, _, operation string, cred handler.Credential, params map[string]any) (value.Value, error) {
	rendered, err := inv.Evaluator.RenderConfig(params)
	if err != nil {
		return value.Null(), err
	}
	query, _ := rendered["sql"].(string)
	if query == "" {
		return value.Null(), faults.New(faults.KindConfig, `sql.database: "sql" is required`)
	}
	var args []any
	if raw, ok := rendered["args"].([]any); ok {
		args = raw
	}

	driver := cred["driver"]
	dsn := cred["dsn"]
	if driver == "" || dsn == "" {
		return value.Null(), faults.New(faults.KindCredential, `sql.database: credential must carry "driver" and "dsn"`)
	}
	pool, err := s.broker.Pool(ctx, sqlconn.Params{Driver: driver, DSN: dsn})
	if err != nil {
		return value.Null(), err
	}

	switch operation {
	case "select":
		rows, err := pool.QueryxContext(ctx, query, args...)
		if err != nil {
			return value.Null(), faults.Wrap(faults.KindUpstream, "sql.database: select", err)
		}
		defer rows.Close()

		var out []value.Value
		for rows.Next() {
			row := make(map[string]any)
			if err := rows.MapScan(row); err != nil {
				return value.Null(), faults.Wrap(faults.KindUpstream, "sql.database: scan row", err)
			}
			v, err := rowValue(row)
			if err != nil {
				return value.Null(), err
			}
			out = append(out, v)
		}
		if err := rows.Err(); err != nil {
			return value.Null(), faults.Wrap(faults.KindUpstream, "sql.database: iterate rows", err)
		}
		return value.Object(map[string]value.Value{
			"rows":  value.List(out...),
			"count": value.Int(int64(len(out))),
		}), nil

	case "execute":
		res, err := pool.ExecContext(ctx, query, args...)
		if err != nil {
			return value.Null(), faults.Wrap(faults.KindUpstream, "sql.database: execute", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			affected = 0
		}
		return value.Object(map[string]value.Value{"rows_affected": value.Int(affected)}), nil
	}
	return value.Null(), faults.Errorf(faults.KindConfig, "sql.database: unknown operation %q", operation)
}

// rowValue converts one scanned row. Drivers hand back []byte for text
// columns; those become strings, not base64 blobs.
func rowValue(row map[string]any) (value.Value, error) {
	fields := make(map[string]value.Value, len(row))
	for col, raw := range row {
		if b, ok := raw.([]byte); ok {
			raw = string(b)
		}
		v, err := value.FromAny(raw)
		if err != nil {
			return value.Null(), faults.Errorf(faults.KindData, "sql.database: column %q: %v", col, err)
		}
		fields[col] = v
	}
	return value.Object(fields), nil
}
