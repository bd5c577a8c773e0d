package handlers

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flowrun/broker/sqlconn"
	"goa.design/flowrun/faults"
	"goa.design/flowrun/handler"
	"goa.design/flowrun/value"
)

func sqlHandler(t *testing.T) (handler.Handler, sqlmock.Sqlmock, handler.CredentialsResolver) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	broker := sqlconn.New(sqlconn.Options{
		Open: func(driver, dsn string) (*sqlx.DB, error) {
			return sqlx.NewDb(db, "sqlmock"), nil
		},
	})
	t.Cleanup(func() { _ = broker.Close() })
	creds := handler.StaticCredentials{
		"db-main": {"driver": "postgres", "dsn": "postgres://app@db/flows"},
	}
	return handler.NewMultiOperationHandler(NewSQLDatabase(broker)), mock, creds
}

func sqlConfig(operation string, extra map[string]any) map[string]any {
	cfg := map[string]any{
		"resource":     "query",
		"operation":    operation,
		"credentialId": "db-main",
	}
	for k, v := range extra {
		cfg[k] = v
	}
	return cfg
}

func TestSQLDatabaseSelect(t *testing.T) {
	t.Parallel()

	h, mock, creds := sqlHandler(t)
	mock.ExpectPing()
	mock.ExpectQuery("SELECT id, state FROM orders").
		WithArgs("shipped").
		WillReturnRows(sqlmock.NewRows([]string{"id", "state"}).
			AddRow(int64(1), "shipped").
			AddRow(int64(2), "shipped"))

	out, err := h.Execute(context.Background(), newInvocation(sqlConfig("select", map[string]any{
		"sql":  "SELECT id, state FROM orders WHERE state = $1",
		"args": []any{"shipped"},
	}), value.Null(), creds))
	require.NoError(t, err)

	count, _ := out.Field("count")
	n, _ := count.AsInt()
	assert.Equal(t, int64(2), n)

	rows, _ := out.Field("rows")
	require.Equal(t, 2, rows.Len())
	first, _ := rows.Index(0)
	state, _ := first.Field("state")
	s, _ := state.AsString()
	assert.Equal(t, "shipped", s)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDatabaseExecute(t *testing.T) {
	t.Parallel()

	h, mock, creds := sqlHandler(t)
	mock.ExpectPing()
	mock.ExpectExec("UPDATE orders SET state").
		WithArgs("cancelled", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := h.Execute(context.Background(), newInvocation(sqlConfig("execute", map[string]any{
		"sql":  "UPDATE orders SET state = $1 WHERE id = $2",
		"args": []any{"cancelled", int64(7)},
	}), value.Null(), creds))
	require.NoError(t, err)

	affected, _ := out.Field("rows_affected")
	n, _ := affected.AsInt()
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDatabaseQueryErrorIsUpstream(t *testing.T) {
	t.Parallel()

	h, mock, creds := sqlHandler(t)
	mock.ExpectPing()
	mock.ExpectQuery("SELECT").WillReturnError(assert.AnError)

	_, err := h.Execute(context.Background(), newInvocation(sqlConfig("select", map[string]any{
		"sql": "SELECT 1",
	}), value.Null(), creds))
	require.Error(t, err)
	assert.Equal(t, faults.KindUpstream, faults.KindOf(err))
}

func TestSQLDatabaseCredentialRequired(t *testing.T) {
	t.Parallel()

	h, _, _ := sqlHandler(t)

	cfg := sqlConfig("select", map[string]any{"sql": "SELECT 1"})
	delete(cfg, "credentialId")
	_, err := h.Execute(context.Background(), newInvocation(cfg, value.Null(), nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindCredential, faults.KindOf(err))

	creds := handler.StaticCredentials{"db-main": {"driver": "postgres"}}
	_, err = h.Execute(context.Background(), newInvocation(sqlConfig("select", map[string]any{
		"sql": "SELECT 1",
	}), value.Null(), creds))
	require.Error(t, err)
	assert.Equal(t, faults.KindCredential, faults.KindOf(err))
}

func TestRegisterWiresBuiltins(t *testing.T) {
	t.Parallel()

	reg := handler.NewRegistry()
	require.NoError(t, Register(reg, Brokers{}, nil))
	types := reg.Types()
	assert.Contains(t, types, "trigger.manual")
	assert.Contains(t, types, "transform.set")
	assert.NotContains(t, types, "script.run")

	reg = handler.NewRegistry()
	require.NoError(t, Register(reg, Brokers{}, &fakeScriptEngine{}))
	assert.Contains(t, reg.Types(), "script.run")
}
