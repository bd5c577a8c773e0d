package sqlconn

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flowrun/faults"
)

func newTestBroker(t *testing.T) (*Broker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	b := New(Options{
		Open: func(driver, dsn string) (*sqlx.DB, error) {
			return sqlx.NewDb(db, "sqlmock"), nil
		},
	})
	t.Cleanup(func() { _ = b.Close() })
	return b, mock
}

func testParams() Params {
	return Params{Driver: "postgres", DSN: "postgres://app@db/flows?sslmode=disable"}
}

func TestPoolCreatesOnceAndPings(t *testing.T) {
	b, mock := newTestBroker(t)
	mock.ExpectPing()

	first, err := b.Pool(context.Background(), testParams())
	require.NoError(t, err)
	again, err := b.Pool(context.Background(), testParams())
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.EqualValues(t, 1, b.Created())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolRequiresDriverAndDSN(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.Pool(context.Background(), Params{Driver: "postgres"})
	require.Error(t, err)
	assert.Equal(t, faults.KindConfig, faults.KindOf(err))

	_, err = b.Pool(context.Background(), Params{DSN: "postgres://db"})
	require.Error(t, err)
	assert.Equal(t, faults.KindConfig, faults.KindOf(err))
}

func TestDistinctParamsGetDistinctPools(t *testing.T) {
	dbA, mockA, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	dbB, mockB, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mockA.ExpectPing()
	mockB.ExpectPing()

	dbs := map[string]*sqlx.DB{
		"postgres://a": sqlx.NewDb(dbA, "sqlmock"),
		"postgres://b": sqlx.NewDb(dbB, "sqlmock"),
	}
	b := New(Options{
		Open: func(driver, dsn string) (*sqlx.DB, error) { return dbs[dsn], nil },
	})
	defer b.Close()

	poolA, err := b.Pool(context.Background(), Params{Driver: "postgres", DSN: "postgres://a"})
	require.NoError(t, err)
	poolB, err := b.Pool(context.Background(), Params{Driver: "postgres", DSN: "postgres://b"})
	require.NoError(t, err)
	assert.NotSame(t, poolA, poolB)
	assert.EqualValues(t, 2, b.Created())
}

func TestAcquireReturnsWorkingConnection(t *testing.T) {
	b, mock := newTestBroker(t)
	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	conn, err := b.Acquire(context.Background(), testParams())
	require.NoError(t, err)
	defer conn.Close()

	var one int
	require.NoError(t, conn.GetContext(context.Background(), &one, "SELECT 1"))
	assert.Equal(t, 1, one)
}

func TestAcquireTimeoutOnSaturatedPool(t *testing.T) {
	b, mock := newTestBroker(t)
	mock.ExpectPing()

	params := testParams()
	params.MaxOpenConns = 1
	params.AcquireTimeout = 50 * time.Millisecond

	held, err := b.Acquire(context.Background(), params)
	require.NoError(t, err)
	defer held.Close()

	_, err = b.Acquire(context.Background(), params)
	require.Error(t, err)
	assert.Equal(t, faults.KindResourceExhausted, faults.KindOf(err))
}
