package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// setupTestDB opens a gorm handle over sqlmock. Pings are monitored so the
// health check path can be asserted; gorm's own open-time ping is disabled
// to keep the expectation ledger clean.
func setupTestDB(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return mock, gormDB
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

func TestNewPoolManager(t *testing.T) {
	_, gormDB := setupTestDB(t)

	manager, err := NewPoolManager(gormDB, testPoolConfig(), nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, manager.DB())
	assert.Equal(t, testPoolConfig(), manager.config)

	stats := manager.Stats()
	assert.Equal(t, 10, stats.MaxOpenConnections)
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, testPoolConfig(), nil, nil)
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	manager, err := NewPoolManager(gormDB, testPoolConfig(), nil, nil)
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, manager.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_PingFailure(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	manager, err := NewPoolManager(gormDB, testPoolConfig(), nil, nil)
	require.NoError(t, err)

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, manager.Ping(context.Background()))
}

func TestPoolManager_GetStats(t *testing.T) {
	_, gormDB := setupTestDB(t)
	manager, err := NewPoolManager(gormDB, testPoolConfig(), nil, nil)
	require.NoError(t, err)

	stats := manager.GetStats()
	assert.Equal(t, 10, stats.MaxOpenConnections)
	assert.GreaterOrEqual(t, stats.OpenConnections, 0)
	assert.GreaterOrEqual(t, stats.InUse, 0)
	assert.GreaterOrEqual(t, stats.Idle, 0)
}

func TestPoolManager_WithTransaction(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	manager, err := NewPoolManager(gormDB, testPoolConfig(), nil, nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return nil
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRollback(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	manager, err := NewPoolManager(gormDB, testPoolConfig(), nil, nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return assert.AnError
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	manager, err := NewPoolManager(gormDB, testPoolConfig(), nil, nil)
	require.NoError(t, err)

	// The commit fails with a non-retryable error: exactly one attempt.
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(assert.AnError)

	calls := 0
	err = manager.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		calls++
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_Close(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	manager, err := NewPoolManager(gormDB, testPoolConfig(), nil, nil)
	require.NoError(t, err)

	mock.ExpectClose()
	assert.NoError(t, manager.Close())
	assert.NoError(t, manager.Close(), "second close is a no-op")
	assert.Error(t, manager.Ping(context.Background()), "closed pool refuses pings")
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadlock", assertError("Deadlock found when trying to get lock"), true},
		{"serialization", assertError("ERROR: could not serialize access (SQLSTATE 40001)"), true},
		{"connection reset", assertError("read tcp: connection reset by peer"), true},
		{"bad connection", assertError("driver: bad connection"), true},
		{"lock wait timeout", assertError("Lock wait timeout exceeded"), true},
		{"constraint violation", assertError("UNIQUE constraint failed: tasks.id"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

type assertError string

func (e assertError) Error() string { return string(e) }
