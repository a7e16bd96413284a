/*
Package database manages the audit store's connection pool on top of GORM.

# Core types

  - PoolManager: owns the gorm handle and the underlying sql.DB, with
    DB() / Ping() / Stats() / Close() lifecycle methods
  - PoolConfig: idle/open connection caps, connection lifetimes, and the
    health check cadence
  - PoolStats: JSON-friendly pool statistics for the stats surfaces
  - TransactionFunc: transaction callback contract

# Main facilities

  - Pool sizing via MaxIdleConns / MaxOpenConns / ConnMaxLifetime
  - Background health checks that ping the database and export connection
    gauges
  - WithTransaction for single transactions, WithTransactionRetry with
    exponential backoff for deadlocks, serialization conflicts and dropped
    connections
*/
package database
