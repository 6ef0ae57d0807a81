package main

import (
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// registerDBMetrics exposes pgxpool stats to Prometheus via the stdlib
// database/sql bridge, the same collector the teacher registers.
func registerDBMetrics(db *pgxpool.Pool) (*sql.DB, error) {
	sqlDB := stdlib.OpenDBFromPool(db)
	prometheus.MustRegister(collectors.NewDBStatsCollector(sqlDB, "processor_db"))
	return sqlDB, nil
}
