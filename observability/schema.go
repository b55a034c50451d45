package observability

import "database/sql"

// Schema holds the metrics DDL. Keep it in its own database file so metric
// flushes never contend with cache writes.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    ts_ms INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, ts_ms DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_time
    ON metrics_timeseries(ts_ms DESC);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
