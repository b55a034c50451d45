package store

import "database/sql"

// Schema is the complete engine schema. ranking_cache deliberately has no
// reference to tracked_subjects.
const Schema = `
-- Day-scoped ranking results, for tracked and ephemeral subjects alike
CREATE TABLE IF NOT EXISTS ranking_cache (
    tenant_id      TEXT NOT NULL,
    subject_id     TEXT NOT NULL,
    platform       TEXT NOT NULL,
    locale         TEXT NOT NULL,
    combo          TEXT NOT NULL,
    snapshot_date  TEXT NOT NULL,
    position       INTEGER,
    total_results  INTEGER NOT NULL CHECK (total_results >= 0),
    trend          TEXT NOT NULL DEFAULT 'new',
    checked_at     INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, subject_id, platform, locale, combo, snapshot_date)
);
CREATE INDEX IF NOT EXISTS idx_ranking_cache_day ON ranking_cache(snapshot_date);

-- Subjects tracked for daily refresh
CREATE TABLE IF NOT EXISTS tracked_subjects (
    tenant_id          TEXT NOT NULL,
    subject_id         TEXT NOT NULL,
    title              TEXT NOT NULL,
    subtitle           TEXT NOT NULL DEFAULT '',
    keyword_field      TEXT NOT NULL DEFAULT '',
    brand_terms        TEXT NOT NULL DEFAULT '[]',
    platform           TEXT NOT NULL,
    locale             TEXT NOT NULL,
    enabled            INTEGER NOT NULL DEFAULT 1,
    last_refreshed_day TEXT NOT NULL DEFAULT '',
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, subject_id)
);
CREATE INDEX IF NOT EXISTS idx_tracked_due ON tracked_subjects(enabled, last_refreshed_day);

-- Daily history for tracked subjects (trend charts)
CREATE TABLE IF NOT EXISTS ranking_history (
    tenant_id      TEXT NOT NULL,
    subject_id     TEXT NOT NULL,
    platform       TEXT NOT NULL,
    locale         TEXT NOT NULL,
    combo          TEXT NOT NULL,
    snapshot_date  TEXT NOT NULL,
    tier           TEXT NOT NULL DEFAULT '',
    position       INTEGER,
    total_results  INTEGER NOT NULL CHECK (total_results >= 0),
    trend          TEXT NOT NULL DEFAULT 'new',
    checked_at     INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, subject_id, platform, locale, combo, snapshot_date),
    FOREIGN KEY (tenant_id, subject_id)
        REFERENCES tracked_subjects(tenant_id, subject_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_history_subject ON ranking_history(tenant_id, subject_id, snapshot_date);
`

// ApplySchema creates all tables if they don't exist.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
