package database

import "database/sql"

// StartRun records the beginning of a poller run and returns its ID.
func (db *DB) StartRun(sourceURL string) (int64, error) {
	result, err := db.conn.Exec(
		"INSERT INTO scrape_runs (source_url, status) VALUES (?, ?)",
		sourceURL, RunRunning,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// FinishRun marks a run as finished. A nil runErr marks it successful.
func (db *DB) FinishRun(runID int64, recordCount int, runErr error) error {
	status := RunSuccess
	var message *string
	if runErr != nil {
		status = RunFailed
		m := runErr.Error()
		message = &m
	}
	_, err := db.conn.Exec(
		`UPDATE scrape_runs SET status = ?, record_count = ?, error_message = ?, finished_at = datetime('now')
		WHERE id = ?`,
		status, recordCount, message, runID,
	)
	return err
}

// GetRecentRuns returns the most recent runs, newest first.
func (db *DB) GetRecentRuns(limit int) ([]ScrapeRun, error) {
	rows, err := db.conn.Query(
		`SELECT id, source_url, status, record_count, error_message, started_at, finished_at
		FROM scrape_runs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ScrapeRun
	for rows.Next() {
		var r ScrapeRun
		if err := rows.Scan(&r.ID, &r.SourceURL, &r.Status, &r.RecordCount,
			&r.ErrorMessage, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetLastSuccessfulRun returns the newest successful run, or nil if none.
func (db *DB) GetLastSuccessfulRun() (*ScrapeRun, error) {
	row := db.conn.QueryRow(
		`SELECT id, source_url, status, record_count, error_message, started_at, finished_at
		FROM scrape_runs WHERE status = ? ORDER BY id DESC LIMIT 1`, RunSuccess,
	)
	var r ScrapeRun
	if err := row.Scan(&r.ID, &r.SourceURL, &r.Status, &r.RecordCount,
		&r.ErrorMessage, &r.StartedAt, &r.FinishedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM scrape_runs", &s.TotalRuns},
		{"SELECT COUNT(*) FROM scrape_runs WHERE status = 'success'", &s.SuccessfulRuns},
		{"SELECT COUNT(*) FROM scrape_runs WHERE status = 'failed'", &s.FailedRuns},
		{"SELECT COUNT(*) FROM kv", &s.StoredKeys},
	}

	for _, q := range queries {
		if err := db.conn.QueryRow(q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	return s, nil
}
