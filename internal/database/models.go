package database

// Run statuses stored in scrape_runs.status.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

// ScrapeRun is one poller run against the source page.
type ScrapeRun struct {
	ID           int64   `json:"id"`
	SourceURL    string  `json:"source_url"`
	Status       string  `json:"status"`
	RecordCount  int     `json:"record_count"`
	ErrorMessage *string `json:"error_message,omitempty"`
	StartedAt    *string `json:"started_at,omitempty"`
	FinishedAt   *string `json:"finished_at,omitempty"`
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalRuns      int
	SuccessfulRuns int
	FailedRuns     int
	StoredKeys     int
}
