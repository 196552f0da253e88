package store

import "time"

// Run status values
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// Run records one ranking pass
type Run struct {
	ID           int64     `json:"id"`
	UUID         string    `json:"uuid"`
	SourceURL    string    `json:"source_url"`
	TargetPath   string    `json:"target_path"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Fetched      int       `json:"fetched"`
	Candidates   int       `json:"candidates"`
	Ranked       int       `json:"ranked"`
	Excluded     int       `json:"excluded"`
	Applied      bool      `json:"applied"`
	BackupPath   string    `json:"backup_path,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Duration returns how long the run took, or 0 while it is running.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// MirrorScore is the measurement of one mirror in a run. Rank is 0 for
// mirrors that were excluded.
type MirrorScore struct {
	ID            int64   `json:"id"`
	RunID         int64   `json:"run_id"`
	URL           string  `json:"url"`
	Country       string  `json:"country,omitempty"`
	Protocol      string  `json:"protocol"`
	Rank          int     `json:"rank"`
	Score         float64 `json:"score"`
	LatencyMS     float64 `json:"latency_ms"`
	ThroughputBps float64 `json:"throughput_bps"`
	Status        string  `json:"status"`
	Detail        string  `json:"detail,omitempty"`
}
