package runnerlog

import "time"

// Entry is one human-readable progress/error line tied to a run. The log is
// append-only from the engines' perspective.
type Entry struct {
	ID        int64     `json:"id"`
	RunID     int64     `json:"run_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
