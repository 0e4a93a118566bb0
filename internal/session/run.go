package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/alanbriolat/m3u8dl/generic"
)

type RunID string

func NewRunID() RunID {
	return RunID(generic.Unwrap(uuid.NewRandom()).String())
}

type RunStatus string

const (
	RunStatusUndefined   RunStatus = ""
	RunStatusNew         RunStatus = "new"
	RunStatusFetching    RunStatus = "fetching"
	RunStatusDownloading RunStatus = "downloading"
	RunStatusAssembling  RunStatus = "assembling"
	RunStatusEncoding    RunStatus = "encoding"
	RunStatusComplete    RunStatus = "complete"
	RunStatusError       RunStatus = "error"
)

var runningStatuses = generic.NewSet(
	RunStatusFetching,
	RunStatusDownloading,
	RunStatusAssembling,
	RunStatusEncoding,
)

// IsRunning returns true if the status is one of the pipeline stages.
func (s RunStatus) IsRunning() bool {
	return runningStatuses.Contains(s)
}

// RunRecord is everything remembered about one run, and is what gets written to the history Database.
type RunRecord struct {
	ID         RunID     `json:"id" diff:"id"`
	URL        string    `json:"url" diff:"url"`
	Output     string    `json:"output" diff:"output"`
	Mode       string    `json:"mode" diff:"mode"`
	Status     RunStatus `json:"status" diff:"status"`
	Error      string    `json:"error,omitempty" diff:"error"`
	StartedAt  time.Time `json:"started_at" diff:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty" diff:"finished_at"`
	Chunks     int       `json:"chunks" diff:"chunks"`
	Downloaded int       `json:"downloaded" diff:"downloaded"`
	Failed     int       `json:"failed" diff:"failed"`
	Bytes      int64     `json:"bytes" diff:"bytes"`
	FailedURLs []string  `json:"failed_urls,omitempty" diff:"failed_urls"`
}

// Duration is how long the run took, or has taken so far.
func (r RunRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r RunRecord) clone() RunRecord {
	c := r
	c.FailedURLs = append([]string(nil), r.FailedURLs...)
	return c
}
