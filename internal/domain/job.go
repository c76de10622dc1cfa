package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// JobState represents the lifecycle state of an ingestion job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

func (s JobState) String() string { return string(s) }

func (s JobState) IsValid() bool {
	switch s {
	case JobStateQueued, JobStateRunning, JobStateCompleted, JobStateFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

func ParseJobStateFromString(s string) (JobState, error) {
	st := JobState(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid job state %q", ErrValidation, s)
	}
	return st, nil
}

// Progress is the last committed snapshot of a running job.
type Progress struct {
	Inserted   int     `json:"inserted"`
	Total      int     `json:"total"`
	Percent    float64 `json:"percent"`
	Throughput float64 `json:"throughput"`
}

// NewProgress builds a snapshot, rounding percent and throughput to two decimals.
func NewProgress(inserted int, total int, elapsed time.Duration) Progress {
	p := Progress{Inserted: inserted, Total: total}
	if total > 0 {
		p.Percent = round2(math.Min(float64(inserted)/float64(total)*100, 100))
	}
	if seconds := elapsed.Seconds(); seconds > 0 {
		p.Throughput = round2(float64(inserted) / seconds)
	}
	return p
}

// JobResult is written once when a job completes.
type JobResult struct {
	Inserted         int       `json:"inserted"`
	Skipped          int       `json:"skipped"`
	TotalRows        int       `json:"totalRows"`
	ElapsedSeconds   float64   `json:"elapsedSeconds"`
	RecordsPerSecond float64   `json:"recordsPerSecond"`
	ArchivePath      string    `json:"archivePath"`
	CompletedAt      time.Time `json:"completedAt"`
}

// FinalProgress is the snapshot stored with a completed job. Percent keeps
// the inserted/total ratio, so skipped rows leave it below 100.
func (r JobResult) FinalProgress() Progress {
	p := NewProgress(r.Inserted, r.TotalRows, 0)
	p.Throughput = r.RecordsPerSecond
	return p
}

// JobError is written once when a job fails. InsertedBeforeFailure counts
// only committed records.
type JobError struct {
	Message               string       `json:"message"`
	Class                 FailureClass `json:"class"`
	InsertedBeforeFailure int          `json:"insertedBeforeFailure"`
	ArchivePath           string       `json:"archivePath,omitempty"`
	FailedAt              time.Time    `json:"failedAt"`
}

// Job is the durable record of one uploaded file being ingested.
type Job struct {
	ID         string
	FileName   string
	FilePath   string
	FileSize   int64
	State      JobState
	Progress   Progress
	Result     *JobResult
	Error      *JobError
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
}

func (j *Job) IsTerminal() bool {
	return j != nil && j.State.IsTerminal()
}

func (j *Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("%w: job id is required", ErrValidation)
	}
	if strings.TrimSpace(j.FilePath) == "" {
		return fmt.Errorf("%w: file path is required", ErrValidation)
	}
	if !j.State.IsValid() {
		return fmt.Errorf("%w: invalid job state %q", ErrValidation, j.State)
	}
	return nil
}

// TerminalOutcome carries the final write for a job: exactly one of Result
// or Error is set, matching State.
type TerminalOutcome struct {
	State  JobState
	Result *JobResult
	Error  *JobError
}

func CompletedOutcome(result JobResult) TerminalOutcome {
	return TerminalOutcome{State: JobStateCompleted, Result: &result}
}

func FailedOutcome(jobErr JobError) TerminalOutcome {
	return TerminalOutcome{State: JobStateFailed, Error: &jobErr}
}

func (o TerminalOutcome) Validate() error {
	switch o.State {
	case JobStateCompleted:
		if o.Result == nil || o.Error != nil {
			return fmt.Errorf("%w: completed outcome requires a result only", ErrValidation)
		}
	case JobStateFailed:
		if o.Error == nil || o.Result != nil {
			return fmt.Errorf("%w: failed outcome requires an error only", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: %q is not a terminal state", ErrValidation, o.State)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
