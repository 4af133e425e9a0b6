package models

import "time"

// JobLogEntry is one status transition in a job's persisted log trail
type JobLogEntry struct {
	Time    time.Time `json:"time"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message,omitempty"`
}

// JobRecord is the queryable view of a job kept alongside the queue
// payload. The queue body is authoritative for execution; the record
// exists for the status surface and the per-job log trail.
type JobRecord struct {
	ID         string     `json:"id" badgerhold:"key"`
	URL        string     `json:"url"`
	Mode       JobMode    `json:"mode"`
	TenantID   string     `json:"tenant_id" badgerhold:"index"`
	CrawlID    string     `json:"crawl_id,omitempty" badgerhold:"index"`
	Status     JobStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Log []JobLogEntry `json:"log,omitempty"`
}

// NewJobRecord builds the initial pending record for a submitted job
func NewJobRecord(job *ScrapeJob) *JobRecord {
	now := time.Now()
	return &JobRecord{
		ID:        job.ID,
		URL:       job.URL,
		Mode:      job.Mode,
		TenantID:  job.TenantID,
		CrawlID:   job.CrawlID,
		Status:    JobStatusPending,
		CreatedAt: now,
		Log: []JobLogEntry{
			{Time: now, Status: JobStatusPending},
		},
	}
}

// IsTerminal reports whether the status ends the job's lifecycle
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
