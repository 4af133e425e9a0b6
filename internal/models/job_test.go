package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrapeJobValidate(t *testing.T) {
	valid := func() *ScrapeJob {
		return &ScrapeJob{
			ID:       "job-1",
			URL:      "https://example.com",
			Mode:     ModeSingle,
			TenantID: "tenant-1",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*ScrapeJob)
		wantErr string
	}{
		{name: "Valid single", mutate: func(j *ScrapeJob) {}},
		{name: "Missing ID", mutate: func(j *ScrapeJob) { j.ID = "" }, wantErr: "job ID is required"},
		{name: "Missing URL", mutate: func(j *ScrapeJob) { j.URL = "" }, wantErr: "job URL is required"},
		{name: "Missing tenant", mutate: func(j *ScrapeJob) { j.TenantID = "" }, wantErr: "tenant ID is required"},
		{name: "Invalid mode", mutate: func(j *ScrapeJob) { j.Mode = "bulk" }, wantErr: "invalid job mode"},
		{
			name:    "Kickoff without crawl ID",
			mutate:  func(j *ScrapeJob) { j.Mode = ModeKickoff },
			wantErr: "crawl ID is required",
		},
		{
			name:    "Child without crawl ID",
			mutate:  func(j *ScrapeJob) { j.Mode = ModeCrawlChild },
			wantErr: "crawl ID is required",
		},
		{
			name: "Kickoff with crawl ID",
			mutate: func(j *ScrapeJob) {
				j.Mode = ModeKickoff
				j.CrawlID = "crawl-1"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := valid()
			tt.mutate(job)
			err := job.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestScrapeJobQueueRoundTrip(t *testing.T) {
	job := &ScrapeJob{
		ID:       "job-1",
		URL:      "https://example.com/page",
		Mode:     ModeCrawlChild,
		TenantID: "tenant-1",
		Plan:     PlanStandard,
		CrawlID:  "crawl-1",
		Depth:    3,
		Options:  ScrapeOptions{Formats: []string{"markdown", "links"}},
		Webhook:  &WebhookSpec{URL: "https://example.com/hook", Events: []string{"page"}},
	}

	data, err := job.ToJSON()
	require.NoError(t, err)

	decoded, err := ScrapeJobFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, job.Mode, decoded.Mode)
	assert.Equal(t, job.Depth, decoded.Depth)
	assert.Equal(t, job.Webhook.Events, decoded.Webhook.Events)
}

func TestScrapeJobFromJSONMalformed(t *testing.T) {
	_, err := ScrapeJobFromJSON([]byte("{not json"))
	assert.Error(t, err)
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusActive.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
}

func TestNewJobRecord(t *testing.T) {
	job := &ScrapeJob{
		ID:       "job-1",
		URL:      "https://example.com",
		Mode:     ModeSingle,
		TenantID: "tenant-1",
	}

	rec := NewJobRecord(job)
	assert.Equal(t, job.ID, rec.ID)
	assert.Equal(t, JobStatusPending, rec.Status)
	assert.Nil(t, rec.StartedAt)
	assert.Nil(t, rec.FinishedAt)
	require.Len(t, rec.Log, 1)
	assert.Equal(t, JobStatusPending, rec.Log[0].Status)
}

func TestDeriveCrawlStatus(t *testing.T) {
	tests := []struct {
		name                   string
		cancelled              bool
		kickoffFinished        bool
		done, failed, enrolled int
		want                   CrawlStatus
	}{
		{name: "Cancelled wins", cancelled: true, kickoffFinished: true, done: 5, enrolled: 5, want: CrawlStatusCancelled},
		{name: "All done", kickoffFinished: true, done: 5, enrolled: 5, want: CrawlStatusCompleted},
		{name: "Empty crawl completes", kickoffFinished: true, done: 0, enrolled: 0, want: CrawlStatusCompleted},
		{name: "Kickoff not yet picked up", kickoffFinished: false, done: 0, enrolled: 0, want: CrawlStatusPending},
		{name: "Kickoff still discovering", kickoffFinished: false, done: 3, enrolled: 3, want: CrawlStatusScraping},
		{name: "Pages outstanding", kickoffFinished: true, done: 3, enrolled: 5, want: CrawlStatusScraping},
		{name: "Every page failed", kickoffFinished: true, done: 5, failed: 5, enrolled: 5, want: CrawlStatusFailed},
		{name: "Partial failures complete", kickoffFinished: true, done: 5, failed: 2, enrolled: 5, want: CrawlStatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveCrawlStatus(tt.cancelled, tt.kickoffFinished, tt.done, tt.failed, tt.enrolled)
			assert.Equal(t, tt.want, got)
		})
	}
}
