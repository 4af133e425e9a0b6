package interfaces

import (
	"context"

	"github.com/ternarybob/trawler/internal/models"
)

// JobStore persists job records for the status surface. Records carry a
// log trail of status transitions but never drive execution; the queue
// payload stays authoritative.
type JobStore interface {
	SaveJob(ctx context.Context, record *models.JobRecord) error
	GetJob(ctx context.Context, id string) (*models.JobRecord, error)

	// UpdateJobStatus moves the record to the given status, stamps the
	// transition time and appends a log entry.
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, errMsg string) error

	ListJobsByCrawl(ctx context.Context, crawlID string) ([]*models.JobRecord, error)
	CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error)
	DeleteJob(ctx context.Context, id string) error
}
