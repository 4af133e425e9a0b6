package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/interfaces"
	"github.com/ternarybob/trawler/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// maxJobLogEntries bounds the persisted transition trail per job
const maxJobLogEntries = 32

// JobStorage persists job records via badgerhold
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStore {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// SaveJob inserts or updates a job record
func (s *JobStorage) SaveJob(ctx context.Context, record *models.JobRecord) error {
	if record.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if err := s.db.Store().Upsert(record.ID, record); err != nil {
		return fmt.Errorf("failed to save job record: %w", err)
	}
	return nil
}

// GetJob retrieves a job record by ID
func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	var record models.JobRecord
	err := s.db.Store().Get(id, &record)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}
	return &record, nil
}

// UpdateJobStatus moves a record through its lifecycle. Each transition
// appends to the log trail; terminal states stamp FinishedAt.
func (s *JobStorage) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, errMsg string) error {
	record, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}

	// Terminal states win races with late heartbeat transitions
	if record.Status.IsTerminal() && !status.IsTerminal() {
		return nil
	}

	now := time.Now()
	record.Status = status
	if errMsg != "" {
		record.Error = errMsg
	}
	switch {
	case status == models.JobStatusActive && record.StartedAt == nil:
		record.StartedAt = &now
	case status.IsTerminal():
		record.FinishedAt = &now
	}

	record.Log = append(record.Log, models.JobLogEntry{
		Time:    now,
		Status:  status,
		Message: errMsg,
	})
	if len(record.Log) > maxJobLogEntries {
		record.Log = record.Log[len(record.Log)-maxJobLogEntries:]
	}

	return s.SaveJob(ctx, record)
}

// ListJobsByCrawl returns a crawl's job records in enrollment order
func (s *JobStorage) ListJobsByCrawl(ctx context.Context, crawlID string) ([]*models.JobRecord, error) {
	var records []*models.JobRecord
	query := badgerhold.Where("CrawlID").Eq(crawlID).Index("CrawlID").SortBy("CreatedAt")
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list crawl jobs: %w", err)
	}
	return records, nil
}

// CountJobsByStatus counts records in the given status
func (s *JobStorage) CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	count, err := s.db.Store().Count(&models.JobRecord{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count job records: %w", err)
	}
	return int(count), nil
}

// DeleteJob removes a job record
func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	err := s.db.Store().Delete(id, &models.JobRecord{})
	if err == badgerhold.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete job record: %w", err)
	}
	return nil
}
