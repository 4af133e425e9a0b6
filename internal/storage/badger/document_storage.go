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

// storedDocument wraps a scrape result with its job key for badgerhold
type storedDocument struct {
	JobID    string          `badgerhold:"key"`
	Document models.Document
	SavedAt  time.Time
}

// DocumentStorage persists completed scrape results keyed by job ID
type DocumentStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDocumentStorage creates a new DocumentStorage instance
func NewDocumentStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DocumentStore {
	return &DocumentStorage{
		db:     db,
		logger: logger,
	}
}

// SaveDocument stores the result of a completed scrape
func (s *DocumentStorage) SaveDocument(ctx context.Context, jobID string, doc *models.Document) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}
	rec := storedDocument{
		JobID:    jobID,
		Document: *doc,
		SavedAt:  time.Now(),
	}
	if err := s.db.Store().Upsert(jobID, &rec); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// GetDocument retrieves a scrape result by job ID
func (s *DocumentStorage) GetDocument(ctx context.Context, jobID string) (*models.Document, error) {
	var rec storedDocument
	err := s.db.Store().Get(jobID, &rec)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &rec.Document, nil
}

// GetDocuments retrieves results for a set of jobs, skipping missing ones
func (s *DocumentStorage) GetDocuments(ctx context.Context, jobIDs []string) ([]*models.Document, error) {
	docs := make([]*models.Document, 0, len(jobIDs))
	for _, id := range jobIDs {
		doc, err := s.GetDocument(ctx, id)
		if err == interfaces.ErrKeyNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// DeleteDocument removes a stored result. Used for zero-data-retention jobs.
func (s *DocumentStorage) DeleteDocument(ctx context.Context, jobID string) error {
	err := s.db.Store().Delete(jobID, &storedDocument{})
	if err == badgerhold.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}
