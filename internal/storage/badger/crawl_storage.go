package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/interfaces"
	"github.com/ternarybob/trawler/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CrawlStorage persists crawl descriptors via badgerhold
type CrawlStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCrawlStorage creates a new CrawlStorage instance
func NewCrawlStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CrawlStore {
	return &CrawlStorage{
		db:     db,
		logger: logger,
	}
}

// SaveCrawl inserts or updates a crawl descriptor
func (s *CrawlStorage) SaveCrawl(ctx context.Context, crawl *models.Crawl) error {
	if crawl.ID == "" {
		return fmt.Errorf("crawl ID is required")
	}
	if err := s.db.Store().Upsert(crawl.ID, crawl); err != nil {
		return fmt.Errorf("failed to save crawl: %w", err)
	}
	return nil
}

// GetCrawl retrieves a crawl descriptor by ID
func (s *CrawlStorage) GetCrawl(ctx context.Context, id string) (*models.Crawl, error) {
	var crawl models.Crawl
	err := s.db.Store().Get(id, &crawl)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crawl: %w", err)
	}
	return &crawl, nil
}

// ListCrawlsByTenant returns a tenant's crawls, newest first
func (s *CrawlStorage) ListCrawlsByTenant(ctx context.Context, tenantID string, limit int) ([]*models.Crawl, error) {
	var crawls []*models.Crawl
	query := badgerhold.Where("TenantID").Eq(tenantID).Index("TenantID").SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.db.Store().Find(&crawls, query); err != nil {
		return nil, fmt.Errorf("failed to list crawls: %w", err)
	}
	return crawls, nil
}

// DeleteCrawl removes a crawl descriptor
func (s *CrawlStorage) DeleteCrawl(ctx context.Context, id string) error {
	err := s.db.Store().Delete(id, &models.Crawl{})
	if err == badgerhold.ErrNotFound {
		return interfaces.ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete crawl: %w", err)
	}
	return nil
}
