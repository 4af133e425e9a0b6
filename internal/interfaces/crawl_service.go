package interfaces

import (
	"context"

	"github.com/ternarybob/trawler/internal/models"
)

// CrawlStore persists crawl descriptors
type CrawlStore interface {
	SaveCrawl(ctx context.Context, crawl *models.Crawl) error
	GetCrawl(ctx context.Context, id string) (*models.Crawl, error)
	ListCrawlsByTenant(ctx context.Context, tenantID string, limit int) ([]*models.Crawl, error)
	DeleteCrawl(ctx context.Context, id string) error
}

// DocumentStore persists completed scrape results keyed by job ID
type DocumentStore interface {
	SaveDocument(ctx context.Context, jobID string, doc *models.Document) error
	GetDocument(ctx context.Context, jobID string) (*models.Document, error)
	GetDocuments(ctx context.Context, jobIDs []string) ([]*models.Document, error)
	DeleteDocument(ctx context.Context, jobID string) error
}
