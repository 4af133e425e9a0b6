package interfaces

import (
	"context"

	"github.com/ternarybob/trawler/internal/models"
)

// WebhookDispatcher delivers events to tenant-configured endpoints.
// Delivery is best effort; failures are logged, never retried.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, spec *models.WebhookSpec, event models.WebhookEvent)
	Close() error
}
