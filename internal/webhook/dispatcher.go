package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/interfaces"
	"github.com/ternarybob/trawler/internal/models"
	"golang.org/x/time/rate"
)

// Dispatcher posts webhook events to tenant endpoints. Delivery is fire
// and forget: one POST with a hard timeout, failures logged, no retries.
// Idempotency on the receiving side comes from the event type plus ID.
type Dispatcher struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  arbor.ILogger
}

// NewDispatcher creates the webhook dispatcher
func NewDispatcher(config *common.WebhookConfig, logger arbor.ILogger) interfaces.WebhookDispatcher {
	timeout := common.ParseDurationOr(config.Timeout, 10*time.Second)
	perSec := config.RatePerSec
	if perSec <= 0 {
		perSec = 10
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 5
	}
	return &Dispatcher{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		logger:  logger,
	}
}

// Dispatch delivers an event if the spec subscribes to its sub-type.
// Blocks on the outbound rate limiter, then posts synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, spec *models.WebhookSpec, event models.WebhookEvent) {
	if spec == nil || spec.URL == "" {
		return
	}
	if !spec.Wants(event.Type.Subtype()) {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Metadata == nil {
		event.Metadata = spec.Metadata
	}

	if err := d.limiter.Wait(ctx); err != nil {
		d.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Webhook delivery abandoned before send")
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error().Err(err).Str("event", string(event.Type)).Msg("Failed to marshal webhook event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error().Err(err).Str("url", spec.URL).Msg("Failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("url", spec.URL).
			Str("event", string(event.Type)).
			Str("id", event.ID).
			Msg("Webhook delivery failed")
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.logger.Warn().
			Int("status", resp.StatusCode).
			Str("url", spec.URL).
			Str("event", string(event.Type)).
			Str("id", event.ID).
			Msg("Webhook endpoint returned non-success status")
		return
	}

	d.logger.Debug().
		Str("event", string(event.Type)).
		Str("id", event.ID).
		Msg("Webhook delivered")
}

// Close is part of the dispatcher lifecycle; nothing is held open
func (d *Dispatcher) Close() error {
	return nil
}
