package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/interfaces"
)

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		// Extract common fields from payload if available
		var crawlID, jobID, status string
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			if id, ok := payload["crawl_id"].(string); ok {
				crawlID = id
			}
			if id, ok := payload["job_id"].(string); ok {
				jobID = id
			}
			if s, ok := payload["status"].(string); ok {
				status = s
			}
		}

		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		if crawlID != "" {
			logEvent = logEvent.Str("crawl_id", crawlID)
		}
		if jobID != "" {
			logEvent = logEvent.Str("job_id", jobID)
		}
		if status != "" {
			logEvent = logEvent.Str("status", status)
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	eventTypes := []interfaces.EventType{
		interfaces.EventCrawlCancelled,
		interfaces.EventCrawlFinalized,
		interfaces.EventJobCompleted,
		interfaces.EventWorkerStalled,
	}

	for _, eventType := range eventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	return nil
}
