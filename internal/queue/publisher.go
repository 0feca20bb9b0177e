package queue

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/rba-platform/login-guard/internal/models"
)

// EventPublisher pushes scored-login events onto a Redis stream for
// offline analysis and threshold recalibration jobs.
type EventPublisher struct {
	client *redis.Client
	stream string
}

func NewEventPublisher(client *redis.Client, stream string) *EventPublisher {
	return &EventPublisher{client: client, stream: stream}
}

// PublishLoginScored appends the event to the stream. Failures are
// logged and swallowed: scoring telemetry must never fail a login.
func (p *EventPublisher) PublishLoginScored(ctx context.Context, event *models.LoginScoredEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal login event")
		return
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{
			"login_id": event.LoginID,
			"user_id":  event.UserID,
			"payload":  payload,
		},
	}).Err()
	if err != nil {
		log.Error().Err(err).Str("stream", p.stream).Msg("Failed to publish login event")
	}
}
