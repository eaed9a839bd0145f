package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/conclave-ai/conclave/internal/model"
	"github.com/conclave-ai/conclave/internal/storage"
)

// NotifySink publishes engine events through Postgres NOTIFY so every
// replica's broker (and thus every SSE subscriber) receives them. When
// NOTIFY fails or is unavailable, events fall back to the local broker
// so single-process deployments still stream.
type NotifySink struct {
	db     *storage.DB
	broker *Broker
	logger *slog.Logger
}

// NewNotifySink creates an event sink. db and broker may each be nil.
func NewNotifySink(db *storage.DB, broker *Broker, logger *slog.Logger) *NotifySink {
	return &NotifySink{db: db, broker: broker, logger: logger}
}

// Publish sends one engine event. Best-effort: failures are logged, not
// returned, because eventing must never block or fail a state change.
func (s *NotifySink) Publish(ctx context.Context, ev model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("events: encode failed", "error", err, "type", ev.Type)
		return
	}

	if s.db != nil {
		err := s.db.Notify(ctx, storage.ChannelEvents, string(payload))
		if err == nil {
			return
		}
		s.logger.Warn("events: notify failed, falling back to local broadcast",
			"error", err, "type", ev.Type)
	}
	if s.broker != nil {
		s.broker.Broadcast(formatSSE(storage.ChannelEvents, string(payload)))
	}
}
