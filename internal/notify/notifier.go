// Package notify is the best-effort ingestion progress feed over Redis
// pub/sub. Events published before a subscriber attaches are lost; the
// ledger, not this stream, is authoritative for job state.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Event is one progress update for a file within a batch.
type Event struct {
	File     string  `json:"file"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Notifier publishes and subscribes to per-batch event channels.
type Notifier struct {
	db     *redis.Client
	logger *slog.Logger
}

// New wraps an existing Redis client.
func New(db *redis.Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{db: db, logger: logger}
}

func channelName(batch string) string {
	return fmt.Sprintf("batch:%s", batch)
}

// Publish sends one event to the batch channel. Fire and forget: a publish
// failure is logged, never surfaced, so progress reporting cannot abort a
// job.
func (n *Notifier) Publish(ctx context.Context, batch string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("failed to encode progress event", "batch", batch, "error", err)
		return
	}
	if err := n.db.Publish(ctx, channelName(batch), payload).Err(); err != nil {
		n.logger.Warn("failed to publish progress event", "batch", batch, "error", err)
	}
}

// Subscribe returns a stream of events for one batch. The returned channel
// closes when ctx is cancelled or the underlying subscription drops.
func (n *Notifier) Subscribe(ctx context.Context, batch string) <-chan Event {
	sub := n.db.Subscribe(ctx, channelName(batch))
	out := make(chan Event)

	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					n.logger.Warn("dropping undecodable progress event",
						"batch", batch, "error", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
