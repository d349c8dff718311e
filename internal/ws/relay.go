package ws

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

// LogLine is the relay frame published per build output line.
type LogLine struct {
	DeploymentID string    `json:"deploymentId"`
	Line         string    `json:"line"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher pushes build log lines onto a Redis pub/sub channel so the API
// process can stream them to websocket subscribers. Everything here is
// best-effort; losing a live line never affects the persisted log.
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewPublisher constructs a relay publisher for the worker process.
func NewPublisher(client *redis.Client, channel string, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, channel: channel, logger: logger}
}

// Publish sends one log line. Failures are logged and dropped.
func (p *Publisher) Publish(ctx context.Context, deploymentID, line string) {
	payload, err := json.Marshal(LogLine{
		DeploymentID: deploymentID,
		Line:         line,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Debug("log relay publish failed", "error", err)
	}
}

// Relay subscribes to the log channel and forwards frames into the hub.
type Relay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger
}

// NewRelay constructs the API-side subscriber.
func NewRelay(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *Relay {
	return &Relay{client: client, channel: channel, hub: hub, logger: logger}
}

// Run forwards relay frames until the context ends.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var line LogLine
			if err := json.Unmarshal([]byte(msg.Payload), &line); err != nil {
				r.logger.Warn("discarding malformed relay frame", "error", err)
				continue
			}
			r.hub.Broadcast(line.DeploymentID, []byte(msg.Payload))
		}
	}
}
