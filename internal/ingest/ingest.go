package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/playwarden/internal/natsbus"
)

// Tracker is the slice of the session tracker the ingest adapter drives.
type Tracker interface {
	PlayerJoined(ctx context.Context, name string) error
	PlayerLeft(ctx context.Context, name string) error
}

// playerEvent is the wire payload the game server publishes on join and
// leave; only the player name is carried.
type playerEvent struct {
	Name string `json:"name"`
}

// Ingest subscribes to the game server's player join and leave topics and
// forwards each event to the tracker.
type Ingest struct {
	client  *natsbus.Client
	tracker Tracker
	subs    []*nats.Subscription
}

func New(client *natsbus.Client, tracker Tracker) *Ingest {
	return &Ingest{client: client, tracker: tracker}
}

// Start subscribes to the player event topics. Events are handled on the
// NATS delivery goroutine; malformed payloads are logged and dropped.
func (i *Ingest) Start(ctx context.Context) error {
	joined, err := i.client.Subscribe(natsbus.TopicServerPlayerJoined, func(msg *nats.Msg) {
		i.handle(ctx, msg, "joined", i.tracker.PlayerJoined)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", natsbus.TopicServerPlayerJoined, err)
	}
	i.subs = append(i.subs, joined)

	left, err := i.client.Subscribe(natsbus.TopicServerPlayerLeft, func(msg *nats.Msg) {
		i.handle(ctx, msg, "left", i.tracker.PlayerLeft)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", natsbus.TopicServerPlayerLeft, err)
	}
	i.subs = append(i.subs, left)

	slog.Info("player event ingest started",
		"topics", []string{natsbus.TopicServerPlayerJoined, natsbus.TopicServerPlayerLeft})
	return nil
}

func (i *Ingest) handle(ctx context.Context, msg *nats.Msg, kind string, fn func(context.Context, string) error) {
	var ev playerEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		slog.Warn("dropping malformed player event", "topic", msg.Subject, "error", err)
		return
	}
	if ev.Name == "" {
		slog.Warn("dropping player event without a name", "topic", msg.Subject)
		return
	}
	if err := fn(ctx, ev.Name); err != nil {
		slog.Error("player event handling failed", "event", kind, "name", ev.Name, "error", err)
	}
}

// Stop drains the subscriptions so in-flight events finish before shutdown.
func (i *Ingest) Stop() {
	for _, sub := range i.subs {
		if err := sub.Drain(); err != nil {
			slog.Warn("drain subscription failed", "error", err)
		}
	}
	i.subs = nil
}
