package tracker

import (
	"log/slog"
	"time"

	"github.com/mtzanidakis/playwarden/internal/natsbus"
)

// JoinedEvent is emitted when a session opens.
type JoinedEvent struct {
	EventID    string    `json:"event_id"`
	Name       string    `json:"name"`
	Identifier string    `json:"identifier"`
	Timestamp  time.Time `json:"timestamp"`
}

// LeftEvent is emitted when a session closes, whether by explicit leave,
// watchdog timeout, rejoin or shutdown drain.
type LeftEvent struct {
	EventID           string    `json:"event_id"`
	Name              string    `json:"name"`
	Identifier        string    `json:"identifier"`
	SessionDurationMs int64     `json:"session_duration_ms"`
	Reason            string    `json:"reason"`
	Timestamp         time.Time `json:"timestamp"`
}

// Session close reasons carried on LeftEvent and the session log.
const (
	ReasonLeave    = "leave"
	ReasonTimeout  = "timeout"
	ReasonRejoin   = "rejoin"
	ReasonShutdown = "shutdown"
)

// Publisher receives tracker notifications. Implementations must not block;
// delivery is best-effort.
type Publisher interface {
	PublishJoined(e JoinedEvent)
	PublishLeft(e LeftEvent)
}

// BusPublisher forwards tracker events onto the NATS bus. Watchdog closures
// additionally go to the watchdog topic so operators can alert on them.
type BusPublisher struct {
	client *natsbus.Client
}

func NewBusPublisher(client *natsbus.Client) *BusPublisher {
	return &BusPublisher{client: client}
}

func (p *BusPublisher) PublishJoined(e JoinedEvent) {
	if err := p.client.PublishJSON(natsbus.TopicPresenceJoined, e); err != nil {
		slog.Error("publish joined event failed", "identifier", e.Identifier, "error", err)
	}
}

func (p *BusPublisher) PublishLeft(e LeftEvent) {
	if err := p.client.PublishJSON(natsbus.TopicPresenceLeft, e); err != nil {
		slog.Error("publish left event failed", "identifier", e.Identifier, "error", err)
	}
	if e.Reason == ReasonTimeout {
		if err := p.client.PublishJSON(natsbus.TopicPresenceWatchdog, e); err != nil {
			slog.Error("publish watchdog event failed", "identifier", e.Identifier, "error", err)
		}
	}
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) PublishJoined(JoinedEvent) {}
func (NopPublisher) PublishLeft(LeftEvent)     {}
