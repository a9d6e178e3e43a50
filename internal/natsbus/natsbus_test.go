package natsbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mtzanidakis/playwarden/internal/config"
	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(config.NATSConfig{
		Port:    -1, // random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func TestBusStartStop(t *testing.T) {
	bus := newTestBus(t)
	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
}

func TestPresencePubSub(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan []byte, 1)
	_, err = client.Subscribe(TopicPresenceAll, func(msg *nats.Msg) {
		received <- msg.Data
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.PublishJSON(TopicPresenceJoined, map[string]string{"name": "Alice"}); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		var got map[string]string
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got["name"] != "Alice" {
			t.Errorf("expected name Alice, got %s", got["name"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for presence event")
	}
}

func TestRequestReply(t *testing.T) {
	bus := newTestBus(t)

	server, err := NewClient(bus)
	if err != nil {
		t.Fatalf("server client: %v", err)
	}
	defer server.Close()

	_, err = server.Subscribe(TopicIdentityResolve, func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"identifier":"acc-42"}`))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	server.Flush()

	client, err := NewClientFromURL(bus.ClientURL())
	if err != nil {
		t.Fatalf("requester client: %v", err)
	}
	defer client.Close()

	resp, err := client.Request(TopicIdentityResolve, []byte(`{"name":"Alice"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(resp.Data) != `{"identifier":"acc-42"}` {
		t.Errorf("unexpected reply: %s", resp.Data)
	}
}
