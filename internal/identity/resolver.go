package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/playwarden/internal/natsbus"
)

// Resolver maps a mutable display name to a stable account identifier.
// Resolution is best-effort: a failed lookup aborts the join it was part of
// but never crashes the tracker.
type Resolver interface {
	Resolve(ctx context.Context, displayName string) (string, error)
}

// local derives identifiers deterministically from the display name, for
// standalone deployments with no resolver service. The same name always maps
// to the same identifier.
type local struct {
	namespace uuid.UUID
}

// accountNamespace is a fixed UUIDv5 namespace for derived identifiers.
var accountNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func NewLocal() Resolver {
	return &local{namespace: accountNamespace}
}

func (l *local) Resolve(ctx context.Context, displayName string) (string, error) {
	if displayName == "" {
		return "", fmt.Errorf("empty display name")
	}
	return uuid.NewSHA1(l.namespace, []byte(displayName)).String(), nil
}

// remote asks an external resolver service over the bus via request/reply.
type remote struct {
	client  *natsbus.Client
	timeout time.Duration
}

func NewRemote(client *natsbus.Client, timeout time.Duration) Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &remote{client: client, timeout: timeout}
}

type resolveRequest struct {
	Name string `json:"name"`
}

type resolveReply struct {
	Identifier string `json:"identifier"`
	Error      string `json:"error,omitempty"`
}

func (r *remote) Resolve(ctx context.Context, displayName string) (string, error) {
	if displayName == "" {
		return "", fmt.Errorf("empty display name")
	}

	req, err := json.Marshal(resolveRequest{Name: displayName})
	if err != nil {
		return "", fmt.Errorf("marshal resolve request: %w", err)
	}

	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	msg, err := r.client.Request(natsbus.TopicIdentityResolve, req, timeout)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", displayName, err)
	}

	var reply resolveReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("parse resolve reply: %w", err)
	}
	if reply.Error != "" {
		return "", fmt.Errorf("resolve %q: %s", displayName, reply.Error)
	}
	if reply.Identifier == "" {
		return "", fmt.Errorf("resolve %q: no identifier", displayName)
	}
	return reply.Identifier, nil
}
