package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/playwarden/internal/config"
)

// ErrNotConnected is returned by Execute while the channel is down; the
// reconnect loop keeps running regardless.
var ErrNotConnected = errors.New("console not connected")

// ErrMalformedPlayerList marks a command response that did not contain a
// recognizable player list. The poller counts it against the reliability
// threshold exactly like a transport failure.
var ErrMalformedPlayerList = errors.New("malformed player list response")

const listPlayersCommand = "list"

// playerListPattern matches the fixed textual form of the list response:
// "There are 3 of a max of 20 players online: Alice, Bob, Carol".
var playerListPattern = regexp.MustCompile(`There are (\d+) of a max of (\d+) players online:?\s*(.*)`)

// PlayerList is the parsed result of the list-players command.
type PlayerList struct {
	Online int
	Max    int
	Names  []string
}

// frame is the wire envelope in both directions. Responses are correlated to
// requests by identifier.
type frame struct {
	Identifier string `json:"identifier"`
	Command    string `json:"command,omitempty"`
	Success    bool   `json:"success,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Client maintains the remote-console channel to the game server. A dropped
// connection is redialed on a fixed interval until it comes back; command
// failures surface as error results, never as panics.
type Client struct {
	cfg config.ConsoleConfig

	mu            sync.Mutex
	conn          *websocket.Conn
	authenticated bool
	pending       map[string]chan frame

	writeMu sync.Mutex
}

func New(cfg config.ConsoleConfig) *Client {
	return &Client{
		cfg:     cfg,
		pending: make(map[string]chan frame),
	}
}

// Connect performs the initial dial and starts the reconnect loop. The
// returned error reports only the first attempt; the loop keeps retrying
// every reconnect_interval until the context is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	err := c.dial(ctx)
	if err != nil {
		slog.Warn("console dial failed, will retry", "url", c.cfg.URL, "error", err)
	}
	go c.reconnectLoop(ctx)
	return err
}

func (c *Client) reconnectLoop(ctx context.Context) {
	interval := c.cfg.ReconnectInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-ticker.C:
			if c.IsConnected() {
				continue
			}
			if err := c.dial(ctx); err != nil {
				slog.Warn("console reconnect failed", "url", c.cfg.URL, "error", err)
			} else {
				slog.Info("console reconnected", "url", c.cfg.URL)
			}
		}
	}
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial console: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.authenticated = c.cfg.Password == ""
	c.mu.Unlock()

	go c.readLoop(conn)

	if c.cfg.Password != "" {
		resp, err := c.roundTrip(ctx, "login "+c.cfg.Password)
		if err != nil || !resp.Success {
			c.teardown(conn, fmt.Errorf("console auth rejected"))
			if err != nil {
				return fmt.Errorf("console auth: %w", err)
			}
			return fmt.Errorf("console auth rejected")
		}
		c.mu.Lock()
		c.authenticated = true
		c.mu.Unlock()
	}

	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.teardown(conn, err)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[f.Identifier]
		if ok {
			delete(c.pending, f.Identifier)
		}
		c.mu.Unlock()

		if ok {
			ch <- f
		}
		// Unsolicited frames (chat, server log lines) are dropped here;
		// the log tailer feeding the ingest topics owns those.
	}
}

// teardown marks the connection down and fails every in-flight request.
// Only the current connection may tear state down; a stale read loop from a
// previous connection is ignored.
func (c *Client) teardown(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = nil
	c.authenticated = false
	pending := c.pending
	c.pending = make(map[string]chan frame)
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	if err != nil {
		slog.Warn("console connection lost", "url", c.cfg.URL, "error", err)
	}
}

// IsConnected reports whether the channel is open and authenticated.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.authenticated
}

// Execute runs a command over the channel and returns its textual response.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	if !c.IsConnected() {
		return "", ErrNotConnected
	}
	resp, err := c.roundTrip(ctx, command)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("command rejected: %s", resp.Message)
	}
	return resp.Message, nil
}

func (c *Client) roundTrip(ctx context.Context, command string) (frame, error) {
	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := uuid.New().String()
	ch := make(chan frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return frame{}, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	// gorilla/websocket allows a single concurrent writer
	c.writeMu.Lock()
	err := conn.WriteJSON(frame{Identifier: id, Command: command})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return frame{}, fmt.Errorf("write command: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return frame{}, fmt.Errorf("await response: %w", ctx.Err())
	case f, ok := <-ch:
		if !ok {
			return frame{}, ErrNotConnected
		}
		return f, nil
	}
}

// Players issues the list-players command and parses the response. A response
// that does not match the expected pattern yields a zero-valued PlayerList
// and ErrMalformedPlayerList.
func (c *Client) Players(ctx context.Context) (PlayerList, error) {
	resp, err := c.Execute(ctx, listPlayersCommand)
	if err != nil {
		return PlayerList{}, err
	}
	return ParsePlayerList(resp)
}

// ParsePlayerList extracts the online count, capacity and comma-separated
// names from a list-players response.
func ParsePlayerList(response string) (PlayerList, error) {
	m := playerListPattern.FindStringSubmatch(response)
	if m == nil {
		return PlayerList{}, ErrMalformedPlayerList
	}

	online, err := strconv.Atoi(m[1])
	if err != nil {
		return PlayerList{}, ErrMalformedPlayerList
	}
	max, err := strconv.Atoi(m[2])
	if err != nil {
		return PlayerList{}, ErrMalformedPlayerList
	}

	var names []string
	for _, part := range strings.Split(m[3], ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}

	return PlayerList{Online: online, Max: max, Names: names}, nil
}

// Close tears down the current connection. The reconnect loop, if still
// running, will keep redialing; cancel its context to stop for good.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.teardown(conn, nil)
	}
}
