// Package client is the networking collaborator for an editor binding: a
// reconnecting websocket transport that keeps a local replica fed with remote
// deltas, relays presence, and reports connection state transitions. All
// callbacks and replica/presence mutations happen on the Run goroutine, which
// keeps the binding layer's single-goroutine discipline intact.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/astromechza/sharecode/pkg/playback"
	"github.com/astromechza/sharecode/pkg/presence"
	"github.com/astromechza/sharecode/pkg/replica"
	"github.com/astromechza/sharecode/pkg/session"
)

// Status is reported on every connection state transition.
type Status struct {
	Connected bool
	CanEdit   bool
	SessionID uint64
}

// Client maintains one document connection. Create with New, drive with Run.
type Client struct {
	url      string
	token    string
	rep      *replica.Replica
	ch       *presence.Channel
	user     presence.User
	onStatus func(Status)

	conn      *websocket.Conn
	sessionID uint64
	canEdit   bool
}

// New creates a client for a document sync endpoint. The replica and channel
// are owned by the caller; the client only feeds them. The replica must start
// empty (replica.NewForPlayback): the server's snapshot carries the document
// root, and a locally-created root would conflict with it.
func New(url, token string, rep *replica.Replica, ch *presence.Channel, user presence.User, onStatus func(Status)) *Client {
	return &Client{url: url, token: token, rep: rep, ch: ch, user: user, onStatus: onStatus}
}

// CanEdit reports the capability resolved by the last successful handshake.
func (c *Client) CanEdit() bool {
	return c.canEdit
}

// SessionID reports the id assigned by the last successful handshake.
func (c *Client) SessionID() uint64 {
	return c.sessionID
}

// Publish sends a locally-produced update payload. Intended as the binding's
// publish hook. While disconnected the payload is dropped here; the replica
// retains the change and the next handshake re-uploads it in the snapshot.
func (c *Client) Publish(payload []byte) {
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		slog.Error("failed to publish update", "err", err)
	}
}

// SendPresence publishes the local presence record to the server.
func (c *Client) SendPresence(st presence.State) {
	if c.conn == nil {
		return
	}
	raw, err := presence.EncodeState(st)
	if err != nil {
		slog.Error("failed to encode presence", "err", err)
		return
	}
	msg, err := json.Marshal(session.Control{Type: "presence", State: raw})
	if err != nil {
		slog.Error("failed to encode presence frame", "err", err)
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		slog.Error("failed to send presence", "err", err)
	}
}

// Run connects and processes frames until ctx is cancelled, redialing with
// exponential backoff after every failure.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		if err := c.connectAndServe(ctx, bo.Reset); err != nil {
			slog.Error("connection lost", "err", err)
		}
		if c.onStatus != nil {
			c.onStatus(Status{Connected: false, CanEdit: c.canEdit, SessionID: c.sessionID})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// connectAndServe runs one connection lifetime; onConnected fires once the
// handshake has completed.
func (c *Client) connectAndServe(ctx context.Context, onConnected func()) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	st, err := presence.EncodeState(presence.State{User: c.user})
	if err != nil {
		return err
	}
	hello, err := json.Marshal(session.Hello{Token: c.token, State: st})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	var ack session.HelloAck
	if _, raw, err := conn.ReadMessage(); err != nil {
		return fmt.Errorf("failed to read hello ack: %w", err)
	} else if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("failed to decode hello ack: %w", err)
	}
	mt, snapshot, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if mt != websocket.BinaryMessage {
		return fmt.Errorf("expected binary snapshot frame, got %d", mt)
	}
	if _, err := c.rep.ApplyUpdate(snapshot); err != nil {
		return fmt.Errorf("failed to merge snapshot: %w", err)
	}

	c.conn = conn
	c.sessionID = ack.SessionID
	c.canEdit = ack.CanEdit
	defer func() { c.conn = nil }()

	if c.ch != nil {
		c.ch.JoinWithID(ack.SessionID, c.user)
	}
	// Upload anything the server does not have yet (offline edits).
	if err := conn.WriteMessage(websocket.BinaryMessage, c.rep.Save()); err != nil {
		return fmt.Errorf("failed to upload state: %w", err)
	}
	if onConnected != nil {
		onConnected()
	}
	if c.onStatus != nil {
		c.onStatus(Status{Connected: true, CanEdit: ack.CanEdit, SessionID: ack.SessionID})
	}

	// The watcher must not outlive this connection: done releases it when the
	// read loop returns, so reconnect cycles do not accumulate goroutines.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}
		switch mt {
		case websocket.BinaryMessage:
			if _, err := c.rep.ApplyUpdate(raw); err != nil {
				// Malformed deltas are logged and dropped; the session carries on.
				slog.Error("dropping malformed update", "err", err)
			}
		case websocket.TextMessage:
			var ctl session.Control
			if err := json.Unmarshal(raw, &ctl); err != nil {
				slog.Error("dropping malformed control frame", "err", err)
				continue
			}
			c.handleControl(ctl)
		}
	}
}

func (c *Client) handleControl(ctl session.Control) {
	if c.ch == nil {
		return
	}
	switch ctl.Type {
	case "presence":
		if err := c.ch.ApplyRemote(ctl.SessionID, ctl.State); err != nil {
			// One peer's bad record never affects the others.
			slog.Warn("dropping presence record", "session", ctl.SessionID, "err", err)
		}
	case "leave":
		c.ch.Leave(ctl.SessionID)
	}
}

// HTTPSource fetches a document's playback history over HTTP.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

// Fetch retrieves and decodes the ordered wire records for a document.
// Records that fail to decode are logged and skipped so that one bad record
// yields a partial reconstruction rather than no playback at all.
func (s HTTPSource) Fetch(ctx context.Context, documentID string) ([]playback.Record, error) {
	httpClient := s.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/documents/%s/updates", s.BaseURL, documentID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch updates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var wire []playback.WireRecord
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	out := make([]playback.Record, 0, len(wire))
	for _, w := range wire {
		rec, err := w.Decode()
		if err != nil {
			slog.Warn("skipping undecodable record", "record", w.ID, "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
