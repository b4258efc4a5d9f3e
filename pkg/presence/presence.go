// Package presence implements the ephemeral per-peer awareness channel:
// small key-value records (identity, cursor) broadcast per connected session,
// never persisted, cleared on disconnect.
package presence

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// User identifies a peer for rendering purposes.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	ColorLight string `json:"colorLight"`
}

// Cursor is a peer's selection as a pair of content-anchored positions,
// encoded as opaque strings by the replica layer.
type Cursor struct {
	Anchor string `json:"anchor"`
	Head   string `json:"head"`
}

// State is one peer's current record. A nil Cursor means the peer has no
// selection to render.
type State struct {
	User   User    `json:"user"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

// Channel holds the live states of all connected sessions for one document,
// keyed by numeric session id. Updates are last-writer-wins per field. It is
// driven from a single event goroutine like the rest of the binding layer.
type Channel struct {
	states      map[uint64]State
	subs        map[uint64]func()
	nextSub     uint64
	nextSession uint64
}

// NewChannel creates an empty channel.
func NewChannel() *Channel {
	return &Channel{states: map[uint64]State{}, subs: map[uint64]func(){}}
}

// Join allocates a session id for a peer and publishes its initial state.
func (c *Channel) Join(u User) uint64 {
	c.nextSession++
	id := c.nextSession
	c.states[id] = State{User: u}
	c.notify()
	return id
}

// JoinWithID publishes a peer under an externally-assigned session id, as
// handed out by the document server during the connection handshake.
func (c *Channel) JoinWithID(id uint64, u User) {
	if id > c.nextSession {
		c.nextSession = id
	}
	c.states[id] = State{User: u}
	c.notify()
}

// Leave removes a session's state entirely.
func (c *Channel) Leave(id uint64) {
	if _, ok := c.states[id]; ok {
		delete(c.states, id)
		c.notify()
	}
}

// SetCursor updates a session's cursor; nil clears it.
func (c *Channel) SetCursor(id uint64, cur *Cursor) {
	s, ok := c.states[id]
	if !ok {
		return
	}
	s.Cursor = cur
	c.states[id] = s
	c.notify()
}

// SetUser updates a session's identity fields.
func (c *Channel) SetUser(id uint64, u User) {
	s, ok := c.states[id]
	if !ok {
		return
	}
	s.User = u
	c.states[id] = s
	c.notify()
}

// States returns a copy of all current session states.
func (c *Channel) States() map[uint64]State {
	out := make(map[uint64]State, len(c.states))
	for k, v := range c.states {
		out[k] = v
	}
	return out
}

// Subscription is a registered channel observer. Cancel releases it.
type Subscription struct {
	cancel func()
}

// Cancel unregisters the observer. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Subscribe registers fn to run after every channel change.
func (c *Channel) Subscribe(fn func()) *Subscription {
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	return &Subscription{cancel: func() { delete(c.subs, id) }}
}

func (c *Channel) notify() {
	for _, fn := range c.subs {
		fn()
	}
}

// ApplyRemote folds a peer record received from the wire into the session's
// state. Records are duck-typed: fields that are present overwrite, an
// explicit null cursor clears, unknown extra fields are ignored, and a record
// that is not valid JSON is rejected without touching any other peer.
func (c *Channel) ApplyRemote(id uint64, payload []byte) error {
	if !gjson.ValidBytes(payload) {
		return fmt.Errorf("malformed presence record for session %d", id)
	}
	root := gjson.ParseBytes(payload)
	s := c.states[id]

	if u := root.Get("user"); u.Exists() {
		if v := u.Get("id"); v.Exists() {
			s.User.ID = v.String()
		}
		if v := u.Get("name"); v.Exists() {
			s.User.Name = v.String()
		}
		if v := u.Get("color"); v.Exists() {
			s.User.Color = v.String()
		}
		if v := u.Get("colorLight"); v.Exists() {
			s.User.ColorLight = v.String()
		}
	}
	if cur := root.Get("cursor"); cur.Exists() {
		if cur.Type == gjson.Null {
			s.Cursor = nil
		} else {
			anchor, head := cur.Get("anchor"), cur.Get("head")
			if anchor.Exists() && head.Exists() {
				s.Cursor = &Cursor{Anchor: anchor.String(), Head: head.String()}
			}
		}
	}
	c.states[id] = s
	c.notify()
	return nil
}

// EncodeState renders a state as its wire record.
func EncodeState(s State) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode presence record: %w", err)
	}
	return raw, nil
}
