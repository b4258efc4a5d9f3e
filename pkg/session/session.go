// Package session hosts the authoritative server side of a live document: one
// replica per document, a hub of websocket peers, presence relay, and the
// append of every accepted mutation to the update log.
//
// Wire protocol per connection: the client opens with a JSON hello carrying
// its token and identity; the server answers with the allocated session id
// and resolved edit capability, then one binary frame holding the full
// document snapshot. After that, binary frames are opaque incremental update
// payloads in both directions and text frames are JSON presence/leave
// control messages.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/sharecode/pkg/logstore"
	"github.com/astromechza/sharecode/pkg/replica"
)

// Authorizer resolves the effective capability of a token for a document.
// It is the boundary to the accounts/permissions collaborator: this core only
// consumes the resulting canEdit flag and actor identity.
type Authorizer func(ctx context.Context, token, documentID string) (canEdit bool, actorID string, err error)

// Hello is the first client frame on a sync connection.
type Hello struct {
	Token string          `json:"token"`
	State json.RawMessage `json:"state,omitempty"`
}

// HelloAck is the server's reply.
type HelloAck struct {
	Type      string `json:"type"`
	SessionID uint64 `json:"sessionId"`
	CanEdit   bool   `json:"canEdit"`
}

// Control is a presence or leave relay frame.
type Control struct {
	Type      string          `json:"type"`
	SessionID uint64          `json:"sessionId"`
	State     json.RawMessage `json:"state,omitempty"`
}

type peer struct {
	sessionID uint64
	actorID   string
	canEdit   bool
	send      chan frame
}

type frame struct {
	binary bool
	data   []byte
}

// Session is the authoritative live state of one document.
type Session struct {
	documentID string
	log        *logstore.Store

	mu       sync.Mutex
	rep      *replica.Replica
	peers    map[*peer]bool
	presence map[uint64]json.RawMessage
	nextID   uint64
}

// open restores the live replica by folding the document's logged updates in
// stored order. A document with no history gets a fresh replica whose
// creation change becomes the first log record.
func open(ctx context.Context, documentID string, log *logstore.Store) (*Session, error) {
	records, err := log.ListOrdered(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	s := &Session{
		documentID: documentID,
		log:        log,
		peers:      map[*peer]bool{},
		presence:   map[uint64]json.RawMessage{},
	}
	if len(records) == 0 {
		rep, err := replica.New()
		if err != nil {
			return nil, err
		}
		s.rep = rep
		if _, err := log.Append(ctx, documentID, rep.SaveIncremental(), ""); err != nil {
			// Availability over durability: the live session carries on.
			slog.Error("failed to append creation record", "document", documentID, "err", err)
		}
		return s, nil
	}
	rep := replica.NewForPlayback()
	for _, rec := range records {
		if _, err := rep.ApplyUpdate(rec.Payload); err != nil {
			slog.Warn("skipping unreplayable record", "document", documentID, "record", rec.ID, "err", err)
		}
	}
	// Mark everything already folded as saved so the next incremental save
	// only carries new mutations.
	rep.SaveIncremental()
	s.rep = rep
	return s, nil
}

// Text returns the current authoritative text.
func (s *Session) Text() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rep.Text()
}

// apply folds one peer's payload into the live replica, appends the accepted
// mutation to the log and relays it to every other peer. Malformed payloads
// are logged and dropped; a failed append never interrupts the session.
func (s *Session) apply(ctx context.Context, from *peer, payload []byte) {
	s.mu.Lock()
	if _, err := s.rep.ApplyUpdate(payload); err != nil {
		s.mu.Unlock()
		slog.Error("dropping malformed update", "document", s.documentID, "actor", from.actorID, "err", err)
		return
	}
	accepted := s.rep.SaveIncremental()
	if len(accepted) == 0 {
		// Duplicate delivery: already folded, nothing new to log or relay.
		s.mu.Unlock()
		return
	}
	// Appended before the lock is released so that log order always matches
	// fold order, even with peers racing.
	if _, err := s.log.Append(ctx, s.documentID, accepted, from.actorID); err != nil {
		slog.Error("failed to append update", "document", s.documentID, "err", err)
	}
	targets := s.peersExcept(from)
	s.mu.Unlock()

	for _, p := range targets {
		p.enqueue(frame{binary: true, data: accepted})
	}
}

// relayPresence stores the peer's latest record and fans it out.
func (s *Session) relayPresence(from *peer, state json.RawMessage) {
	s.mu.Lock()
	s.presence[from.sessionID] = state
	targets := s.peersExcept(from)
	s.mu.Unlock()

	msg, err := json.Marshal(Control{Type: "presence", SessionID: from.sessionID, State: state})
	if err != nil {
		slog.Error("failed to encode presence relay", "err", err)
		return
	}
	for _, p := range targets {
		p.enqueue(frame{data: msg})
	}
}

func (s *Session) peersExcept(from *peer) []*peer {
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		if p != from {
			out = append(out, p)
		}
	}
	return out
}

func (p *peer) enqueue(f frame) {
	select {
	case p.send <- f:
	default:
		// Slow consumer: drop rather than stall the document. The replica on
		// the other side reconciles on its next snapshot.
		slog.Warn("dropping frame for slow peer", "session", p.sessionID)
	}
}

// Manager owns all live document sessions in the process.
type Manager struct {
	log  *logstore.Store
	auth Authorizer

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager over the given log store.
func NewManager(log *logstore.Store, auth Authorizer) *Manager {
	return &Manager{log: log, auth: auth, sessions: map[string]*Session{}}
}

// Get returns the live session for a document, opening it on first use.
func (m *Manager) Get(ctx context.Context, documentID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[documentID]; ok {
		return s, nil
	}
	s, err := open(ctx, documentID, m.log)
	if err != nil {
		return nil, err
	}
	m.sessions[documentID] = s
	return s, nil
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

// HandleSync upgrades an HTTP request to a document sync connection. The
// capability is resolved from the hello token before any delta is delivered;
// read-only peers still receive every update but their own binary frames are
// discarded.
func (m *Manager) HandleSync(writer http.ResponseWriter, request *http.Request, documentID string) {
	ctx := request.Context()
	s, err := m.Get(ctx, documentID)
	if err != nil {
		slog.Error("failed to open session", "document", documentID, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	var hello Hello
	if _, raw, err := conn.ReadMessage(); err != nil {
		slog.Error("failed to read hello", "err", err)
		return
	} else if err := json.Unmarshal(raw, &hello); err != nil {
		slog.Error("failed to decode hello", "err", err)
		return
	}
	canEdit, actorID, err := m.auth(ctx, hello.Token, documentID)
	if err != nil {
		slog.Error("failed to authorize", "document", documentID, "err", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), closeDeadline())
		return
	}

	p := &peer{actorID: actorID, canEdit: canEdit, send: make(chan frame, 64)}

	s.mu.Lock()
	s.nextID++
	p.sessionID = s.nextID
	s.peers[p] = true
	snapshot := s.rep.Save()
	existing := make(map[uint64]json.RawMessage, len(s.presence))
	for id, st := range s.presence {
		existing[id] = st
	}
	s.mu.Unlock()

	ack, _ := json.Marshal(HelloAck{Type: "hello", SessionID: p.sessionID, CanEdit: canEdit})
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		s.drop(p)
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, snapshot); err != nil {
		s.drop(p)
		return
	}
	for id, st := range existing {
		if msg, err := json.Marshal(Control{Type: "presence", SessionID: id, State: st}); err == nil {
			p.enqueue(frame{data: msg})
		}
	}
	if len(hello.State) > 0 {
		s.relayPresence(p, hello.State)
	}

	done := make(chan struct{})
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case f := <-p.send:
				mt := websocket.TextMessage
				if f.binary {
					mt = websocket.BinaryMessage
				}
				if err := conn.WriteMessage(mt, f.data); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch mt {
		case websocket.BinaryMessage:
			if !p.canEdit {
				slog.Warn("discarding update from read-only peer", "document", documentID, "session", p.sessionID)
				continue
			}
			s.apply(ctx, p, raw)
		case websocket.TextMessage:
			var ctl Control
			if err := json.Unmarshal(raw, &ctl); err != nil {
				slog.Error("dropping malformed control frame", "session", p.sessionID, "err", err)
				continue
			}
			if ctl.Type == "presence" {
				s.relayPresence(p, ctl.State)
			}
		}
	}

	close(done)
	wg.Wait()
	s.drop(p)
}

// drop removes a peer, clears its transient presence state and tells everyone
// else it left.
func (s *Session) drop(p *peer) {
	s.mu.Lock()
	if !s.peers[p] {
		s.mu.Unlock()
		return
	}
	delete(s.peers, p)
	delete(s.presence, p.sessionID)
	targets := s.peersExcept(p)
	s.mu.Unlock()

	if msg, err := json.Marshal(Control{Type: "leave", SessionID: p.sessionID}); err == nil {
		for _, t := range targets {
			t.enqueue(frame{data: msg})
		}
	}
}
