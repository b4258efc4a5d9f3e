package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/sharecode/pkg/logstore"
	"github.com/astromechza/sharecode/pkg/replica"
)

func newTestServer(t *testing.T) (*httptest.Server, *Manager, *logstore.Store) {
	t.Helper()
	store, err := logstore.Open(filepath.Join(t.TempDir(), "log.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	auth := func(ctx context.Context, token, documentID string) (bool, string, error) {
		switch token {
		case "editor":
			return true, "actor-a", nil
		case "viewer":
			return false, "actor-b", nil
		}
		return false, "", fmt.Errorf("unknown token")
	}
	mgr := NewManager(store, auth)

	router := mux.NewRouter()
	router.HandleFunc("/documents/{document}/sync", func(writer http.ResponseWriter, request *http.Request) {
		mgr.HandleSync(writer, request, mux.Vars(request)["document"])
	}).Methods(http.MethodGet)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, mgr, store
}

// dial completes the hello handshake and returns the connection together with
// the ack and the initial snapshot frame.
func dial(t *testing.T, srv *httptest.Server, documentID, token string, state json.RawMessage) (*websocket.Conn, HelloAck, []byte) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/documents/" + documentID + "/sync"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	hello, err := json.Marshal(Hello{Token: token, State: state})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, hello))

	var ack HelloAck
	mt, raw, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	require.NoError(t, json.Unmarshal(raw, &ack))
	require.Equal(t, "hello", ack.Type)

	mt, snapshot, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	return conn, ack, snapshot
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (int, []byte, error) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	return conn.ReadMessage()
}

// replicaFrom rebuilds a client-side replica from a snapshot frame.
func replicaFrom(t *testing.T, snapshot []byte) *replica.Replica {
	t.Helper()
	rep := replica.NewForPlayback()
	_, err := rep.ApplyUpdate(snapshot)
	require.NoError(t, err)
	rep.SaveIncremental()
	return rep
}

func TestHandshakeDeliversSnapshotAndCapability(t *testing.T) {
	srv, _, store := newTestServer(t)
	_, ack, snapshot := dial(t, srv, "doc1", "editor", nil)

	assert.True(t, ack.CanEdit)
	assert.NotZero(t, ack.SessionID)

	rep := replicaFrom(t, snapshot)
	text, err := rep.Text()
	require.NoError(t, err)
	assert.Equal(t, "", text)

	// Opening a fresh document logged its creation change.
	records, err := store.ListOrdered(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestUpdateIsRelayedAndLogged(t *testing.T) {
	srv, _, store := newTestServer(t)
	connA, _, snapA := dial(t, srv, "doc1", "editor", nil)
	connB, _, snapB := dial(t, srv, "doc1", "editor", nil)

	repA := replicaFrom(t, snapA)
	require.NoError(t, repA.SetActorID("cccc"))
	payload, err := repA.Splice([]replica.Splice{{Pos: 0, Text: "hello"}})
	require.NoError(t, err)
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, payload))

	mt, relayed, err := readFrame(t, connB, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)

	repB := replicaFrom(t, snapB)
	_, err = repB.ApplyUpdate(relayed)
	require.NoError(t, err)
	text, err := repB.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	// Creation record plus the accepted update, attributed to the sender.
	require.Eventually(t, func() bool {
		records, err := store.ListOrdered(context.Background(), "doc1")
		return err == nil && len(records) == 2
	}, 2*time.Second, 20*time.Millisecond)
	records, err := store.ListOrdered(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, "actor-a", records[1].ActorID)
}

func TestReadOnlyPeerUpdatesAreDiscarded(t *testing.T) {
	srv, mgr, store := newTestServer(t)
	connV, ackV, snapV := dial(t, srv, "doc1", "viewer", nil)
	connE, _, _ := dial(t, srv, "doc1", "editor", nil)

	assert.False(t, ackV.CanEdit)

	repV := replicaFrom(t, snapV)
	require.NoError(t, repV.SetActorID("dddd"))
	payload, err := repV.Splice([]replica.Splice{{Pos: 0, Text: "sneaky"}})
	require.NoError(t, err)
	require.NoError(t, connV.WriteMessage(websocket.BinaryMessage, payload))

	// The editor never sees the frame and the document is untouched.
	_, _, err = readFrame(t, connE, 300*time.Millisecond)
	require.Error(t, err)

	s, err := mgr.Get(context.Background(), "doc1")
	require.NoError(t, err)
	text, err := s.Text()
	require.NoError(t, err)
	assert.Equal(t, "", text)

	records, err := store.ListOrdered(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDuplicateDeliveryIsNotReLogged(t *testing.T) {
	srv, _, store := newTestServer(t)
	connA, _, snapA := dial(t, srv, "doc1", "editor", nil)

	repA := replicaFrom(t, snapA)
	require.NoError(t, repA.SetActorID("cccc"))
	payload, err := repA.Splice([]replica.Splice{{Pos: 0, Text: "once"}})
	require.NoError(t, err)
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, payload))
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, payload))

	require.Eventually(t, func() bool {
		records, err := store.ListOrdered(context.Background(), "doc1")
		return err == nil && len(records) == 2
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	records, err := store.ListOrdered(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Len(t, records, 2, "redelivery of an already-folded payload appends nothing")
}

func TestPresenceRelayAndLeave(t *testing.T) {
	srv, _, _ := newTestServer(t)
	connA, ackA, _ := dial(t, srv, "doc1", "editor", json.RawMessage(`{"user":{"id":"alice"}}`))
	connB, _, _ := dial(t, srv, "doc1", "viewer", nil)

	// A's hello state is replayed to the late joiner.
	mt, raw, err := readFrame(t, connB, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	var ctl Control
	require.NoError(t, json.Unmarshal(raw, &ctl))
	assert.Equal(t, "presence", ctl.Type)
	assert.Equal(t, ackA.SessionID, ctl.SessionID)
	assert.JSONEq(t, `{"user":{"id":"alice"}}`, string(ctl.State))

	// A cursor update fans out with the same session id.
	update, err := json.Marshal(Control{Type: "presence", State: json.RawMessage(`{"cursor":{"anchor":"x","head":"x"}}`)})
	require.NoError(t, err)
	require.NoError(t, connA.WriteMessage(websocket.TextMessage, update))

	_, raw, err = readFrame(t, connB, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &ctl))
	assert.Equal(t, "presence", ctl.Type)
	assert.Equal(t, ackA.SessionID, ctl.SessionID)

	// Disconnecting A produces a leave for the remaining peer.
	require.NoError(t, connA.Close())
	_, raw, err = readFrame(t, connB, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &ctl))
	assert.Equal(t, "leave", ctl.Type)
	assert.Equal(t, ackA.SessionID, ctl.SessionID)
}

func TestUnknownTokenIsRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/documents/doc1/sync"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello, err := json.Marshal(Hello{Token: "nope"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, hello))

	_, _, err = readFrame(t, conn, 2*time.Second)
	require.Error(t, err)
	var closeErr *websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	}
}

func TestConcurrentAppliesLogInFoldOrder(t *testing.T) {
	store, err := logstore.Open(filepath.Join(t.TempDir(), "log.sqlite3"))
	require.NoError(t, err)
	defer store.Close()
	mgr := NewManager(store, func(context.Context, string, string) (bool, string, error) { return true, "", nil })
	s, err := mgr.Get(context.Background(), "doc1")
	require.NoError(t, err)

	snapshot := s.rep.Save()
	const peers = 8
	payloads := make([][]byte, peers)
	for i := range payloads {
		rep := replica.NewForPlayback()
		require.NoError(t, rep.SetActorID(fmt.Sprintf("%04x", 0xaa00+i)))
		_, err := rep.ApplyUpdate(snapshot)
		require.NoError(t, err)
		rep.SaveIncremental()
		payloads[i], err = rep.Splice([]replica.Splice{{Pos: 0, Text: fmt.Sprintf("p%d ", i)}})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := range payloads {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.apply(context.Background(), &peer{sessionID: uint64(i + 1), actorID: "racer"}, payloads[i])
		}(i)
	}
	wg.Wait()

	records, err := store.ListOrdered(context.Background(), "doc1")
	require.NoError(t, err)
	require.Len(t, records, 1+peers)

	// Every record applies cleanly in stored order and the replay reproduces
	// the live text, so the log sequence matches the fold sequence.
	rep := replica.NewForPlayback()
	for _, rec := range records {
		_, err := rep.ApplyUpdate(rec.Payload)
		require.NoError(t, err)
	}
	replayed, err := rep.Text()
	require.NoError(t, err)
	live, err := s.Text()
	require.NoError(t, err)
	assert.Equal(t, live, replayed)
}

func TestSessionSurvivesReopenFromLog(t *testing.T) {
	srv, _, store := newTestServer(t)
	connA, _, snapA := dial(t, srv, "doc1", "editor", nil)

	repA := replicaFrom(t, snapA)
	require.NoError(t, repA.SetActorID("cccc"))
	payload, err := repA.Splice([]replica.Splice{{Pos: 0, Text: "durable"}})
	require.NoError(t, err)
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, payload))

	require.Eventually(t, func() bool {
		records, err := store.ListOrdered(context.Background(), "doc1")
		return err == nil && len(records) == 2
	}, 2*time.Second, 20*time.Millisecond)

	// A brand-new manager over the same store reconstructs the document.
	mgr2 := NewManager(store, func(context.Context, string, string) (bool, string, error) { return true, "", nil })
	s, err := mgr2.Get(context.Background(), "doc1")
	require.NoError(t, err)
	text, err := s.Text()
	require.NoError(t, err)
	assert.Equal(t, "durable", text)
}
