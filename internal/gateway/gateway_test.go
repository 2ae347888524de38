package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"collabtext/realtime/internal/access"
	"collabtext/realtime/internal/metrics"
	"collabtext/realtime/internal/persist"
	"collabtext/realtime/internal/protocol"
	"collabtext/realtime/internal/replica"
	"collabtext/realtime/internal/session"
)

type gatedStore struct {
	*persist.MemoryStore
	gate chan struct{}
	err  error
}

func newGatedStore() *gatedStore {
	s := &gatedStore{MemoryStore: persist.NewMemoryStore(), gate: make(chan struct{})}
	s.Create("doc")
	return s
}

func (s *gatedStore) LoadState(ctx context.Context, id string) ([]byte, error) {
	<-s.gate
	if s.err != nil {
		return nil, s.err
	}
	return s.MemoryStore.LoadState(ctx, id)
}

type env struct {
	t       *testing.T
	g       *Gateway
	m       *session.Manager
	tokens  *access.Tokens
	clock   *clock.Mock
	srv     *httptest.Server
	wsURL   string
	httpURL string
}

func newEnv(t *testing.T, store persist.StateStore) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := access.NewMemoryDirectory()
	dir.AddDocument(access.Document{ID: "doc", OwnerID: "alice"})
	dir.AddDocument(access.Document{ID: "doc2", OwnerID: "alice"})
	dir.AddUser(access.User{ID: "alice", DisplayName: "Alice"})
	dir.AddUser(access.User{ID: "bob", DisplayName: "Bob"})
	dir.AddShare(access.Share{Token: "edit", DocumentID: "doc", Permission: access.PermissionEdit})
	dir.AddShare(access.Share{Token: "view", DocumentID: "doc", Permission: access.PermissionView})
	dir.AddShare(access.Share{Token: "other", DocumentID: "doc2", Permission: access.PermissionEdit})
	dir.AddShare(access.Share{
		Token:      "old",
		DocumentID: "doc",
		Permission: access.PermissionEdit,
		ExpiresAt:  time.Now().Add(-time.Hour),
	})

	tokens := access.NewTokens("secret")
	mock := clock.NewMock()
	m := session.NewManager(store, session.Options{Logger: logger})
	t.Cleanup(m.Scheduler().Stop)
	g := New(m, access.NewResolver(dir, access.ResolverOptions{Tokens: tokens}), Options{
		ProcessID: "test-process",
		Clock:     mock,
		Logger:    logger,
	})
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return &env{
		t:       t,
		g:       g,
		m:       m,
		tokens:  tokens,
		clock:   mock,
		srv:     srv,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		httpURL: srv.URL,
	}
}

func (e *env) dial(path string) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL+path, nil)
	if conn != nil {
		e.t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func (e *env) mustDial(path string) *websocket.Conn {
	e.t.Helper()
	conn, _, err := e.dial(path)
	require.NoError(e.t, err)
	return conn
}

func (e *env) bearer(userID string) string {
	e.t.Helper()
	tok, err := e.tokens.Issue(userID, userID, time.Hour)
	require.NoError(e.t, err)
	return tok
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	msg, err := protocol.Decode(frame)
	require.NoError(t, err)
	return msg
}

func updates(t *testing.T, n int) [][]byte {
	t.Helper()
	d := replica.NewDocWithClient(77)
	out := make([][]byte, 0, n)
	for i := range n {
		u, err := d.Set(fmt.Sprintf("k%d", i), []byte{byte(i)})
		require.NoError(t, err)
		out = append(out, protocol.EncodeSyncUpdate(u))
	}
	return out
}

func contentOf(t *testing.T, state []byte) map[string][]byte {
	t.Helper()
	d, err := replica.Load(state)
	require.NoError(t, err)
	return d.Snapshot()
}

func openStore() *persist.MemoryStore {
	s := persist.NewMemoryStore()
	s.Create("doc")
	s.Create("doc2")
	return s
}

func TestRejectsUnknownPaths(t *testing.T) {
	e := newEnv(t, openStore())
	for _, path := range []string{"/ws", "/ws/other/doc", "/ws/documents/", "/ws/documents/a/b"} {
		_, resp, err := e.dial(path + "?share=edit")
		require.Error(t, err, path)
		require.NotNil(t, resp, path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestRejectsBeforeUpgrade(t *testing.T) {
	e := newEnv(t, openStore())
	cases := []struct {
		name   string
		path   string
		status int
	}{
		{"no credentials", "/ws/documents/doc", http.StatusUnauthorized},
		{"bad token", "/ws/documents/doc?token=garbage", http.StatusUnauthorized},
		{"unknown document", "/ws/documents/nope?share=edit", http.StatusNotFound},
		{"unknown share", "/ws/documents/doc?share=nope", http.StatusNotFound},
		{"expired share", "/ws/documents/doc?share=old", http.StatusGone},
		{"share of another document", "/ws/documents/doc?share=other", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := e.dial(tc.path)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
	assert.Empty(t, e.m.ActiveDocuments())
}

func TestHandshakeAndBroadcast(t *testing.T) {
	e := newEnv(t, openStore())
	a := e.mustDial("/ws/documents/doc?token=" + e.bearer("alice"))
	b := e.mustDial("/ws/documents/doc?share=edit")

	for _, conn := range []*websocket.Conn{a, b} {
		assert.Equal(t, protocol.SyncStep1, readMessage(t, conn).Step)
		assert.Equal(t, protocol.SyncStep2, readMessage(t, conn).Step)
	}

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, updates(t, 1)[0]))
	msg := readMessage(t, b)
	assert.Equal(t, protocol.SyncUpdate, msg.Step)
	assert.Equal(t, []byte{0}, contentOf(t, msg.Payload)["k0"])
}

func TestFramesSentDuringSetupAreReplayed(t *testing.T) {
	store := newGatedStore()
	e := newEnv(t, store)
	conn := e.mustDial("/ws/documents/doc?share=edit")
	for _, u := range updates(t, 3) {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, u))
	}
	time.Sleep(20 * time.Millisecond)
	close(store.gate)

	require.Eventually(t, func() bool {
		state, ok := e.m.Snapshot("doc")
		return ok && len(contentOf(t, state)) == 3
	}, 2*time.Second, 10*time.Millisecond)
	state, _ := e.m.Snapshot("doc")
	assert.Equal(t, map[string][]byte{"k0": {0}, "k1": {1}, "k2": {2}}, contentOf(t, state))
}

func TestCloseDuringSetupDetaches(t *testing.T) {
	store := newGatedStore()
	e := newEnv(t, store)
	conn := e.mustDial("/ws/documents/doc?share=edit")
	require.NoError(t, conn.Close())
	time.Sleep(20 * time.Millisecond)
	close(store.gate)

	require.Eventually(t, func() bool {
		return len(e.m.ActiveDocuments()) == 0 && e.g.Open() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnavailableDocumentClosesWith1011(t *testing.T) {
	store := newGatedStore()
	store.err = errors.New("connection refused")
	close(store.gate)
	e := newEnv(t, store)

	conn := e.mustDial("/ws/documents/doc?share=edit")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
	assert.Equal(t, "document unavailable", closeErr.Text)
}

func TestViewerEditsAreIgnored(t *testing.T) {
	e := newEnv(t, openStore())
	v := e.mustDial("/ws/documents/doc?share=view")
	readMessage(t, v)
	readMessage(t, v)
	for _, u := range updates(t, 2) {
		require.NoError(t, v.WriteMessage(websocket.BinaryMessage, u))
	}
	require.NoError(t, v.WriteMessage(websocket.BinaryMessage,
		protocol.EncodeSyncStep1(replica.NewDoc().EncodeStateVector())))

	// The step 1 reply proves the edits before it were processed.
	msg := readMessage(t, v)
	assert.Equal(t, protocol.SyncStep2, msg.Step)
	assert.Empty(t, contentOf(t, msg.Payload))
}

func TestHealth(t *testing.T) {
	e := newEnv(t, openStore())
	resp, err := http.Get(e.httpURL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, map[string]string{"status": "ok", "serverId": "test-process"}, body)
}

func TestPresenceEndpoint(t *testing.T) {
	e := newEnv(t, openStore())
	e.mustDial("/ws/documents/doc?token=" + e.bearer("alice"))
	e.mustDial("/ws/documents/doc?token=" + e.bearer("alice"))
	require.Eventually(t, func() bool { return e.m.Clients("doc") == 2 }, time.Second, 5*time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, e.httpURL+"/api/documents/doc/presence", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.bearer("alice"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var users []session.PresentUser
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UserID)
	assert.Equal(t, "Alice", users[0].Username)
}

func TestRestoreEndpoint(t *testing.T) {
	e := newEnv(t, openStore())
	conn := e.mustDial("/ws/documents/doc?share=edit")
	readMessage(t, conn)
	readMessage(t, conn)

	d := replica.NewDocWithClient(5)
	snapshot, err := d.Set("title", []byte("v1"))
	require.NoError(t, err)

	post := func(user string, body []byte) *http.Response {
		req, err := http.NewRequest(http.MethodPost, e.httpURL+"/api/documents/doc/restore", strings.NewReader(string(body)))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+e.bearer(user))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusForbidden, post("bob", snapshot).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("alice", []byte{0xff}).StatusCode)
	assert.Equal(t, http.StatusOK, post("alice", snapshot).StatusCode)

	msg := readMessage(t, conn)
	assert.Equal(t, protocol.KindVersionRestore, msg.Kind)
	assert.Equal(t, []byte("v1"), contentOf(t, msg.Payload)["title"])
}

type fakeWS struct {
	mu       sync.Mutex
	pings    int
	writes   [][]byte
	pong     func(string) error
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeWS() *fakeWS {
	return &fakeWS{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.incoming:
		return websocket.BinaryMessage, b, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeWS) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeWS) WriteControl(kind int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == websocket.PingMessage {
		f.pings++
	}
	return nil
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeWS) SetReadLimit(int64)               {}

func (f *fakeWS) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pong = h
}

func (f *fakeWS) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWS) answerPing() {
	f.mu.Lock()
	h := f.pong
	f.mu.Unlock()
	_ = h("")
}

func (f *fakeWS) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeWS) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

var editGrant = access.Grant{
	Identity:   access.Identity{UserID: "u1", DisplayName: "One"},
	Permission: access.PermissionEdit,
	DocumentID: "doc",
}

func TestHeartbeatReclaimsSilentConnection(t *testing.T) {
	e := newEnv(t, openStore())
	ws := newFakeWS()
	e.g.serveConn(ws, editGrant, "doc")
	require.Equal(t, 1, e.m.Clients("doc"))

	e.g.heartbeat(context.Background())
	assert.Equal(t, 1, ws.pingCount())
	ws.answerPing()

	e.g.heartbeat(context.Background())
	assert.Equal(t, 2, ws.pingCount())
	assert.False(t, ws.isClosed())

	e.g.heartbeat(context.Background())
	assert.True(t, ws.isClosed())
	require.Eventually(t, func() bool {
		return e.m.Clients("doc") == 0 && e.g.Open() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, e.m.ActiveDocuments())
}

func TestRunTicksHeartbeat(t *testing.T) {
	e := newEnv(t, openStore())
	ws := newFakeWS()
	e.g.serveConn(ws, editGrant, "doc")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.g.Run(ctx) }()

	require.Eventually(t, func() bool {
		e.clock.Add(DefaultHeartbeatInterval)
		return ws.isClosed()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSlowConnectionIsTerminated(t *testing.T) {
	ws := newFakeWS()
	c := newConnection("c", ws, 1, zaptest.NewLogger(t), metrics.Discard())
	assert.True(t, c.Send([]byte{1}))
	assert.False(t, c.Send([]byte{2}))
	assert.True(t, ws.isClosed())
	assert.False(t, c.Send([]byte{3}))
}

func TestDrainWaitsForFinalSaves(t *testing.T) {
	store := openStore()
	e := newEnv(t, store)
	ws := newFakeWS()
	e.g.serveConn(ws, editGrant, "doc")
	ws.incoming <- updates(t, 1)[0]
	require.Eventually(t, func() bool {
		return e.m.Scheduler().Pending("doc")
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.g.Drain(ctx))

	assert.True(t, ws.isClosed())
	assert.Equal(t, 0, e.g.Open())
	assert.Empty(t, e.m.ActiveDocuments())
	assert.Equal(t, 1, store.Saves("doc"))
}

func TestDrainGivesUpWithContext(t *testing.T) {
	e := newEnv(t, openStore())
	e.g.track(newConnection("stuck", newFakeWS(), 1, zaptest.NewLogger(t), metrics.Discard()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.g.Drain(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, e.g.Open())
}
