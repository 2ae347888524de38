// Package gateway is the network edge of the sync server. It accepts
// document connections, resolves who is connecting before the upgrade,
// queues frames that arrive while the document is attaching, and reclaims
// connections that stop answering heartbeat pings. It also serves the small
// REST surface around live documents.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"collabtext/realtime/internal/access"
	"collabtext/realtime/internal/metrics"
	"collabtext/realtime/internal/persist"
	"collabtext/realtime/internal/session"
)

const (
	DefaultPathPrefix        = "/ws/documents/"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSendBuffer        = 256

	// CloseDocumentUnavailable is sent when the document cannot be loaded.
	CloseDocumentUnavailable = websocket.CloseInternalServerErr
)

// Resolver authorizes a connection before it is upgraded.
type Resolver interface {
	Resolve(ctx context.Context, documentID, bearer, shareToken string) (access.Grant, error)
}

// Sessions is the document side of the gateway.
type Sessions interface {
	Attach(ctx context.Context, c *session.Client, documentID string) error
	Detach(ctx context.Context, c *session.Client, documentID string)
	HandleMessage(ctx context.Context, c *session.Client, documentID string, frame []byte) error
	ListPresentUsers(documentID string) []session.PresentUser
	Restore(ctx context.Context, documentID string, snapshot []byte) error
	SweepPresence(ctx context.Context)
}

type Options struct {
	ProcessID         string
	PathPrefix        string
	HeartbeatInterval time.Duration
	SendBuffer        int
	CheckOrigin       func(*http.Request) bool
	Clock             clock.Clock
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
}

type Gateway struct {
	sessions  Sessions
	resolver  Resolver
	processID string
	interval  time.Duration
	buffer    int
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
	router    *mux.Router

	mu      sync.Mutex
	conns   map[*connection]struct{}
	changed chan struct{}
}

func New(sessions Sessions, resolver Resolver, opts Options) *Gateway {
	if opts.PathPrefix == "" {
		opts.PathPrefix = DefaultPathPrefix
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	g := &Gateway{
		sessions:  sessions,
		resolver:  resolver,
		processID: opts.ProcessID,
		interval:  opts.HeartbeatInterval,
		buffer:    opts.SendBuffer,
		clock:     opts.Clock,
		log:       opts.Logger.Named("gateway"),
		metrics:   opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns:   make(map[*connection]struct{}),
		changed: make(chan struct{}),
	}

	r := mux.NewRouter()
	prefix := "/" + strings.Trim(opts.PathPrefix, "/") + "/"
	r.HandleFunc(prefix+"{documentID}", g.serveWS).Methods(http.MethodGet)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", g.health).Methods(http.MethodGet)
	api.HandleFunc("/documents/{documentID}/presence", g.presence).Methods(http.MethodGet)
	api.HandleFunc("/documents/{documentID}/restore", g.restore).Methods(http.MethodPost)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.metrics.Rejected.WithLabelValues("bad_path").Inc()
		http.NotFound(w, r)
	})
	g.router = r
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// credentials returns the bearer token and share token of r. The bearer
// token comes from the Authorization header or the token query parameter.
func credentials(r *http.Request) (bearer, share string) {
	q := r.URL.Query()
	bearer = q.Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		bearer = strings.TrimPrefix(h, "Bearer ")
	}
	return bearer, q.Get("share")
}

// statusOf maps a resolution failure to an HTTP status and a metric reason.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, access.ErrShareExpired):
		return http.StatusGone, "share_expired"
	case errors.Is(err, access.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, access.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, access.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request, documentID string) (access.Grant, bool) {
	bearer, share := credentials(r)
	grant, err := g.resolver.Resolve(r.Context(), documentID, bearer, share)
	if err != nil {
		status, reason := statusOf(err)
		g.metrics.Rejected.WithLabelValues(reason).Inc()
		if status == http.StatusInternalServerError {
			g.log.Error("resolve failed", zap.String("document", documentID), zap.Error(err))
		} else {
			g.log.Debug("rejected", zap.String("document", documentID), zap.Error(err))
		}
		writeError(w, status, http.StatusText(status))
		return access.Grant{}, false
	}
	return grant, true
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]
	grant, ok := g.authorize(w, r, documentID)
	if !ok {
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		g.metrics.Rejected.WithLabelValues("upgrade").Inc()
		g.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	g.serveConn(ws, grant, documentID)
}

// setup tracks a connection until its document is attached.
type setup struct {
	mu     sync.Mutex
	queue  [][]byte
	ready  bool
	closed bool
}

// serveConn runs one upgraded connection: it attaches the client, replays
// frames queued while attaching and hands the connection to its reader.
func (g *Gateway) serveConn(ws wsConn, grant access.Grant, documentID string) {
	id := uuid.NewString()
	log := g.log.With(zap.String("connection", id), zap.String("document", documentID))
	conn := newConnection(id, ws, g.buffer, log, g.metrics)
	client := session.NewClient(id, grant, conn)
	g.track(conn)
	go conn.writePump()

	ctx := context.Background()
	st := &setup{}
	go g.readPump(ctx, conn, client, documentID, st)

	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		log.Debug("closed before attach")
		g.untrack(conn)
		return
	}

	if err := g.sessions.Attach(ctx, client, documentID); err != nil {
		log.Error("attach failed", zap.Error(err))
		if errors.Is(err, persist.ErrUnavailable) {
			conn.closeWith(CloseDocumentUnavailable, "document unavailable", "unavailable")
		} else {
			conn.closeWith(websocket.CloseInternalServerErr, "internal error", "attach_error")
		}
		g.untrack(conn)
		return
	}

	st.mu.Lock()
	for _, frame := range st.queue {
		g.handle(ctx, client, documentID, frame)
	}
	queued := len(st.queue)
	st.queue = nil
	st.ready = true
	closed = st.closed
	st.mu.Unlock()

	if queued > 0 {
		log.Debug("replayed queued frames", zap.Int("frames", queued))
	}
	if closed {
		log.Debug("closed during setup")
		g.sessions.Detach(ctx, client, documentID)
		g.untrack(conn)
	}
}

// readPump reads frames until the transport fails. Frames read before the
// client is attached are queued in arrival order.
func (g *Gateway) readPump(ctx context.Context, conn *connection, client *session.Client, documentID string, st *setup) {
	for {
		kind, frame, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.log.Debug("read failed", zap.Error(err))
			}
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		st.mu.Lock()
		if !st.ready {
			st.queue = append(st.queue, frame)
			st.mu.Unlock()
			continue
		}
		st.mu.Unlock()
		g.handle(ctx, client, documentID, frame)
	}

	conn.terminate("")
	st.mu.Lock()
	st.closed = true
	ready := st.ready
	st.mu.Unlock()
	if ready {
		g.sessions.Detach(ctx, client, documentID)
		g.untrack(conn)
	}
}

func (g *Gateway) handle(ctx context.Context, client *session.Client, documentID string, frame []byte) {
	if err := g.sessions.HandleMessage(ctx, client, documentID, frame); err != nil {
		g.log.Warn("dropped frame",
			zap.String("connection", client.ID),
			zap.String("document", documentID),
			zap.Error(err))
	}
}

func (g *Gateway) track(c *connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c] = struct{}{}
}

func (g *Gateway) untrack(c *connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.conns[c]; !ok {
		return
	}
	delete(g.conns, c)
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *Gateway) connections() []*connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*connection, 0, len(g.conns))
	for c := range g.conns {
		out = append(out, c)
	}
	return out
}

// Open returns the number of tracked connections.
func (g *Gateway) Open() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Run pings every connection each heartbeat interval until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := g.clock.Ticker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.heartbeat(ctx)
		}
	}
}

// heartbeat terminates connections that did not answer the previous ping
// and pings the rest.
func (g *Gateway) heartbeat(ctx context.Context) {
	for _, c := range g.connections() {
		if c.closed() {
			continue
		}
		if !c.alive.Swap(false) {
			c.log.Info("heartbeat missed, terminating")
			c.terminate("heartbeat")
			continue
		}
		if err := c.ping(); err != nil {
			c.log.Debug("ping failed", zap.Error(err))
			c.terminate("write_error")
		}
	}
	g.sessions.SweepPresence(ctx)
}

// CloseAll closes every connection with a going-away frame.
func (g *Gateway) CloseAll() {
	for _, c := range g.connections() {
		c.closeWith(websocket.CloseGoingAway, "server shutting down", "shutdown")
	}
}

// Drain closes every connection and waits until each one has been detached,
// so the final saves of their documents have run.
func (g *Gateway) Drain(ctx context.Context) error {
	g.CloseAll()
	for {
		g.mu.Lock()
		n, changed := len(g.conns), g.changed
		g.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("gateway: %d connections still open: %w", n, ctx.Err())
		}
	}
}
