// Package session owns the live documents of one process: it loads a
// replica on first attach, routes client messages into it, fans the effects
// out to local connections and sibling processes, and saves and drops the
// replica when the last connection leaves.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"collabtext/realtime/internal/metrics"
	"collabtext/realtime/internal/persist"
	"collabtext/realtime/internal/protocol"
	"collabtext/realtime/internal/replica"
)

// ErrNotAttached is returned for messages from a client that is not
// attached to the document.
var ErrNotAttached = errors.New("session: client not attached")

// DefaultPresenceTimeout is how long an awareness record lives without renewal.
const DefaultPresenceTimeout = 30 * time.Second

const loadTimeout = 10 * time.Second

// Fanout is the cross-process side of a Manager.
type Fanout interface {
	PublishUpdate(ctx context.Context, documentID string, update []byte) error
	PublishAwareness(ctx context.Context, documentID string, payload []byte) error
	PublishRestore(ctx context.Context, documentID string, state []byte) error
	Subscribe(ctx context.Context, documentID string) error
	Unsubscribe(ctx context.Context, documentID string) error
}

type Options struct {
	Fanout          Fanout
	Clock           clock.Clock
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	SaveDebounce    time.Duration
	PresenceTimeout time.Duration
}

// Manager is the registry of live documents.
type Manager struct {
	store           persist.StateStore
	fanout          Fanout
	saver           *persist.Scheduler
	clock           clock.Clock
	log             *zap.Logger
	metrics         *metrics.Metrics
	presenceTimeout time.Duration

	loads singleflight.Group

	mu    sync.Mutex
	rooms map[string]*room
}

func NewManager(store persist.StateStore, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Fanout == nil {
		opts.Fanout = nopFanout{}
	}
	if opts.PresenceTimeout <= 0 {
		opts.PresenceTimeout = DefaultPresenceTimeout
	}
	m := &Manager{
		store:           store,
		fanout:          opts.Fanout,
		clock:           opts.Clock,
		log:             opts.Logger.Named("session"),
		metrics:         opts.Metrics,
		presenceTimeout: opts.PresenceTimeout,
		rooms:           make(map[string]*room),
	}
	m.saver = persist.NewScheduler(store, m, persist.SchedulerOptions{
		Debounce: opts.SaveDebounce,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	return m
}

// Scheduler returns the save scheduler of the manager.
func (m *Manager) Scheduler() *persist.Scheduler { return m.saver }

func (m *Manager) lookup(documentID string) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[documentID]
}

// load returns the room of documentID, loading it from storage when it is
// not live. Concurrent first attaches share one load; the load outlives the
// caller that started it. A restore of an unloaded document holds the same
// key while it writes, so a load never reads state a restore is replacing.
func (m *Manager) load(ctx context.Context, documentID string) (*room, error) {
	for {
		if r := m.lookup(documentID); r != nil {
			return r, nil
		}
		v, err, shared := m.loads.Do(documentID, func() (any, error) {
			return m.loadRoom(ctx, documentID)
		})
		if err != nil {
			return nil, err
		}
		r, ok := v.(*room)
		if !ok {
			// Joined a restore; load the state it wrote.
			continue
		}
		if shared {
			m.log.Debug("joined in-flight load", zap.String("document", documentID))
		}
		return r, nil
	}
}

func (m *Manager) loadRoom(ctx context.Context, documentID string) (*room, error) {
	if r := m.lookup(documentID); r != nil {
		return r, nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
	defer cancel()

	state, err := m.store.LoadState(ctx, documentID)
	switch {
	case errors.Is(err, persist.ErrNotFound):
		state = nil
	case err != nil:
		return nil, fmt.Errorf("load %s: %w", documentID, wrapUnavailable(err))
	}
	doc, err := replica.Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: stored state of %s: %v", persist.ErrUnavailable, documentID, err)
	}
	if err := m.fanout.Subscribe(ctx, documentID); err != nil {
		m.log.Warn("subscribe failed, document is local only",
			zap.String("document", documentID), zap.Error(err))
	}
	r := newRoom(documentID, doc, replica.NewAwareness(m.clock))
	m.mu.Lock()
	m.rooms[documentID] = r
	m.mu.Unlock()
	m.metrics.Documents.Inc()
	m.log.Info("document loaded", zap.String("document", documentID), zap.Int("bytes", len(state)))
	return r, nil
}

func wrapUnavailable(err error) error {
	if errors.Is(err, persist.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", persist.ErrUnavailable, err)
}

// Attach registers c with documentID, loading the document if needed, and
// queues the handshake: the server state vector, the full state, and current
// presence. It waits for a document that is draining to be dropped and then
// loads it again.
func (m *Manager) Attach(ctx context.Context, c *Client, documentID string) error {
	for {
		r, err := m.load(ctx, documentID)
		if err != nil {
			return err
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			select {
			case <-r.drained:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		r.seq++
		c.seq = r.seq
		r.clients[c.ID] = c
		present := r.awareness.Present()
		frames := protocol.Handshake(
			r.doc.EncodeStateVector(),
			r.doc.EncodeStateAsUpdate(),
			r.awareness.Encode(present),
			len(present),
		)
		for _, f := range frames {
			c.conn.Send(f)
		}
		n := len(r.clients)
		r.mu.Unlock()

		m.metrics.Connections.Inc()
		m.log.Info("client attached",
			zap.String("document", documentID),
			zap.String("client", c.ID),
			zap.String("user", c.Identity.UserID),
			zap.String("permission", string(c.Permission)),
			zap.Int("clients", n))
		return nil
	}
}

// Detach removes c from documentID and withdraws the presence it published.
// When c was the last client the document is saved, unsubscribed and
// dropped before Detach returns.
func (m *Manager) Detach(ctx context.Context, c *Client, documentID string) {
	r := m.lookup(documentID)
	if r == nil {
		return
	}
	r.mu.Lock()
	if _, ok := r.clients[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c.ID)
	var out outbox
	if change := r.awareness.RemoveControlled(c.ID); !change.Empty() {
		out.awareness = m.awarenessEffects(r, change, replica.OriginLocalClient)
	}
	last := len(r.clients) == 0
	if last {
		r.closed = true
	}
	n := len(r.clients)
	r.mu.Unlock()

	m.metrics.Connections.Dec()
	m.log.Info("client detached",
		zap.String("document", documentID),
		zap.String("client", c.ID),
		zap.Int("clients", n))
	m.flush(ctx, documentID, out)
	if last {
		m.drain(context.WithoutCancel(ctx), r)
	}
}

func (m *Manager) drain(ctx context.Context, r *room) {
	saveCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	if err := m.saver.ForceSave(saveCtx, r.id); err != nil {
		m.log.Error("final save failed, unsaved edits are lost",
			zap.String("document", r.id), zap.Error(err))
	}
	m.saver.Release(r.id)
	if err := m.fanout.Unsubscribe(saveCtx, r.id); err != nil {
		m.log.Warn("unsubscribe failed", zap.String("document", r.id), zap.Error(err))
	}

	m.mu.Lock()
	if m.rooms[r.id] == r {
		delete(m.rooms, r.id)
	}
	m.mu.Unlock()

	r.mu.Lock()
	r.doc.Destroy()
	r.awareness.Destroy()
	r.mu.Unlock()
	close(r.drained)

	m.metrics.Documents.Dec()
	m.log.Info("document dropped", zap.String("document", r.id))
}

// outbox holds what must be published once the room lock is released.
type outbox struct {
	update    []byte
	awareness []byte
}

func (m *Manager) flush(ctx context.Context, documentID string, out outbox) {
	// Publish failures are logged and counted by the fanout; local
	// delivery has already happened.
	if out.update != nil {
		_ = m.fanout.PublishUpdate(ctx, documentID, out.update)
	}
	if out.awareness != nil {
		_ = m.fanout.PublishAwareness(ctx, documentID, out.awareness)
	}
}

// updateEffects carries out the effects of res on r and returns what must be
// published. r.mu must be held.
func (m *Manager) updateEffects(r *room, res replica.Result, sender string) []byte {
	if !res.Changed() {
		return nil
	}
	m.metrics.Updates.WithLabelValues(res.Origin.String()).Inc()
	fx := res.Effects
	if fx.Broadcast {
		exclude := ""
		if fx.ExcludeSender {
			exclude = sender
		}
		m.countDropped(r.broadcast(protocol.EncodeSyncUpdate(res.Delta), exclude))
	}
	if fx.Save {
		m.saver.Schedule(r.id)
	}
	if fx.Publish {
		return res.Delta
	}
	return nil
}

// awarenessEffects broadcasts change to every local client and returns the
// payload to publish. r.mu must be held.
func (m *Manager) awarenessEffects(r *room, change replica.AwarenessChange, origin replica.Origin) []byte {
	if change.Empty() {
		return nil
	}
	payload := r.awareness.Encode(change.Changed())
	fx := replica.AwarenessEffectsOf(origin)
	if fx.Broadcast {
		m.countDropped(r.broadcast(protocol.EncodeAwareness(payload), ""))
	}
	if fx.Publish {
		return payload
	}
	return nil
}

func (m *Manager) countDropped(n int) {
	if n > 0 {
		m.metrics.Dropped.WithLabelValues("send_queue_full").Add(float64(n))
	}
}

// HandleMessage processes one inbound frame from c. Unknown message kinds
// are dropped; a malformed frame is dropped and reported as an error, and
// the connection stays open.
func (m *Manager) HandleMessage(ctx context.Context, c *Client, documentID string, frame []byte) error {
	msg, err := protocol.Decode(frame)
	if errors.Is(err, protocol.ErrUnknownKind) {
		m.metrics.Dropped.WithLabelValues("unknown_kind").Inc()
		m.log.Debug("unknown message kind",
			zap.String("document", documentID), zap.String("client", c.ID), zap.Error(err))
		return nil
	}
	if err != nil {
		m.metrics.Dropped.WithLabelValues("malformed").Inc()
		return err
	}

	r := m.lookup(documentID)
	if r == nil {
		return ErrNotAttached
	}
	r.mu.Lock()
	if _, ok := r.clients[c.ID]; !ok || r.closed {
		r.mu.Unlock()
		return ErrNotAttached
	}
	out, err := m.handleLocked(r, c, msg)
	r.mu.Unlock()
	if err != nil {
		m.metrics.Dropped.WithLabelValues("malformed").Inc()
		return err
	}
	m.flush(ctx, documentID, out)
	return nil
}

func (m *Manager) handleLocked(r *room, c *Client, msg protocol.Message) (outbox, error) {
	var out outbox
	switch msg.Kind {
	case protocol.KindSync:
		switch msg.Step {
		case protocol.SyncStep1:
			diff, err := r.doc.Diff(msg.Payload)
			if err != nil {
				return out, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
			}
			c.conn.Send(protocol.EncodeSyncStep2(diff))
		case protocol.SyncStep2, protocol.SyncUpdate:
			if !c.Permission.CanEdit() {
				m.metrics.Dropped.WithLabelValues("read_only").Inc()
				m.log.Debug("update from read-only client ignored",
					zap.String("document", r.id), zap.String("client", c.ID))
				return out, nil
			}
			res, err := r.doc.Apply(msg.Payload, replica.OriginLocalClient)
			if err != nil {
				return out, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
			}
			out.update = m.updateEffects(r, res, c.ID)
		}
	case protocol.KindAwareness:
		change, err := r.awareness.Apply(msg.Payload, c.ID)
		if err != nil {
			return out, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
		}
		out.awareness = m.awarenessEffects(r, change, replica.OriginLocalClient)
	case protocol.KindVersionRestore:
		m.metrics.Dropped.WithLabelValues("client_restore").Inc()
		m.log.Debug("restore frame from client ignored",
			zap.String("document", r.id), zap.String("client", c.ID))
	}
	return out, nil
}

// BroadcastLocal queues frame on every local client of documentID except
// the one with id exclude.
func (m *Manager) BroadcastLocal(documentID string, frame []byte, exclude string) {
	r := m.lookup(documentID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m.countDropped(r.broadcast(frame, exclude))
}

// ListPresentUsers returns the distinct users connected to documentID in
// the order they first attached.
func (m *Manager) ListPresentUsers(documentID string) []PresentUser {
	r := m.lookup(documentID)
	if r == nil {
		return []PresentUser{}
	}
	r.mu.Lock()
	clients := r.ordered()
	r.mu.Unlock()

	seen := make(map[string]struct{}, len(clients))
	users := make([]PresentUser, 0, len(clients))
	for _, c := range clients {
		if _, ok := seen[c.Identity.UserID]; ok {
			continue
		}
		seen[c.Identity.UserID] = struct{}{}
		users = append(users, PresentUser{
			UserID:   c.Identity.UserID,
			Username: c.Identity.DisplayName,
			Color:    c.Identity.Color,
		})
	}
	return users
}

// Restore replaces the content of documentID with snapshot. Local clients
// are told to reset, the new state is saved at once and sibling processes
// are asked to reset as well. A restore racing a first load waits for the
// load and resets the loaded replica.
func (m *Manager) Restore(ctx context.Context, documentID string, snapshot []byte) error {
	doc, err := replica.Load(snapshot)
	if err != nil {
		return err
	}
	full := doc.EncodeStateAsUpdate()
	fx := replica.EffectsOf(replica.OriginVersionRestore)

	live := false
	for {
		if r := m.lookup(documentID); r != nil {
			done, err := m.restoreLive(ctx, r, doc, full, fx)
			if err != nil {
				return err
			}
			if !done {
				continue
			}
			live = true
			break
		}
		v, err, _ := m.loads.Do(documentID, func() (any, error) {
			if r := m.lookup(documentID); r != nil {
				return r, nil
			}
			if !fx.Save {
				return nil, nil
			}
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
			defer cancel()
			return nil, m.store.SaveState(saveCtx, documentID, full)
		})
		if err != nil {
			return fmt.Errorf("restore %s: %w", documentID, wrapUnavailable(err))
		}
		if _, ok := v.(*room); ok {
			// A load finished first; reset the replica it registered.
			continue
		}
		break
	}

	if fx.Publish {
		_ = m.fanout.PublishRestore(ctx, documentID, full)
	}
	m.log.Info("document restored",
		zap.String("document", documentID), zap.Bool("live", live), zap.Int("bytes", len(full)))
	return nil
}

// restoreLive swaps doc into r and saves it. It reports false when r was
// draining; the caller then retries once r is gone.
func (m *Manager) restoreLive(ctx context.Context, r *room, doc *replica.Doc, full []byte, fx replica.Effects) (bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		// Let the final save of the draining replica land first.
		select {
		case <-r.drained:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	r.doc.Destroy()
	r.doc = doc
	m.metrics.Updates.WithLabelValues(replica.OriginVersionRestore.String()).Inc()
	if fx.Broadcast {
		m.countDropped(r.broadcast(protocol.EncodeVersionRestore(full), ""))
	}
	r.mu.Unlock()

	if fx.Save {
		if err := m.saver.ForceSave(ctx, r.id); err != nil {
			return false, fmt.Errorf("restore %s: %w", r.id, wrapUnavailable(err))
		}
	}
	return true, nil
}

// Snapshot returns the full state of a live document.
func (m *Manager) Snapshot(documentID string) ([]byte, bool) {
	r := m.lookup(documentID)
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc.Destroyed() {
		return nil, false
	}
	return r.doc.EncodeStateAsUpdate(), true
}

// SweepPresence expires awareness records that were not renewed in time.
func (m *Manager) SweepPresence(ctx context.Context) {
	m.mu.Lock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		change := r.awareness.Expire(m.presenceTimeout)
		out := outbox{awareness: m.awarenessEffects(r, change, replica.OriginLocalClient)}
		r.mu.Unlock()
		if len(change.Removed) > 0 {
			m.log.Debug("presence expired",
				zap.String("document", r.id), zap.Int("clients", len(change.Removed)))
		}
		m.flush(ctx, r.id, out)
	}
}

// ActiveDocuments returns the ids of live documents, sorted.
func (m *Manager) ActiveDocuments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Clients returns the number of clients attached to documentID.
func (m *Manager) Clients(documentID string) int {
	r := m.lookup(documentID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Shutdown saves every live document and stops the save timers. Failures
// of individual saves are combined in the returned error.
func (m *Manager) Shutdown(ctx context.Context) error {
	ids := m.ActiveDocuments()
	err := m.saver.SaveAll(ctx, ids)
	m.saver.Stop()
	m.log.Info("saved live documents", zap.Int("documents", len(ids)), zap.Error(err))
	return err
}

type nopFanout struct{}

func (nopFanout) PublishUpdate(context.Context, string, []byte) error    { return nil }
func (nopFanout) PublishAwareness(context.Context, string, []byte) error { return nil }
func (nopFanout) PublishRestore(context.Context, string, []byte) error   { return nil }
func (nopFanout) Subscribe(context.Context, string) error                { return nil }
func (nopFanout) Unsubscribe(context.Context, string) error              { return nil }
