package session

import (
	"context"

	"go.uber.org/zap"

	"collabtext/realtime/internal/fanout"
	"collabtext/realtime/internal/protocol"
	"collabtext/realtime/internal/replica"
)

var _ fanout.Handler = (*Manager)(nil)

// live returns the room of documentID locked, or nil when the document is
// not loaded here or is draining.
func (m *Manager) live(documentID string) *room {
	r := m.lookup(documentID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	return r
}

// HandleRemoteUpdate applies an update published by a sibling process and
// broadcasts it to every local client. It is never published again.
func (m *Manager) HandleRemoteUpdate(_ context.Context, documentID string, update []byte) {
	r := m.live(documentID)
	if r == nil {
		return
	}
	defer r.mu.Unlock()
	res, err := r.doc.Apply(update, replica.OriginRemoteFanOut)
	if err != nil {
		m.log.Warn("bad remote update", zap.String("document", documentID), zap.Error(err))
		return
	}
	m.updateEffects(r, res, "")
}

func (m *Manager) HandleRemoteAwareness(_ context.Context, documentID string, payload []byte) {
	r := m.live(documentID)
	if r == nil {
		return
	}
	defer r.mu.Unlock()
	change, err := r.awareness.Apply(payload, "")
	if err != nil {
		m.log.Warn("bad remote awareness", zap.String("document", documentID), zap.Error(err))
		return
	}
	m.awarenessEffects(r, change, replica.OriginRemoteFanOut)
}

// HandleRemoteRestore resets a live document to state restored on a
// sibling process. The origin has already saved it.
func (m *Manager) HandleRemoteRestore(_ context.Context, documentID string, state []byte) {
	doc, err := replica.Load(state)
	if err != nil {
		m.log.Warn("bad remote restore", zap.String("document", documentID), zap.Error(err))
		return
	}
	r := m.live(documentID)
	if r == nil {
		return
	}
	defer r.mu.Unlock()
	r.doc.Destroy()
	r.doc = doc
	m.countDropped(r.broadcast(protocol.EncodeVersionRestore(doc.EncodeStateAsUpdate()), ""))
	m.log.Info("document restored remotely", zap.String("document", documentID))
}
