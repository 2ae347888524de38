package session

import (
	"cmp"
	"slices"
	"sync"

	"collabtext/realtime/internal/replica"
)

// room is the live state of one loaded document. Every field is guarded by
// mu; operations under mu never block on I/O.
type room struct {
	id string

	mu        sync.Mutex
	doc       *replica.Doc
	awareness *replica.Awareness
	clients   map[string]*Client
	seq       uint64
	// closed is set when the last client leaves. A closed room accepts no
	// attaches; drained is closed once it has been saved and removed.
	closed  bool
	drained chan struct{}
}

func newRoom(id string, doc *replica.Doc, awareness *replica.Awareness) *room {
	return &room{
		id:        id,
		doc:       doc,
		awareness: awareness,
		clients:   make(map[string]*Client),
		drained:   make(chan struct{}),
	}
}

// broadcast queues frame on every client except exclude and returns the
// number of clients whose queue refused it.
func (r *room) broadcast(frame []byte, exclude string) int {
	var dropped int
	for id, c := range r.clients {
		if id == exclude {
			continue
		}
		if !c.conn.Send(frame) {
			dropped++
		}
	}
	return dropped
}

// ordered returns the clients in attach order.
func (r *room) ordered() []*Client {
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Client) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}
