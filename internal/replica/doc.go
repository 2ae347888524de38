// Package replica is the in-memory CRDT engine backing every live document.
//
// A Doc is an operation-set last-writer-wins map. Every write is an item
// identified by the (client, clock) pair of the replica that produced it and
// stamped with a Lamport timestamp. The visible value of a key is the item
// with the greatest (lamport, client, clock); every other item for that key
// is collapsed to a placeholder that keeps only its identity, so the state
// vector stays contiguous without retaining dead values. Applying the same
// set of items in any order, any number of times, yields the same state and
// the same full-state encoding.
//
// Awareness holds the ephemeral presence records of connected clients. It is
// never persisted.
//
// Neither type is safe for concurrent use; callers serialize access per
// document.
package replica

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
)

var (
	// ErrMalformedUpdate is returned when update or state-vector bytes cannot be decoded.
	ErrMalformedUpdate = errors.New("replica: malformed update")
	// ErrDestroyed is returned by operations on a destroyed Doc.
	ErrDestroyed = errors.New("replica: document destroyed")
)

// ID identifies one item: the producing client and its per-client clock.
type ID struct {
	Client uint64
	Clock  uint64
}

type item struct {
	id      ID
	lamport uint64
	gc      bool
	deleted bool
	key     string
	value   []byte
}

// beats reports whether it wins over other for the same key.
func (it *item) beats(other *item) bool {
	if it.lamport != other.lamport {
		return it.lamport > other.lamport
	}
	if it.id.Client != other.id.Client {
		return it.id.Client > other.id.Client
	}
	return it.id.Clock > other.id.Clock
}

func (it *item) collapse() {
	it.gc = true
	it.deleted = false
	it.key = ""
	it.value = nil
}

// Doc is one document replica.
type Doc struct {
	clientID  uint64
	items     map[ID]*item
	winners   map[string]*item
	next      map[uint64]uint64
	lamport   uint64
	destroyed bool
}

// NewDoc returns an empty replica with a random client id for local edits.
func NewDoc() *Doc {
	return NewDocWithClient(rand.Uint64() & (1<<53 - 1))
}

// NewDocWithClient returns an empty replica that stamps local edits with clientID.
func NewDocWithClient(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		items:    make(map[ID]*item),
		winners:  make(map[string]*item),
		next:     make(map[uint64]uint64),
	}
}

// Load builds a replica from a persisted snapshot. An empty snapshot yields
// an empty replica.
func Load(snapshot []byte) (*Doc, error) {
	d := NewDoc()
	if _, err := d.Apply(snapshot, OriginPersistenceLoad); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Doc) ClientID() uint64 { return d.clientID }

// Apply merges update into the replica. The returned Result carries the part
// of the update that was new to this replica, encoded as an update, and the
// downstream effects implied by origin. A duplicate update yields an empty
// Result. A malformed update is rejected as a whole.
func (d *Doc) Apply(update []byte, origin Origin) (Result, error) {
	if d.destroyed {
		return Result{}, ErrDestroyed
	}
	incoming, err := decodeUpdate(update)
	if err != nil {
		return Result{}, err
	}
	var fresh []*item
	for _, it := range incoming {
		if d.integrate(it) {
			fresh = append(fresh, it)
		}
	}
	if len(fresh) == 0 {
		return Result{Origin: origin}, nil
	}
	return Result{
		Origin:  origin,
		Delta:   encodeItems(fresh),
		Effects: EffectsOf(origin),
	}, nil
}

func (d *Doc) integrate(it *item) bool {
	if _, ok := d.items[it.id]; ok {
		return false
	}
	if !it.gc {
		if cur, ok := d.winners[it.key]; !ok || it.beats(cur) {
			if ok {
				cur.collapse()
			}
			d.winners[it.key] = it
		} else {
			it.collapse()
		}
	}
	d.items[it.id] = it
	if it.lamport > d.lamport {
		d.lamport = it.lamport
	}
	next := d.next[it.id.Client]
	for {
		if _, ok := d.items[ID{Client: it.id.Client, Clock: next}]; !ok {
			break
		}
		next++
	}
	if next > 0 {
		d.next[it.id.Client] = next
	}
	return true
}

// Set writes value under key as a local edit and returns the update to
// distribute to peers.
func (d *Doc) Set(key string, value []byte) ([]byte, error) {
	return d.local(key, append([]byte(nil), value...), false)
}

// Delete removes key as a local edit and returns the update to distribute.
func (d *Doc) Delete(key string) ([]byte, error) {
	return d.local(key, nil, true)
}

func (d *Doc) local(key string, value []byte, deleted bool) ([]byte, error) {
	if d.destroyed {
		return nil, ErrDestroyed
	}
	it := &item{
		id:      ID{Client: d.clientID, Clock: d.next[d.clientID]},
		lamport: d.lamport + 1,
		deleted: deleted,
		key:     key,
		value:   value,
	}
	d.integrate(it)
	return encodeItems([]*item{it}), nil
}

// Get returns the visible value for key.
func (d *Doc) Get(key string) ([]byte, bool) {
	it, ok := d.winners[key]
	if !ok || it.deleted {
		return nil, false
	}
	return it.value, true
}

// Snapshot returns a copy of every visible key and value.
func (d *Doc) Snapshot() map[string][]byte {
	out := make(map[string][]byte, len(d.winners))
	for k, it := range d.winners {
		if !it.deleted {
			out[k] = append([]byte(nil), it.value...)
		}
	}
	return out
}

// Len returns the number of items held, placeholders included.
func (d *Doc) Len() int { return len(d.items) }

// EncodeStateAsUpdate returns the full state as a single update.
func (d *Doc) EncodeStateAsUpdate() []byte {
	return d.diff(nil)
}

// EncodeStateVector returns the encoded state vector of the replica.
func (d *Doc) EncodeStateVector() []byte {
	return encodeStateVector(d.next)
}

// StateVector returns a copy of the per-client next expected clocks.
func (d *Doc) StateVector() map[uint64]uint64 {
	out := make(map[uint64]uint64, len(d.next))
	for c, n := range d.next {
		out[c] = n
	}
	return out
}

// Diff returns an update holding every item the peer with the given encoded
// state vector has not seen.
func (d *Doc) Diff(peerStateVector []byte) ([]byte, error) {
	if d.destroyed {
		return nil, ErrDestroyed
	}
	sv, err := decodeStateVector(peerStateVector)
	if err != nil {
		return nil, err
	}
	return d.diff(sv), nil
}

func (d *Doc) diff(sv map[uint64]uint64) []byte {
	out := make([]*item, 0, len(d.items))
	for id, it := range d.items {
		if id.Clock >= sv[id.Client] {
			out = append(out, it)
		}
	}
	return encodeItems(out)
}

// Destroy releases the replica. Later operations fail with ErrDestroyed.
func (d *Doc) Destroy() {
	d.destroyed = true
	d.items = nil
	d.winners = nil
	d.next = nil
}

func (d *Doc) Destroyed() bool { return d.destroyed }

func sortItems(items []*item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].id.Client != items[j].id.Client {
			return items[i].id.Client < items[j].id.Client
		}
		return items[i].id.Clock < items[j].id.Clock
	})
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedUpdate, fmt.Sprintf(format, args...))
}
