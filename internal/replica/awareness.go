package replica

import (
	"bytes"
	"slices"
	"time"

	"github.com/benbjohnson/clock"

	"collabtext/realtime/internal/wire"
)

var nullState = []byte("null")

type presence struct {
	clock     uint64
	state     []byte // nil once removed
	updatedAt time.Time
}

// AwarenessChange classifies the client ids touched by one awareness apply.
type AwarenessChange struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Changed returns every touched id.
func (c AwarenessChange) Changed() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

func (c AwarenessChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Awareness is the presence state of one document: client id to an opaque
// JSON blob plus a per-client clock.
type Awareness struct {
	clock       clock.Clock
	records     map[uint64]*presence
	controllers map[string]map[uint64]struct{}
}

// NewAwareness returns empty presence state timed by clk.
func NewAwareness(clk clock.Clock) *Awareness {
	if clk == nil {
		clk = clock.New()
	}
	return &Awareness{
		clock:       clk,
		records:     make(map[uint64]*presence),
		controllers: make(map[string]map[uint64]struct{}),
	}
}

// Apply merges an encoded awareness update. A record whose clock is not
// newer than the one held is ignored. controller names the connection that
// sent the update, or is empty when it came from a sibling process; ids a
// connection publishes are removed when that connection detaches.
func (a *Awareness) Apply(payload []byte, controller string) (AwarenessChange, error) {
	entries, err := decodeAwareness(payload)
	if err != nil {
		return AwarenessChange{}, err
	}
	now := a.clock.Now()
	var change AwarenessChange
	for _, e := range entries {
		prev, known := a.records[e.client]
		if known && e.clock <= prev.clock {
			continue
		}
		wasPresent := known && prev.state != nil
		if e.state == nil {
			if !wasPresent {
				if known {
					prev.clock = e.clock
				}
				continue
			}
			prev.clock = e.clock
			prev.state = nil
			prev.updatedAt = now
			change.Removed = append(change.Removed, e.client)
			a.release(e.client)
			continue
		}
		if !known {
			prev = &presence{}
			a.records[e.client] = prev
		}
		prev.clock = e.clock
		prev.state = e.state
		prev.updatedAt = now
		if wasPresent {
			change.Updated = append(change.Updated, e.client)
		} else {
			change.Added = append(change.Added, e.client)
		}
		if controller != "" {
			ids, ok := a.controllers[controller]
			if !ok {
				ids = make(map[uint64]struct{})
				a.controllers[controller] = ids
			}
			ids[e.client] = struct{}{}
		}
	}
	return change, nil
}

func (a *Awareness) release(client uint64) {
	for conn, ids := range a.controllers {
		delete(ids, client)
		if len(ids) == 0 {
			delete(a.controllers, conn)
		}
	}
}

// RemoveControlled removes every record published by controller and returns
// the change; the removals carry bumped clocks so peers accept them.
func (a *Awareness) RemoveControlled(controller string) AwarenessChange {
	ids := a.controllers[controller]
	delete(a.controllers, controller)
	var change AwarenessChange
	for id := range ids {
		if a.remove(id) {
			change.Removed = append(change.Removed, id)
		}
	}
	slices.Sort(change.Removed)
	return change
}

// Expire removes present records not renewed within timeout.
func (a *Awareness) Expire(timeout time.Duration) AwarenessChange {
	now := a.clock.Now()
	var change AwarenessChange
	for id, p := range a.records {
		if p.state != nil && now.Sub(p.updatedAt) >= timeout {
			a.remove(id)
			a.release(id)
			change.Removed = append(change.Removed, id)
		}
	}
	slices.Sort(change.Removed)
	return change
}

func (a *Awareness) remove(id uint64) bool {
	p, ok := a.records[id]
	if !ok || p.state == nil {
		return false
	}
	p.clock++
	p.state = nil
	p.updatedAt = a.clock.Now()
	return true
}

// Present returns the ids with a live record, sorted.
func (a *Awareness) Present() []uint64 {
	out := make([]uint64, 0, len(a.records))
	for id, p := range a.records {
		if p.state != nil {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// State returns the presence blob held for id.
func (a *Awareness) State(id uint64) ([]byte, bool) {
	p, ok := a.records[id]
	if !ok || p.state == nil {
		return nil, false
	}
	return p.state, true
}

// Encode returns the wire payload for the listed ids. Removed ids encode as
// null; ids never seen are skipped.
func (a *Awareness) Encode(ids []uint64) []byte {
	enc := wire.NewEncoder(1 + len(ids)*16)
	var n uint64
	for _, id := range ids {
		if _, ok := a.records[id]; ok {
			n++
		}
	}
	enc.WriteUint(n)
	for _, id := range ids {
		p, ok := a.records[id]
		if !ok {
			continue
		}
		enc.WriteUint(id)
		enc.WriteUint(p.clock)
		if p.state == nil {
			enc.WriteBytes(nullState)
		} else {
			enc.WriteBytes(p.state)
		}
	}
	return enc.Bytes()
}

// Destroy drops every record.
func (a *Awareness) Destroy() {
	a.records = make(map[uint64]*presence)
	a.controllers = make(map[string]map[uint64]struct{})
}

type awarenessEntry struct {
	client uint64
	clock  uint64
	state  []byte
}

func decodeAwareness(b []byte) ([]awarenessEntry, error) {
	dec := wire.NewDecoder(b)
	n, err := dec.ReadUint()
	if err != nil {
		return nil, malformed("awareness length: %v", err)
	}
	if n > uint64(dec.Remaining()) {
		return nil, malformed("awareness count %d exceeds input", n)
	}
	entries := make([]awarenessEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e awarenessEntry
		if e.client, err = dec.ReadUint(); err != nil {
			return nil, malformed("awareness client: %v", err)
		}
		if e.clock, err = dec.ReadUint(); err != nil {
			return nil, malformed("awareness clock: %v", err)
		}
		state, err := dec.ReadBytes()
		if err != nil {
			return nil, malformed("awareness state: %v", err)
		}
		if !bytes.Equal(bytes.TrimSpace(state), nullState) {
			e.state = append([]byte{}, state...)
		}
		entries = append(entries, e)
	}
	if dec.Remaining() != 0 {
		return nil, malformed("awareness: %d trailing bytes", dec.Remaining())
	}
	return entries, nil
}

// EncodeAwarenessRecord builds a single-record awareness payload. state nil
// encodes a removal.
func EncodeAwarenessRecord(client, clk uint64, state []byte) []byte {
	enc := wire.NewEncoder(16 + len(state))
	enc.WriteUint(1)
	enc.WriteUint(client)
	enc.WriteUint(clk)
	if state == nil {
		enc.WriteBytes(nullState)
	} else {
		enc.WriteBytes(state)
	}
	return enc.Bytes()
}
