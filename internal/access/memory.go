package access

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryDirectory is a Directory held in process memory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	docs    map[string]Document
	users   map[string]User
	shares  map[string]Share
	order   []string
	lookups int
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		docs:   make(map[string]Document),
		users:  make(map[string]User),
		shares: make(map[string]Share),
	}
}

func (d *MemoryDirectory) AddDocument(doc Document) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docs[doc.ID] = doc
}

func (d *MemoryDirectory) AddUser(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *MemoryDirectory) AddShare(s Share) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.shares[s.Token]; !ok {
		d.order = append(d.order, s.Token)
	}
	d.shares[s.Token] = s
}

// UserLookups returns how many times ResolveUser was called.
func (d *MemoryDirectory) UserLookups() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lookups
}

func (d *MemoryDirectory) ResolveDocument(_ context.Context, id string) (Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return doc, nil
}

func (d *MemoryDirectory) ResolveShare(_ context.Context, token string) (Share, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.shares[token]
	if !ok {
		return Share{}, fmt.Errorf("share: %w", ErrNotFound)
	}
	return s, nil
}

func (d *MemoryDirectory) ResolveUser(_ context.Context, id string) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups++
	u, ok := d.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

func (d *MemoryDirectory) FirstShare(_ context.Context, documentID string) (Share, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := time.Now()
	for _, token := range d.order {
		s := d.shares[token]
		if s.DocumentID == documentID && !s.Expired(now) {
			return s, nil
		}
	}
	return Share{}, fmt.Errorf("share of %s: %w", documentID, ErrNotFound)
}
