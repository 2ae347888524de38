package persist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	mu     sync.Mutex
	states map[string][]byte
}

func (f *fakeSource) set(id string, state []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = state
}

func (f *fakeSource) Snapshot(id string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	return s, ok
}

func newTestScheduler(t *testing.T) (*Scheduler, *MemoryStore, *fakeSource, *clock.Mock) {
	t.Helper()
	store := NewMemoryStore()
	source := &fakeSource{states: map[string][]byte{}}
	mock := clock.NewMock()
	s := NewScheduler(store, source, SchedulerOptions{
		Clock:  mock,
		Logger: zaptest.NewLogger(t),
	})
	t.Cleanup(s.Stop)
	return s, store, source, mock
}

func TestScheduleCoalescesBurst(t *testing.T) {
	s, store, source, mock := newTestScheduler(t)
	source.set("doc", []byte("v1"))

	for i := 0; i < 5; i++ {
		s.Schedule("doc")
		mock.Add(time.Second)
	}
	assert.Equal(t, 0, store.Saves("doc"))
	assert.True(t, s.Pending("doc"))

	mock.Add(DefaultDebounce)
	require.Eventually(t, func() bool { return store.Saves("doc") == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return store.Saves("doc") > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.False(t, s.Pending("doc"))

	_, ok := s.LastSaved("doc")
	assert.True(t, ok)
}

func TestForceSaveCancelsPendingTimer(t *testing.T) {
	s, store, source, mock := newTestScheduler(t)
	source.set("doc", []byte("state"))

	s.Schedule("doc")
	require.NoError(t, s.ForceSave(context.Background(), "doc"))
	assert.Equal(t, 1, store.Saves("doc"))
	assert.False(t, s.Pending("doc"))

	mock.Add(2 * DefaultDebounce)
	assert.Never(t, func() bool { return store.Saves("doc") > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	got, err := store.LoadState(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), got)
}

func TestSaveFailureIsNotFatalAndRetriesOnNextEdit(t *testing.T) {
	s, store, source, mock := newTestScheduler(t)
	source.set("doc", []byte("state"))
	store.SetFailSaves(true)

	err := s.ForceSave(context.Background(), "doc")
	require.ErrorIs(t, err, ErrUnavailable)

	store.SetFailSaves(false)
	s.Schedule("doc")
	mock.Add(DefaultDebounce)
	require.Eventually(t, func() bool { return store.Saves("doc") == 1 }, time.Second, 5*time.Millisecond)
}

func TestSaveAllIsolatesFailures(t *testing.T) {
	store := NewMemoryStore()
	source := &fakeSource{states: map[string][]byte{"a": []byte("a"), "b": []byte("b")}}
	failing := &failingStore{MemoryStore: store, fail: "a"}
	s := NewScheduler(failing, source, SchedulerOptions{Clock: clock.NewMock(), Logger: zaptest.NewLogger(t)})

	err := s.SaveAll(context.Background(), []string{"a", "b", "gone"})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, store.Saves("a"))
	assert.Equal(t, 1, store.Saves("b"))
	assert.Equal(t, 0, store.Saves("gone"))
}

func TestReleaseStopsTimer(t *testing.T) {
	s, store, source, mock := newTestScheduler(t)
	source.set("doc", []byte("x"))
	s.Schedule("doc")
	s.Release("doc")
	mock.Add(DefaultDebounce)
	assert.Never(t, func() bool { return store.Saves("doc") > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

type failingStore struct {
	*MemoryStore
	fail string
}

func (f *failingStore) SaveState(ctx context.Context, id string, state []byte) error {
	if id == f.fail {
		return ErrUnavailable
	}
	return f.MemoryStore.SaveState(ctx, id, state)
}

func TestCompressedRoundTrip(t *testing.T) {
	inner := NewMemoryStore()
	c, err := NewCompressed(inner)
	require.NoError(t, err)
	defer c.Close()

	state := []byte("the same snapshot bytes, the same snapshot bytes, the same snapshot bytes")
	require.NoError(t, c.SaveState(context.Background(), "doc", state))

	raw, err := inner.LoadState(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, zstdMagic, raw[:4])

	got, err := c.LoadState(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, state, got)

	require.NoError(t, inner.SaveState(context.Background(), "plain", []byte{1, 0}))
	got, err = c.LoadState(context.Background(), "plain")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0}, got)

	_, err = c.LoadState(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
