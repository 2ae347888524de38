package replica

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func edits(t *testing.T) [][]byte {
	t.Helper()
	alice := NewDocWithClient(1)
	bob := NewDocWithClient(2)
	var updates [][]byte
	for i := 0; i < 5; i++ {
		u, err := alice.Set("title", []byte(fmt.Sprintf("alice-%d", i)))
		require.NoError(t, err)
		updates = append(updates, u)
		u, err = bob.Set("title", []byte(fmt.Sprintf("bob-%d", i)))
		require.NoError(t, err)
		updates = append(updates, u)
		u, err = bob.Set(fmt.Sprintf("block-%d", i), []byte("body"))
		require.NoError(t, err)
		updates = append(updates, u)
	}
	u, err := alice.Delete("block-4")
	require.NoError(t, err)
	return append(updates, u)
}

func TestConvergenceAnyOrderWithDuplicates(t *testing.T) {
	updates := edits(t)

	reference := NewDocWithClient(100)
	for _, u := range updates {
		_, err := reference.Apply(u, OriginRemoteFanOut)
		require.NoError(t, err)
	}

	rng := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 20; round++ {
		shuffled := append([][]byte(nil), updates...)
		shuffled = append(shuffled, updates[rng.IntN(len(updates))], updates[rng.IntN(len(updates))])
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		d := NewDocWithClient(uint64(200 + round))
		for _, u := range shuffled {
			_, err := d.Apply(u, OriginRemoteFanOut)
			require.NoError(t, err)
		}
		assert.Equal(t, reference.EncodeStateAsUpdate(), d.EncodeStateAsUpdate(), "round %d", round)
		assert.Equal(t, reference.Snapshot(), d.Snapshot(), "round %d", round)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	src := NewDocWithClient(1)
	u, err := src.Set("k", []byte("v"))
	require.NoError(t, err)

	d := NewDocWithClient(2)
	first, err := d.Apply(u, OriginLocalClient)
	require.NoError(t, err)
	assert.True(t, first.Changed())
	once := d.EncodeStateAsUpdate()

	second, err := d.Apply(u, OriginLocalClient)
	require.NoError(t, err)
	assert.False(t, second.Changed())
	assert.Equal(t, Effects{}, second.Effects)
	assert.Equal(t, once, d.EncodeStateAsUpdate())
}

func TestLastWriterWinsAndCollapse(t *testing.T) {
	d := NewDocWithClient(1)
	_, err := d.Set("k", []byte("one"))
	require.NoError(t, err)
	_, err = d.Set("k", []byte("two"))
	require.NoError(t, err)

	v, ok := d.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("two"), v)
	assert.Equal(t, 2, d.Len())

	_, err = d.Delete("k")
	require.NoError(t, err)
	_, ok = d.Get("k")
	assert.False(t, ok)
	assert.Empty(t, d.Snapshot())
}

func TestDiffAgainstStateVector(t *testing.T) {
	server := NewDocWithClient(1)
	for i := 0; i < 3; i++ {
		_, err := server.Set(fmt.Sprintf("k%d", i), []byte("v"))
		require.NoError(t, err)
	}

	peer := NewDocWithClient(2)
	diff, err := server.Diff(peer.EncodeStateVector())
	require.NoError(t, err)
	_, err = peer.Apply(diff, OriginRemoteFanOut)
	require.NoError(t, err)
	assert.Equal(t, server.Snapshot(), peer.Snapshot())

	_, err = server.Set("k3", []byte("late"))
	require.NoError(t, err)
	diff, err = server.Diff(peer.EncodeStateVector())
	require.NoError(t, err)

	fresh := NewDocWithClient(3)
	_, err = fresh.Apply(diff, OriginRemoteFanOut)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"k3": []byte("late")}, fresh.Snapshot())
	assert.Equal(t, map[uint64]uint64{1: 4}, server.StateVector())
}

func TestGapsDoNotAdvanceStateVector(t *testing.T) {
	src := NewDocWithClient(9)
	first, err := src.Set("a", []byte("1"))
	require.NoError(t, err)
	second, err := src.Set("b", []byte("2"))
	require.NoError(t, err)

	d := NewDocWithClient(1)
	_, err = d.Apply(second, OriginRemoteFanOut)
	require.NoError(t, err)
	assert.Empty(t, d.StateVector())

	_, err = d.Apply(first, OriginRemoteFanOut)
	require.NoError(t, err)
	assert.Equal(t, map[uint64]uint64{9: 2}, d.StateVector())
}

func TestLoadRoundTrip(t *testing.T) {
	empty, err := Load(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Snapshot())

	src := NewDocWithClient(5)
	_, err = src.Set("k", []byte("v"))
	require.NoError(t, err)
	state := src.EncodeStateAsUpdate()

	loaded, err := Load(state)
	require.NoError(t, err)
	assert.Equal(t, state, loaded.EncodeStateAsUpdate())
}

func TestMalformedUpdateRejected(t *testing.T) {
	d := NewDocWithClient(1)
	for _, b := range [][]byte{{9}, {1, 5}, {1, 1, 1, 1}, append(NewDocWithClient(2).EncodeStateAsUpdate(), 0)} {
		_, err := d.Apply(b, OriginLocalClient)
		require.ErrorIs(t, err, ErrMalformedUpdate)
	}
	_, err := d.Diff([]byte{3, 1})
	require.ErrorIs(t, err, ErrMalformedUpdate)
	assert.Equal(t, 0, d.Len())
}

func TestDestroy(t *testing.T) {
	d := NewDoc()
	d.Destroy()
	_, err := d.Apply(nil, OriginLocalClient)
	require.ErrorIs(t, err, ErrDestroyed)
	_, err = d.Set("k", nil)
	require.ErrorIs(t, err, ErrDestroyed)
}

func TestEffectsOf(t *testing.T) {
	assert.Equal(t, Effects{Broadcast: true, ExcludeSender: true, Publish: true, Save: true}, EffectsOf(OriginLocalClient))
	assert.Equal(t, Effects{Broadcast: true, Save: true}, EffectsOf(OriginRemoteFanOut))
	assert.Equal(t, Effects{}, EffectsOf(OriginPersistenceLoad))
	assert.False(t, AwarenessEffectsOf(OriginRemoteFanOut).Publish)
	assert.True(t, AwarenessEffectsOf(OriginLocalClient).Publish)
	assert.Equal(t, "restore", OriginVersionRestore.String())
}
