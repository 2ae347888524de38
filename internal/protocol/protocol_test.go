package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodedMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want Message
	}{
		{"step1", EncodeSyncStep1([]byte{0}), Message{Kind: KindSync, Step: SyncStep1, Payload: []byte{0}}},
		{"step2", EncodeSyncStep2([]byte{1, 0}), Message{Kind: KindSync, Step: SyncStep2, Payload: []byte{1, 0}}},
		{"update", EncodeSyncUpdate([]byte{1, 2, 3}), Message{Kind: KindSync, Step: SyncUpdate, Payload: []byte{1, 2, 3}}},
		{"awareness", EncodeAwareness([]byte{0}), Message{Kind: KindAwareness, Payload: []byte{0}}},
		{"restore", EncodeVersionRestore([]byte{1, 0}), Message{Kind: KindVersionRestore, Payload: []byte{1, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWireLayout(t *testing.T) {
	assert.Equal(t, []byte{0, 2, 2, 0xaa, 0xbb}, EncodeSyncUpdate([]byte{0xaa, 0xbb}))
	assert.Equal(t, []byte{1, 1, 0x00}, EncodeAwareness([]byte{0}))
	assert.Equal(t, []byte{3, 0}, EncodeVersionRestore(nil))
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil)
	require.ErrorIs(t, err, ErrMalformed)

	msg, err := Decode([]byte{7, 0})
	require.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, Kind(7), msg.Kind)

	_, err = Decode([]byte{0, 9, 0})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte{1, 5, 1})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(append(EncodeAwareness([]byte{0}), 4))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestHandshakeOrder(t *testing.T) {
	msgs := Handshake([]byte{0}, []byte{1, 0}, nil, 0)
	require.Len(t, msgs, 2)

	first, err := Decode(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, SyncStep1, first.Step)
	second, err := Decode(msgs[1])
	require.NoError(t, err)
	assert.Equal(t, SyncStep2, second.Step)

	msgs = Handshake([]byte{0}, []byte{1, 0}, []byte{1, 1, 1, 2, '{', '}'}, 1)
	require.Len(t, msgs, 3)
	third, err := Decode(msgs[2])
	require.NoError(t, err)
	assert.Equal(t, KindAwareness, third.Kind)
}
