// Package protocol encodes and decodes the binary messages exchanged with
// editor clients: varint(kind) followed by a kind-specific payload.
//
// SYNC payloads carry a sub-message: varint(step) followed by a varint
// length-prefixed body. Step 1 carries a state vector and asks for the diff,
// step 2 carries a diff or a full state, and update carries an incremental
// update. AWARENESS and VERSION_RESTORE payloads are a single length-prefixed
// body.
package protocol

import (
	"errors"
	"fmt"

	"collabtext/realtime/internal/wire"
)

var (
	// ErrMalformed is returned for messages that cannot be decoded.
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrUnknownKind is returned for an unrecognized message kind.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
)

// Kind is the leading varint of every message.
type Kind uint64

const (
	KindSync           Kind = 0
	KindAwareness      Kind = 1
	KindVersionRestore Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAwareness:
		return "awareness"
	case KindVersionRestore:
		return "version-restore"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// SyncStep is the sub-message type of a SYNC payload.
type SyncStep uint64

const (
	SyncStep1  SyncStep = 0
	SyncStep2  SyncStep = 1
	SyncUpdate SyncStep = 2
)

func (s SyncStep) String() string {
	switch s {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("step(%d)", uint64(s))
	}
}

// Message is one decoded wire message. Step is meaningful only for KindSync.
type Message struct {
	Kind    Kind
	Step    SyncStep
	Payload []byte
}

// Decode parses a wire message. An unrecognized kind returns the message
// with its Kind set and an error wrapping ErrUnknownKind.
func Decode(b []byte) (Message, error) {
	dec := wire.NewDecoder(b)
	k, err := dec.ReadUint()
	if err != nil {
		return Message{}, fmt.Errorf("%w: kind: %v", ErrMalformed, err)
	}
	msg := Message{Kind: Kind(k)}
	switch msg.Kind {
	case KindSync:
		step, err := dec.ReadUint()
		if err != nil {
			return msg, fmt.Errorf("%w: sync step: %v", ErrMalformed, err)
		}
		msg.Step = SyncStep(step)
		if msg.Step > SyncUpdate {
			return msg, fmt.Errorf("%w: sync %s", ErrMalformed, msg.Step)
		}
	case KindAwareness, KindVersionRestore:
	default:
		return msg, fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind)
	}
	payload, err := dec.ReadBytes()
	if err != nil {
		return msg, fmt.Errorf("%w: %s payload: %v", ErrMalformed, msg.Kind, err)
	}
	if dec.Remaining() != 0 {
		return msg, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, dec.Remaining())
	}
	msg.Payload = payload
	return msg, nil
}

// Encode returns the wire form of m.
func (m Message) Encode() []byte {
	enc := wire.NewEncoder(len(m.Payload) + 8)
	enc.WriteUint(uint64(m.Kind))
	if m.Kind == KindSync {
		enc.WriteUint(uint64(m.Step))
	}
	enc.WriteBytes(m.Payload)
	return enc.Bytes()
}

// EncodeSyncStep1 asks the peer for everything missing from stateVector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return Message{Kind: KindSync, Step: SyncStep1, Payload: stateVector}.Encode()
}

// EncodeSyncStep2 answers a step 1 with a diff or a full state.
func EncodeSyncStep2(update []byte) []byte {
	return Message{Kind: KindSync, Step: SyncStep2, Payload: update}.Encode()
}

func EncodeSyncUpdate(update []byte) []byte {
	return Message{Kind: KindSync, Step: SyncUpdate, Payload: update}.Encode()
}

func EncodeAwareness(update []byte) []byte {
	return Message{Kind: KindAwareness, Payload: update}.Encode()
}

// EncodeVersionRestore tells clients to replace their state with fullState.
func EncodeVersionRestore(fullState []byte) []byte {
	return Message{Kind: KindVersionRestore, Payload: fullState}.Encode()
}

// Handshake returns the messages sent to a newly attached connection, in
// order: the server state vector, the full state, and the presence of every
// current client when there is any.
func Handshake(stateVector, fullState, awareness []byte, present int) [][]byte {
	out := [][]byte{EncodeSyncStep1(stateVector), EncodeSyncStep2(fullState)}
	if present > 0 {
		out = append(out, EncodeAwareness(awareness))
	}
	return out
}
