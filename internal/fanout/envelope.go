// Package fanout keeps the replicas of one document converged across every
// server process. Local mutations are published to a broker channel scoped
// to the document; mutations received from sibling processes are applied
// locally and broadcast to local connections only.
//
// Every broker message is prefixed with the publishing process id and a '|'
// separator. A process discards messages carrying its own id, and never
// republishes what it received, so each mutation is published exactly once
// by the process where it originated.
package fanout

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ErrBrokerUnavailable wraps publish and subscribe failures.
var ErrBrokerUnavailable = errors.New("fanout: broker unavailable")

// ErrMalformedEnvelope is returned for broker messages without a process id prefix.
var ErrMalformedEnvelope = errors.New("fanout: malformed envelope")

// Separator ends the process id prefix of every broker message.
const Separator byte = '|'

// Channel topics.
const (
	TopicEdits    = "edits"
	TopicPresence = "presence"
	TopicRestore  = "restore"
)

const channelPrefix = "document:"

// Channel returns the broker channel of documentID for topic.
func Channel(documentID, topic string) string {
	return channelPrefix + documentID + ":" + topic
}

// ParseChannel splits a channel name into document id and topic.
func ParseChannel(channel string) (documentID, topic string, ok bool) {
	rest, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// Encode prefixes payload with the publishing process id.
func Encode(processID string, payload []byte) []byte {
	out := make([]byte, 0, len(processID)+1+len(payload))
	out = append(out, processID...)
	out = append(out, Separator)
	return append(out, payload...)
}

// Decode splits a broker message into its process id and payload.
func Decode(msg []byte) (processID string, payload []byte, err error) {
	i := bytes.IndexByte(msg, Separator)
	if i < 0 {
		return "", nil, fmt.Errorf("%w: no separator in %d bytes", ErrMalformedEnvelope, len(msg))
	}
	return string(msg[:i]), msg[i+1:], nil
}
