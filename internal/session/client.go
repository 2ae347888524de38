package session

import "collabtext/realtime/internal/access"

// Sender delivers encoded frames to one connection. Send must not block; it
// returns false when the frame could not be queued.
type Sender interface {
	Send(frame []byte) bool
}

// Client is one connection attached to one document.
type Client struct {
	ID         string
	Identity   access.Identity
	Permission access.Permission

	conn Sender
	seq  uint64
}

// NewClient binds a connection id and its grant to conn.
func NewClient(id string, grant access.Grant, conn Sender) *Client {
	return &Client{
		ID:         id,
		Identity:   grant.Identity,
		Permission: grant.Permission,
		conn:       conn,
	}
}

// PresentUser is one distinct user connected to a document.
type PresentUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
}
