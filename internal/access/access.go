// Package access resolves who is connecting to a document and with what
// permission, before the connection is attached.
package access

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("access: not found")
	ErrUnauthorized = errors.New("access: unauthorized")
	ErrForbidden    = errors.New("access: forbidden")
	ErrShareExpired = errors.New("access: share link expired")
)

// Permission is the access level of one connection.
type Permission string

const (
	PermissionOwner Permission = "owner"
	PermissionEdit  Permission = "edit"
	PermissionView  Permission = "view"
)

// CanEdit reports whether updates from a connection with p may be applied.
func (p Permission) CanEdit() bool {
	return p == PermissionOwner || p == PermissionEdit
}

func (p Permission) Valid() bool {
	switch p {
	case PermissionOwner, PermissionEdit, PermissionView:
		return true
	}
	return false
}

// Document is the metadata the resolver needs about a document.
type Document struct {
	ID      string
	OwnerID string
}

// Share is a share link issued for a document.
type Share struct {
	Token      string
	DocumentID string
	Permission Permission
	// ExpiresAt is zero for links that never expire.
	ExpiresAt time.Time
}

// Expired reports whether the share is no longer valid at now.
func (s Share) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// User is a registered account.
type User struct {
	ID          string
	DisplayName string
	Color       string
}

// Directory is the metadata collaborator. Lookups of absent records return
// an error wrapping ErrNotFound.
type Directory interface {
	ResolveDocument(ctx context.Context, documentID string) (Document, error)
	ResolveShare(ctx context.Context, token string) (Share, error)
	ResolveUser(ctx context.Context, userID string) (User, error)
	// FirstShare returns the oldest unexpired share of documentID.
	FirstShare(ctx context.Context, documentID string) (Share, error)
}

// Identity is who a connection acts as.
type Identity struct {
	UserID      string
	DisplayName string
	Color       string
	Anonymous   bool
}

// Grant is the outcome of a successful resolution.
type Grant struct {
	Identity   Identity
	Permission Permission
	DocumentID string
}
