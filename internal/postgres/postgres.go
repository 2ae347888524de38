// Package postgres implements document storage and the identity directory
// on PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"collabtext/realtime/internal/access"
	"collabtext/realtime/internal/persist"
)

//go:embed schema.sql
var schema string

// DB wraps a connection pool. It is both a persist.StateStore and an
// access.Directory.
type DB struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var (
	_ persist.StateStore = (*DB)(nil)
	_ access.Directory   = (*DB)(nil)
)

// Open connects to url and verifies the connection.
func Open(ctx context.Context, url string, logger *zap.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Named("postgres").Info("connected",
		zap.String("host", cfg.ConnConfig.Host), zap.String("database", cfg.ConnConfig.Database))
	return &DB{pool: pool, log: logger.Named("postgres")}, nil
}

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// LoadState returns the saved snapshot. A document that exists but was never
// saved has an empty snapshot.
func (db *DB) LoadState(ctx context.Context, documentID string) ([]byte, error) {
	var content []byte
	err := db.pool.QueryRow(ctx, `SELECT content FROM documents WHERE id = $1`, documentID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", documentID, persist.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", persist.ErrUnavailable, documentID, err)
	}
	return content, nil
}

func (db *DB) SaveState(ctx context.Context, documentID string, state []byte) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE documents SET content = $2, updated_at = now() WHERE id = $1`, documentID, state)
	if err != nil {
		return fmt.Errorf("%w: save %s: %v", persist.ErrUnavailable, documentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", documentID, persist.ErrNotFound)
	}
	return nil
}

func (db *DB) ResolveDocument(ctx context.Context, documentID string) (access.Document, error) {
	var owner *string
	err := db.pool.QueryRow(ctx, `SELECT owner_id FROM documents WHERE id = $1`, documentID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Document{}, fmt.Errorf("document %s: %w", documentID, access.ErrNotFound)
	}
	if err != nil {
		return access.Document{}, fmt.Errorf("resolve document %s: %w", documentID, err)
	}
	doc := access.Document{ID: documentID}
	if owner != nil {
		doc.OwnerID = *owner
	}
	return doc, nil
}

const shareColumns = `token, document_id, permission, expires_at`

func scanShare(row pgx.Row) (access.Share, error) {
	var (
		s       access.Share
		perm    string
		expires *time.Time
	)
	if err := row.Scan(&s.Token, &s.DocumentID, &perm, &expires); err != nil {
		return access.Share{}, err
	}
	s.Permission = access.Permission(perm)
	if expires != nil {
		s.ExpiresAt = *expires
	}
	return s, nil
}

func (db *DB) ResolveShare(ctx context.Context, token string) (access.Share, error) {
	s, err := scanShare(db.pool.QueryRow(ctx,
		`SELECT `+shareColumns+` FROM document_shares WHERE token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Share{}, fmt.Errorf("share: %w", access.ErrNotFound)
	}
	if err != nil {
		return access.Share{}, fmt.Errorf("resolve share: %w", err)
	}
	return s, nil
}

func (db *DB) FirstShare(ctx context.Context, documentID string) (access.Share, error) {
	s, err := scanShare(db.pool.QueryRow(ctx,
		`SELECT `+shareColumns+` FROM document_shares
		 WHERE document_id = $1 AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY created_at LIMIT 1`, documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Share{}, fmt.Errorf("share of %s: %w", documentID, access.ErrNotFound)
	}
	if err != nil {
		return access.Share{}, fmt.Errorf("first share of %s: %w", documentID, err)
	}
	return s, nil
}

func (db *DB) ResolveUser(ctx context.Context, userID string) (access.User, error) {
	var u access.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, username, color FROM users WHERE id = $1`, userID).Scan(&u.ID, &u.DisplayName, &u.Color)
	if errors.Is(err, pgx.ErrNoRows) {
		return access.User{}, fmt.Errorf("user %s: %w", userID, access.ErrNotFound)
	}
	if err != nil {
		return access.User{}, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	return u, nil
}

// CreateDocument inserts an empty document owned by ownerID.
func (db *DB) CreateDocument(ctx context.Context, documentID, ownerID string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO documents (id, owner_id) VALUES ($1, NULLIF($2, ''))`, documentID, ownerID)
	return err
}

// CreateUser inserts a user.
func (db *DB) CreateUser(ctx context.Context, u access.User) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, username, color) VALUES ($1, $2, $3)`, u.ID, u.DisplayName, u.Color)
	return err
}

// CreateShare inserts a share link.
func (db *DB) CreateShare(ctx context.Context, s access.Share) error {
	var expires *time.Time
	if !s.ExpiresAt.IsZero() {
		expires = &s.ExpiresAt
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO document_shares (token, document_id, permission, expires_at) VALUES ($1, $2, $3, $4)`,
		s.Token, s.DocumentID, string(s.Permission), expires)
	return err
}
