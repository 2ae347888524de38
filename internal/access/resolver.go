package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	defaultUserCacheSize = 1024
	defaultUserCacheTTL  = time.Minute
)

type ResolverOptions struct {
	Tokens *Tokens
	Clock  clock.Clock
	// UserCacheSize and UserCacheTTL bound the cache of resolved users.
	UserCacheSize int
	UserCacheTTL  time.Duration
	Logger        *zap.Logger
}

// Resolver turns the credentials presented on a connection into a Grant.
type Resolver struct {
	dir    Directory
	tokens *Tokens
	clock  clock.Clock
	users  *expirable.LRU[string, User]
	log    *zap.Logger
}

func NewResolver(dir Directory, opts ResolverOptions) *Resolver {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.UserCacheSize <= 0 {
		opts.UserCacheSize = defaultUserCacheSize
	}
	if opts.UserCacheTTL <= 0 {
		opts.UserCacheTTL = defaultUserCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Resolver{
		dir:    dir,
		tokens: opts.Tokens,
		clock:  opts.Clock,
		users:  expirable.NewLRU[string, User](opts.UserCacheSize, nil, opts.UserCacheTTL),
		log:    opts.Logger.Named("access"),
	}
}

// Resolve authorizes a connection to documentID. bearer is an access token
// and shareToken a share link token; either may be empty. A bearer token
// decides identity; a share token narrows the permission of a non-owner.
//
// Nothing is mutated on failure.
func (r *Resolver) Resolve(ctx context.Context, documentID, bearer, shareToken string) (Grant, error) {
	doc, err := r.dir.ResolveDocument(ctx, documentID)
	if err != nil {
		return Grant{}, fmt.Errorf("resolve document %s: %w", documentID, err)
	}
	if bearer != "" {
		return r.resolveUser(ctx, doc, bearer, shareToken)
	}
	if shareToken == "" {
		return Grant{}, fmt.Errorf("%w: no credentials", ErrUnauthorized)
	}
	share, err := r.share(ctx, doc.ID, shareToken)
	if err != nil {
		return Grant{}, err
	}
	return Grant{
		Identity:   anonymous(),
		Permission: share.Permission,
		DocumentID: doc.ID,
	}, nil
}

func (r *Resolver) resolveUser(ctx context.Context, doc Document, bearer, shareToken string) (Grant, error) {
	if r.tokens == nil {
		return Grant{}, fmt.Errorf("%w: bearer tokens not accepted", ErrUnauthorized)
	}
	claims, err := r.tokens.Verify(bearer)
	if err != nil {
		return Grant{}, err
	}
	user, err := r.user(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Grant{}, fmt.Errorf("%w: unknown user %s", ErrUnauthorized, claims.UserID)
		}
		return Grant{}, err
	}
	grant := Grant{
		Identity: Identity{
			UserID:      user.ID,
			DisplayName: user.DisplayName,
			Color:       user.Color,
		},
		DocumentID: doc.ID,
	}
	switch {
	case doc.OwnerID != "" && doc.OwnerID == user.ID:
		grant.Permission = PermissionOwner
	case shareToken != "":
		share, err := r.share(ctx, doc.ID, shareToken)
		if err != nil {
			return Grant{}, err
		}
		grant.Permission = share.Permission
	default:
		// NOTE: any share of the document admits an authenticated
		// non-owner, whoever the link was issued to. Pending product
		// review; kept for compatibility with existing clients.
		share, err := r.dir.FirstShare(ctx, doc.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Grant{}, fmt.Errorf("%w: %s is not shared", ErrForbidden, doc.ID)
			}
			return Grant{}, err
		}
		if share.Expired(r.clock.Now()) {
			return Grant{}, fmt.Errorf("%w: %s", ErrShareExpired, doc.ID)
		}
		grant.Permission = share.Permission
	}
	return grant, nil
}

func (r *Resolver) share(ctx context.Context, documentID, token string) (Share, error) {
	share, err := r.dir.ResolveShare(ctx, token)
	if err != nil {
		return Share{}, fmt.Errorf("resolve share: %w", err)
	}
	if share.DocumentID != documentID {
		return Share{}, fmt.Errorf("%w: share is for another document", ErrForbidden)
	}
	if share.Expired(r.clock.Now()) {
		return Share{}, ErrShareExpired
	}
	if !share.Permission.Valid() {
		return Share{}, fmt.Errorf("%w: share permission %q", ErrForbidden, share.Permission)
	}
	return share, nil
}

func (r *Resolver) user(ctx context.Context, id string) (User, error) {
	if u, ok := r.users.Get(id); ok {
		return u, nil
	}
	u, err := r.dir.ResolveUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if u.Color == "" {
		u.Color = ColorFor(u.DisplayName)
	}
	r.users.Add(id, u)
	return u, nil
}

func anonymous() Identity {
	return Identity{
		UserID:      "anon-" + ulid.Make().String(),
		DisplayName: "Anonymous",
		Color:       randomColor(),
		Anonymous:   true,
	}
}
