// Package directory resolves user ids to users for notification routing
// and display names. Lookups go through a short-lived LRU cache.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"snagline/internal/domain"
	"snagline/internal/logger"
	"snagline/internal/repo"
)

const (
	defaultCacheSize = 512
	defaultCacheTTL  = time.Minute
)

type Directory struct {
	Repo  repo.Repo
	log   *logger.Logger
	cache *expirable.LRU[string, domain.User]
}

func New(r repo.Repo, log *logger.Logger, ttl time.Duration) *Directory {
	if log == nil {
		log = logger.Nop()
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Directory{
		Repo:  r,
		log:   log.With("service", "Directory"),
		cache: expirable.NewLRU[string, domain.User](defaultCacheSize, nil, ttl),
	}
}

// Resolve returns the user for id. Unknown ids and lookup failures both
// report false; failures other than not-found are logged.
func (d *Directory) Resolve(ctx context.Context, id string) (domain.User, bool) {
	if id == "" {
		return domain.User{}, false
	}
	if u, ok := d.cache.Get(id); ok {
		return u, true
	}
	u, err := d.Repo.GetUser(ctx, id)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			d.log.Warn("directory lookup failed", "user_id", id, "error", err)
		}
		return domain.User{}, false
	}
	d.cache.Add(id, u)
	return u, true
}

// Name returns the display name for id, or "" when it cannot be resolved.
func (d *Directory) Name(ctx context.Context, id string) string {
	u, ok := d.Resolve(ctx, id)
	if !ok {
		return ""
	}
	return u.Name
}

// Names returns a resolver suitable for domain.Snag.View.
func (d *Directory) Names(ctx context.Context) func(id string) string {
	return func(id string) string { return d.Name(ctx, id) }
}

// ListByRole returns the users holding any of roles, ordered by name.
func (d *Directory) ListByRole(ctx context.Context, roles ...domain.Role) ([]domain.User, error) {
	users, err := d.Repo.ListUsers(ctx, roles...)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		d.cache.Add(u.ID, u)
	}
	return users, nil
}

// Forget drops a cached entry after the user changes.
func (d *Directory) Forget(id string) {
	d.cache.Remove(id)
}
