package permission

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/ledgerly/model"
)

// cacheKey identifies a cached resolution. Keeping the parts apart means no
// subject, module, or role name can collide with another's key.
type cacheKey struct {
	user, module, entity string
	roles                string
}

type cacheEntry struct {
	perm    *model.Permission
	expires time.Time
}

// CacheObserver is notified of every cache lookup.
type CacheObserver func(hit bool)

// Resolver resolves the effective permission of a caller over a
// (module, entity) with a bounded-TTL in-memory cache. Precedence is the
// stored per-user permission, then the role policy default, then no
// permission at all.
type Resolver struct {
	store    Store
	policy   *RolePolicy
	ttl      time.Duration
	observer CacheObserver
	now      func() time.Time

	mu        sync.RWMutex
	cache     map[cacheKey]cacheEntry
	lastSweep time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCacheObserver registers fn to be called on every cache lookup.
func WithCacheObserver(fn CacheObserver) ResolverOption {
	return func(r *Resolver) { r.observer = fn }
}

// NewResolver creates a new Resolver. A nil policy grants nothing by role.
func NewResolver(store Store, policy *RolePolicy, ttl time.Duration, opts ...ResolverOption) *Resolver {
	if policy == nil {
		policy = &RolePolicy{}
	}
	r := &Resolver{
		store:  store,
		policy: policy,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[cacheKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func keyFor(rctx *model.RequestContext, module, entity string) cacheKey {
	roles := make([]string, len(rctx.Roles))
	for i, role := range rctx.Roles {
		roles[i] = strconv.Quote(role)
	}
	sort.Strings(roles)
	return cacheKey{user: rctx.SubjectID, module: module, entity: entity, roles: strings.Join(roles, ",")}
}

// Resolve returns the caller's permission, served from cache while fresh.
// Use it for reads and event fan-out.
func (r *Resolver) Resolve(ctx context.Context, rctx *model.RequestContext, module, entity string) (*model.Permission, error) {
	key := keyFor(rctx, module, entity)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		r.observe(true)
		return entry.perm.Clone(), nil
	}
	r.observe(false)

	return r.ResolveFresh(ctx, rctx, module, entity)
}

// ResolveFresh bypasses the cache, reads the permission from its sources and
// refreshes the cache entry. Every mutation resolves through here.
func (r *Resolver) ResolveFresh(ctx context.Context, rctx *model.RequestContext, module, entity string) (*model.Permission, error) {
	perm, err := r.store.Get(ctx, rctx.SubjectID, module, entity)
	switch {
	case err == nil:
	case model.Is(err, model.ErrNotFound):
		if def, ok := r.policy.Default(rctx.SubjectID, rctx.Roles, module, entity); ok {
			perm = def
		} else {
			perm = model.NoPermission(rctx.SubjectID, module, entity)
		}
	default:
		return nil, model.WrapStorage(err)
	}

	if r.ttl > 0 {
		now := r.now()
		r.mu.Lock()
		if now.Sub(r.lastSweep) >= r.ttl {
			r.sweepLocked(now)
		}
		r.cache[keyFor(rctx, module, entity)] = cacheEntry{perm: perm.Clone(), expires: now.Add(r.ttl)}
		r.mu.Unlock()
	}
	return perm, nil
}

// Invalidate clears cached permissions of a user over a (module, entity).
func (r *Resolver) Invalidate(userID, module, entity string) {
	r.mu.Lock()
	for key := range r.cache {
		if key.user == userID && key.module == module && key.entity == entity {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// InvalidateAll clears the whole cache, e.g. after the role policy reloads.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[cacheKey]cacheEntry)
	r.mu.Unlock()
}

// Len reports the number of cached resolutions, expired ones included.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// sweepLocked drops expired entries, at most once per TTL. r.mu must be held.
func (r *Resolver) sweepLocked(now time.Time) {
	for key, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, key)
		}
	}
	r.lastSweep = now
}

func (r *Resolver) observe(hit bool) {
	if r.observer != nil {
		r.observer(hit)
	}
}
