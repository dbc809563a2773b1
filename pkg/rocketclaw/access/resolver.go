package access

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Principal is a chat identity as seen by access-control checks.
type Principal struct {
	ID       string
	Username string
}

// RoleClient fetches the server-side role list of a user.
type RoleClient interface {
	UserRoles(ctx context.Context, userID string) ([]string, error)
}

// roleCacheTTL bounds role-lookup API traffic per principal.
const roleCacheTTL = 5 * time.Minute

type roleCacheEntry struct {
	roles   []string
	fetched time.Time
}

// Resolver answers "does principal P match pattern set S?". Patterns:
//
//	@handle      case-insensitive handle match, no network call
//	role:<name>  server-side role membership, cached per user id
//	<id>         exact id match
//	<handle>     case-insensitive handle match
//
// Lookup failures count as "no match"; a resolver check never fails.
type Resolver struct {
	roles  RoleClient
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]roleCacheEntry
}

// NewResolver creates a resolver. roles may be nil, in which case role:
// patterns never match.
func NewResolver(roles RoleClient, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		roles:  roles,
		logger: logger.With("component", "resolver"),
		now:    time.Now,
		cache:  make(map[string]roleCacheEntry),
	}
}

// Matches reports whether p matches any pattern in patterns.
func (r *Resolver) Matches(ctx context.Context, p Principal, patterns []string) bool {
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		switch {
		case strings.HasPrefix(pat, "role:"):
			if r.hasRole(ctx, p.ID, strings.TrimPrefix(pat, "role:")) {
				return true
			}
		case strings.HasPrefix(pat, "@"):
			if p.Username != "" && strings.EqualFold(p.Username, pat[1:]) {
				return true
			}
		default:
			if p.ID == pat {
				return true
			}
			if p.Username != "" && strings.EqualFold(p.Username, pat) {
				return true
			}
		}
	}
	return false
}

// hasRole checks role membership with a TTL'd per-user cache. A cache miss
// performs exactly one lookup; errors are logged and reported as no match.
func (r *Resolver) hasRole(ctx context.Context, userID, role string) bool {
	if r.roles == nil || userID == "" {
		return false
	}

	r.mu.Lock()
	entry, ok := r.cache[userID]
	fresh := ok && r.now().Sub(entry.fetched) < roleCacheTTL
	r.mu.Unlock()

	if !fresh {
		roles, err := r.roles.UserRoles(ctx, userID)
		if err != nil {
			r.logger.Debug("role lookup failed, treating as no match", "user", userID, "error", err)
			return false
		}
		entry = roleCacheEntry{roles: roles, fetched: r.now()}
		r.mu.Lock()
		r.cache[userID] = entry
		r.mu.Unlock()
	}

	for _, have := range entry.roles {
		if strings.EqualFold(have, role) {
			return true
		}
	}
	return false
}
