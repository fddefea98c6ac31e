package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/livinlefevreloca/fieldsync/internal/remote"
)

// ErrMissingContext means no user or company could be established. The
// caller must re-authenticate; retrying will not help.
var ErrMissingContext = errors.New("reconcile: missing user or company context")

// Auth supplies the current user and company
type Auth interface {
	// EnsureContext loads any stored identity
	EnsureContext(ctx context.Context) error
	// RefreshContext re-reads the identity from the backend
	RefreshContext(ctx context.Context) (*remote.Identity, error)
	// Identity returns the current identity, if known
	Identity() (remote.Identity, bool)
}

// IdentitySource reads the authenticated identity; *remote.Client satisfies it
type IdentitySource interface {
	Me(ctx context.Context) (*remote.Identity, error)
}

// CachedAuth keeps the identity returned by the backend in memory
type CachedAuth struct {
	source IdentitySource
	logger *slog.Logger

	mu       sync.RWMutex
	identity *remote.Identity
}

// NewCachedAuth creates an auth provider. seed may be nil.
func NewCachedAuth(source IdentitySource, seed *remote.Identity, logger *slog.Logger) *CachedAuth {
	return &CachedAuth{source: source, identity: seed, logger: logger}
}

// EnsureContext implements Auth. The identity is only held in memory, so
// there is nothing to load.
func (a *CachedAuth) EnsureContext(ctx context.Context) error {
	return nil
}

// RefreshContext implements Auth
func (a *CachedAuth) RefreshContext(ctx context.Context) (*remote.Identity, error) {
	id, err := a.source.Me(ctx)
	if err != nil {
		if remote.IsAuth(err) {
			return nil, fmt.Errorf("%w: %v", ErrMissingContext, err)
		}
		return nil, fmt.Errorf("refresh identity: %w", err)
	}

	a.mu.Lock()
	a.identity = id
	a.mu.Unlock()

	a.logger.Debug("identity refreshed", "user_id", id.UserID, "company_id", id.CompanyID)
	return id, nil
}

// Identity implements Auth
func (a *CachedAuth) Identity() (remote.Identity, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.identity == nil {
		return remote.Identity{}, false
	}
	return *a.identity, true
}

// Clear forgets the identity, for logout
func (a *CachedAuth) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identity = nil
}

// PhotoCache prefetches photo files after their records are synced
type PhotoCache interface {
	SchedulePrefetch(ctx context.Context, projectID int64) error
}

// LogPhotoCache only logs prefetch requests. It stands in when no cache
// is wired.
type LogPhotoCache struct {
	Logger *slog.Logger
}

func (c LogPhotoCache) SchedulePrefetch(ctx context.Context, projectID int64) error {
	c.Logger.Debug("photo prefetch requested", "project_id", projectID)
	return nil
}
