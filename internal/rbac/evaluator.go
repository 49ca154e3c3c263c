// Package rbac evaluates role based permissions for authenticated sessions.
package rbac

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/staffdesk/staffdesk/internal/auth"
	"github.com/staffdesk/staffdesk/internal/observability"
	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/shared"
)

const defaultTimeout = 3 * time.Second

// AssignmentReader reads the committed permission ids of a role.
type AssignmentReader interface {
	RolePermissionIDs(ctx context.Context, roleID uuid.UUID) ([]permissions.ID, error)
}

// Options configures an Evaluator.
type Options struct {
	Cache   RoleCache
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Evaluator answers permission questions for sessions. Lookups against a
// session State are pure map reads; PermissionsForRole builds those maps.
type Evaluator struct {
	catalog *permissions.Catalog
	reader  AssignmentReader
	cache   RoleCache
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
	flights singleflight.Group
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(catalog *permissions.Catalog, reader AssignmentReader, opts Options) *Evaluator {
	e := &Evaluator{
		catalog: catalog,
		reader:  reader,
		cache:   opts.Cache,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Catalog returns the catalog the evaluator checks against.
func (e *Evaluator) Catalog() *permissions.Catalog { return e.catalog }

// Empty returns a map holding every catalog id set to false.
func (e *Evaluator) Empty() map[permissions.ID]bool {
	out := make(map[permissions.ID]bool, e.catalog.Len())
	for _, id := range e.catalog.IDs() {
		out[id] = false
	}
	return out
}

// PermissionsForRole returns a map with a key for every catalog permission,
// true only for ids granted to the role. uuid.Nil and unknown roles grant nothing.
func (e *Evaluator) PermissionsForRole(ctx context.Context, roleID uuid.UUID) (map[permissions.ID]bool, error) {
	out := e.Empty()
	if roleID == uuid.Nil {
		return out, nil
	}
	granted, err := e.grantedIDs(ctx, roleID)
	if err != nil {
		return nil, err
	}
	for _, id := range granted {
		if _, known := out[id]; !known {
			e.logger.Warn("role grants permission missing from catalog",
				slog.String("role_id", roleID.String()),
				slog.String("permission", string(id)),
			)
			continue
		}
		out[id] = true
	}
	return out, nil
}

// grantedIDs loads the role's assignments through the cache. Concurrent loads
// for the same role share one storage round trip.
func (e *Evaluator) grantedIDs(ctx context.Context, roleID uuid.UUID) ([]permissions.ID, error) {
	ch := e.flights.DoChan(roleID.String(), func() (any, error) {
		// The shared load must not die with whichever caller arrived first.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		return e.load(loadCtx, roleID)
	})
	select {
	case <-ctx.Done():
		return nil, shared.ClassifyStorage(ctx, "rbac: permissions for role", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		ids := res.Val.([]permissions.ID)
		return clone(ids), nil
	}
}

func (e *Evaluator) load(ctx context.Context, roleID uuid.UUID) ([]permissions.ID, error) {
	var version int64
	cacheUsable := e.cache != nil
	if cacheUsable {
		ids, ver, hit, err := e.cache.Lookup(ctx, roleID)
		switch {
		case err != nil:
			e.metrics.PermissionCache("error")
			e.logger.Warn("permission cache lookup", slog.String("role_id", roleID.String()), slog.Any("error", err))
			cacheUsable = false
		case hit:
			e.metrics.PermissionCache("hit")
			return ids, nil
		default:
			e.metrics.PermissionCache("miss")
			version = ver
		}
	}

	ids, err := e.reader.RolePermissionIDs(ctx, roleID)
	if err != nil {
		return nil, shared.ClassifyStorage(ctx, "rbac: permissions for role", err)
	}
	if cacheUsable {
		if err := e.cache.Store(ctx, roleID, version, ids); err != nil {
			e.logger.Warn("permission cache store", slog.String("role_id", roleID.String()), slog.Any("error", err))
		}
	}
	return ids, nil
}

// InvalidateRole drops cached assignments for a role.
func (e *Evaluator) InvalidateRole(ctx context.Context, roleID uuid.UUID) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.InvalidateRole(ctx, roleID)
}

// Has reports whether the session holds permission id. It fails closed: any
// stage other than authenticated, a missing role or an unknown id yields false.
func (e *Evaluator) Has(state auth.State, id permissions.ID) bool {
	if state.Stage != auth.StageAuthenticated || state.Role == nil {
		return false
	}
	if !e.catalog.Exists(id) {
		return false
	}
	return state.Permissions[id]
}

// HasAny reports whether at least one of ids is granted.
func (e *Evaluator) HasAny(state auth.State, ids ...permissions.ID) bool {
	for _, id := range ids {
		if e.Has(state, id) {
			return true
		}
	}
	return false
}

// HasAll reports whether every id is granted. An empty list is never granted.
func (e *Evaluator) HasAll(state auth.State, ids ...permissions.ID) bool {
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if !e.Has(state, id) {
			return false
		}
	}
	return true
}
