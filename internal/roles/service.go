package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/staffdesk/staffdesk/internal/observability"
	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/shared"
)

const defaultTimeout = 5 * time.Second

// Invalidator drops cached permission data for a role after its assignments change.
type Invalidator interface {
	InvalidateRole(ctx context.Context, roleID uuid.UUID) error
}

// Invalidators runs each invalidator in order. Later entries may rebuild from
// caches dropped by earlier ones.
type Invalidators []Invalidator

// InvalidateRole calls every invalidator and joins their errors.
func (is Invalidators) InvalidateRole(ctx context.Context, roleID uuid.UUID) error {
	var errs []error
	for _, inv := range is {
		if inv == nil {
			continue
		}
		if err := inv.InvalidateRole(ctx, roleID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options configures a Store.
type Options struct {
	// ProtectedNames lists role names that can never be deleted or renamed.
	ProtectedNames []string
	// Timeout bounds every call against the repository.
	Timeout     time.Duration
	Invalidator Invalidator
	Audit       shared.AuditRecorder
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Store owns roles and their permission assignments. Every mutation runs in a
// single transaction and either fully applies or leaves storage untouched.
type Store struct {
	repo        Repository
	catalog     *permissions.Catalog
	protected   map[string]struct{}
	timeout     time.Duration
	invalidator Invalidator
	audit       shared.AuditRecorder
	logger      *slog.Logger
	metrics     *observability.Metrics
	validate    *validator.Validate
}

// NewStore constructs a Store.
func NewStore(repo Repository, catalog *permissions.Catalog, opts Options) *Store {
	s := &Store{
		repo:        repo,
		catalog:     catalog,
		protected:   make(map[string]struct{}, len(opts.ProtectedNames)),
		timeout:     opts.Timeout,
		invalidator: opts.Invalidator,
		audit:       opts.Audit,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		validate:    validator.New(),
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, name := range opts.ProtectedNames {
		if folded := foldName(name); folded != "" {
			s.protected[folded] = struct{}{}
		}
	}
	return s
}

// IsProtected reports whether a role with this name is protected.
func (s *Store) IsProtected(name string) bool {
	_, ok := s.protected[foldName(name)]
	return ok
}

// List returns all roles ordered by name.
func (s *Store) List(ctx context.Context) ([]Role, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, shared.ClassifyStorage(ctx, "roles: list", err)
	}
	sort.SliceStable(roles, func(i, j int) bool {
		return foldName(roles[i].Name) < foldName(roles[j].Name)
	})
	return roles, nil
}

// Get fetches a single role.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Role, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return Role{}, shared.ClassifyStorage(ctx, "roles: get", err)
	}
	return role, nil
}

// GetWithPermissions returns a role and the permission ids it currently grants.
func (s *Store) GetWithPermissions(ctx context.Context, id uuid.UUID) (RoleWithPermissions, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return RoleWithPermissions{}, shared.ClassifyStorage(ctx, "roles: get", err)
	}
	ids, err := s.repo.RolePermissionIDs(ctx, id)
	if err != nil {
		return RoleWithPermissions{}, shared.ClassifyStorage(ctx, "roles: get permissions", err)
	}
	if ids == nil {
		ids = []permissions.ID{}
	}
	return RoleWithPermissions{Role: role, PermissionIDs: ids}, nil
}

// Create validates the input and inserts the role together with its full
// assignment set.
func (s *Store) Create(ctx context.Context, in CreateInput) (Role, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if err := s.validateInput(in); err != nil {
		return Role{}, err
	}
	desired, err := s.normalizePermissions(in.PermissionIDs)
	if err != nil {
		return Role{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var created Role
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := ensureUniqueName(ctx, repo, in.Name, uuid.Nil); err != nil {
			return err
		}
		role, err := repo.InsertRole(ctx, Role{ID: uuid.New(), Name: in.Name, Description: in.Description})
		if err != nil {
			return err
		}
		for _, id := range desired {
			if err := repo.InsertAssignment(ctx, role.ID, id); err != nil {
				return fmt.Errorf("assign %s: %w", id, err)
			}
		}
		created = role
		return nil
	})
	s.metrics.RoleWrite("create", err)
	if err != nil {
		return Role{}, shared.ClassifyStorage(ctx, "roles: create", fmt.Errorf("roles: create %q: %w", in.Name, err))
	}

	s.afterWrite(ctx, created.ID, "roles.create", map[string]any{
		"name":        created.Name,
		"permissions": idStrings(desired),
	})
	return created, nil
}

// Update renames the role and syncs its assignments to exactly in.PermissionIDs,
// writing only the ids that were added or removed.
func (s *Store) Update(ctx context.Context, id uuid.UUID, in UpdateInput) error {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if err := s.validateInput(in); err != nil {
		return err
	}
	desired, err := s.normalizePermissions(in.PermissionIDs)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var diff assignmentDiff
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		current, err := repo.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if s.IsProtected(current.Name) && foldName(current.Name) != foldName(in.Name) {
			return fmt.Errorf("rename %q: %w", current.Name, shared.ErrProtectedRole)
		}
		if err := ensureUniqueName(ctx, repo, in.Name, id); err != nil {
			return err
		}
		existing, err := repo.RolePermissionIDs(ctx, id)
		if err != nil {
			return err
		}
		diff = diffAssignments(existing, desired)
		for _, pid := range diff.Added {
			if err := repo.InsertAssignment(ctx, id, pid); err != nil {
				return fmt.Errorf("assign %s: %w", pid, err)
			}
		}
		for _, pid := range diff.Removed {
			if err := repo.DeleteAssignment(ctx, id, pid); err != nil {
				return fmt.Errorf("revoke %s: %w", pid, err)
			}
		}
		current.Name = in.Name
		current.Description = in.Description
		return repo.UpdateRole(ctx, current)
	})
	s.metrics.RoleWrite("update", err)
	if err != nil {
		return shared.ClassifyStorage(ctx, "roles: update", fmt.Errorf("roles: update %s: %w", id, err))
	}

	s.afterWrite(ctx, id, "roles.update", map[string]any{
		"name":    in.Name,
		"added":   idStrings(diff.Added),
		"removed": idStrings(diff.Removed),
	})
	return nil
}

// Delete removes a role. Protected roles fail with shared.ErrProtectedRole and
// are never removed. Users left without a role are reported in the result.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) (DeleteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var result DeleteResult
	var name string
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		role, err := repo.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if s.IsProtected(role.Name) {
			return fmt.Errorf("delete %q: %w", role.Name, shared.ErrProtectedRole)
		}
		orphans, err := repo.UsersWithRole(ctx, id)
		if err != nil {
			return err
		}
		if err := repo.DeleteRole(ctx, id); err != nil {
			return err
		}
		name = role.Name
		result.OrphanedUsers = orphans
		return nil
	})
	s.metrics.RoleWrite("delete", err)
	if err != nil {
		return DeleteResult{}, shared.ClassifyStorage(ctx, "roles: delete", fmt.Errorf("roles: delete %s: %w", id, err))
	}

	if result.HasOrphans() {
		s.logger.Warn("role deleted while still assigned",
			slog.String("role_id", id.String()),
			slog.String("role", name),
			slog.Int("orphaned_users", len(result.OrphanedUsers)),
		)
	}
	s.afterWrite(ctx, id, "roles.delete", map[string]any{
		"name":           name,
		"orphaned_users": len(result.OrphanedUsers),
	})
	return result, nil
}

func (s *Store) validateInput(in any) error {
	if err := s.validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", shared.ErrValidation, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	return nil
}

// normalizePermissions drops duplicates and rejects ids unknown to the catalog.
func (s *Store) normalizePermissions(ids []permissions.ID) ([]permissions.ID, error) {
	seen := make(map[permissions.ID]struct{}, len(ids))
	out := make([]permissions.ID, 0, len(ids))
	for _, id := range ids {
		id = permissions.ID(strings.TrimSpace(string(id)))
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if err := s.catalog.Validate(out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// afterWrite runs once the transaction has committed. Failures here cannot undo
// the write, so they are logged rather than returned.
func (s *Store) afterWrite(ctx context.Context, roleID uuid.UUID, action string, meta map[string]any) {
	if s.invalidator != nil {
		if err := s.invalidator.InvalidateRole(context.WithoutCancel(ctx), roleID); err != nil {
			s.logger.Warn("invalidate role permissions", slog.String("role_id", roleID.String()), slog.Any("error", err))
		}
	}
	if s.audit != nil {
		err := s.audit.Record(context.WithoutCancel(ctx), shared.AuditLog{
			ActorID:  shared.ActorFromContext(ctx),
			Action:   action,
			Entity:   "role",
			EntityID: roleID.String(),
			Meta:     meta,
		})
		if err != nil {
			s.logger.Warn("record role audit", slog.String("action", action), slog.Any("error", err))
		}
	}
	s.logger.Info("role changed", slog.String("action", action), slog.String("role_id", roleID.String()))
}

func ensureUniqueName(ctx context.Context, repo Repository, name string, self uuid.UUID) error {
	existing, err := repo.ListRoles(ctx)
	if err != nil {
		return err
	}
	folded := foldName(name)
	for _, role := range existing {
		if role.ID != self && foldName(role.Name) == folded {
			return fmt.Errorf("role name %q: %w", name, shared.ErrConflict)
		}
	}
	return nil
}

// foldName returns the comparison form of a role name. Casers keep state, so a
// fresh one is built per call.
func foldName(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}

func idStrings(ids []permissions.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
