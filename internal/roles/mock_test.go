package roles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/shared"
)

var errInjected = errors.New("injected failure")

// mockRepository is an in-memory repository with transactional snapshots,
// write counters and fault injection.
type mockRepository struct {
	mu          sync.Mutex
	roles       map[uuid.UUID]Role
	assignments map[uuid.UUID]map[permissions.ID]struct{}
	profiles    map[uuid.UUID]uuid.UUID // user -> role

	inserts int
	deletes int

	// failInsertAt makes the N-th assignment insert (1-based) fail.
	failInsertAt int
	// failDeleteAt makes the N-th assignment delete (1-based) fail.
	failDeleteAt int
	// readErr is returned from every read when set.
	readErr error
	// blockReads makes reads wait for ctx cancellation.
	blockReads bool
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		roles:       make(map[uuid.UUID]Role),
		assignments: make(map[uuid.UUID]map[permissions.ID]struct{}),
		profiles:    make(map[uuid.UUID]uuid.UUID),
	}
}

type mockSnapshot struct {
	roles       map[uuid.UUID]Role
	assignments map[uuid.UUID]map[permissions.ID]struct{}
	profiles    map[uuid.UUID]uuid.UUID
}

func (m *mockRepository) snapshot() mockSnapshot {
	s := mockSnapshot{
		roles:       make(map[uuid.UUID]Role, len(m.roles)),
		assignments: make(map[uuid.UUID]map[permissions.ID]struct{}, len(m.assignments)),
		profiles:    make(map[uuid.UUID]uuid.UUID, len(m.profiles)),
	}
	for k, v := range m.roles {
		s.roles[k] = v
	}
	for k, set := range m.assignments {
		cp := make(map[permissions.ID]struct{}, len(set))
		for id := range set {
			cp[id] = struct{}{}
		}
		s.assignments[k] = cp
	}
	for k, v := range m.profiles {
		s.profiles[k] = v
	}
	return s
}

func (m *mockRepository) restore(s mockSnapshot) {
	m.roles = s.roles
	m.assignments = s.assignments
	m.profiles = s.profiles
}

func (m *mockRepository) seedRole(name string, ids ...permissions.ID) Role {
	role := Role{ID: uuid.New(), Name: name, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	m.roles[role.ID] = role
	set := make(map[permissions.ID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	m.assignments[role.ID] = set
	return role
}

func (m *mockRepository) assigned(roleID uuid.UUID) []permissions.ID {
	var ids []permissions.ID
	for id := range m.assignments[roleID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(ctx, &mockTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *mockRepository) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listRoles(ctx)
}

func (m *mockRepository) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getRole(ctx, id)
}

func (m *mockRepository) RolePermissionIDs(ctx context.Context, roleID uuid.UUID) ([]permissions.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readCheck(ctx); err != nil {
		return nil, err
	}
	return m.assigned(roleID), nil
}

func (m *mockRepository) InsertRole(context.Context, Role) (Role, error) {
	return Role{}, errors.New("write outside transaction")
}

func (m *mockRepository) UpdateRole(context.Context, Role) error {
	return errors.New("write outside transaction")
}

func (m *mockRepository) DeleteRole(context.Context, uuid.UUID) error {
	return errors.New("write outside transaction")
}

func (m *mockRepository) InsertAssignment(context.Context, uuid.UUID, permissions.ID) error {
	return errors.New("write outside transaction")
}

func (m *mockRepository) DeleteAssignment(context.Context, uuid.UUID, permissions.ID) error {
	return errors.New("write outside transaction")
}

func (m *mockRepository) UsersWithRole(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usersWithRole(roleID), nil
}

func (m *mockRepository) readCheck(ctx context.Context) error {
	if m.blockReads {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.readErr
}

func (m *mockRepository) listRoles(ctx context.Context) ([]Role, error) {
	if err := m.readCheck(ctx); err != nil {
		return nil, err
	}
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockRepository) getRole(ctx context.Context, id uuid.UUID) (Role, error) {
	if err := m.readCheck(ctx); err != nil {
		return Role{}, err
	}
	r, ok := m.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("role %s: %w", id, shared.ErrNotFound)
	}
	return r, nil
}

func (m *mockRepository) usersWithRole(roleID uuid.UUID) []uuid.UUID {
	var ids []uuid.UUID
	for user, role := range m.profiles {
		if role == roleID {
			ids = append(ids, user)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// mockTx operates on the parent's state while its lock is held by WithTx.
type mockTx struct {
	m *mockRepository
}

func (tx *mockTx) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, tx)
}

func (tx *mockTx) ListRoles(ctx context.Context) ([]Role, error) { return tx.m.listRoles(ctx) }

func (tx *mockTx) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	return tx.m.getRole(ctx, id)
}

func (tx *mockTx) RolePermissionIDs(ctx context.Context, roleID uuid.UUID) ([]permissions.ID, error) {
	if err := tx.m.readCheck(ctx); err != nil {
		return nil, err
	}
	return tx.m.assigned(roleID), nil
}

func (tx *mockTx) InsertRole(ctx context.Context, role Role) (Role, error) {
	for _, r := range tx.m.roles {
		if r.Name == role.Name {
			return Role{}, fmt.Errorf("role name %q: %w", role.Name, shared.ErrConflict)
		}
	}
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt
	tx.m.roles[role.ID] = role
	tx.m.assignments[role.ID] = make(map[permissions.ID]struct{})
	return role, nil
}

func (tx *mockTx) UpdateRole(ctx context.Context, role Role) error {
	current, ok := tx.m.roles[role.ID]
	if !ok {
		return fmt.Errorf("role %s: %w", role.ID, shared.ErrNotFound)
	}
	current.Name = role.Name
	current.Description = role.Description
	current.UpdatedAt = time.Now()
	tx.m.roles[role.ID] = current
	return nil
}

func (tx *mockTx) DeleteRole(ctx context.Context, id uuid.UUID) error {
	if _, ok := tx.m.roles[id]; !ok {
		return fmt.Errorf("role %s: %w", id, shared.ErrNotFound)
	}
	delete(tx.m.roles, id)
	delete(tx.m.assignments, id)
	for user, role := range tx.m.profiles {
		if role == id {
			tx.m.profiles[user] = uuid.Nil
		}
	}
	return nil
}

func (tx *mockTx) InsertAssignment(ctx context.Context, roleID uuid.UUID, permissionID permissions.ID) error {
	tx.m.inserts++
	if tx.m.failInsertAt > 0 && tx.m.inserts == tx.m.failInsertAt {
		return errInjected
	}
	set, ok := tx.m.assignments[roleID]
	if !ok {
		return fmt.Errorf("role %s: %w", roleID, shared.ErrNotFound)
	}
	set[permissionID] = struct{}{}
	return nil
}

func (tx *mockTx) DeleteAssignment(ctx context.Context, roleID uuid.UUID, permissionID permissions.ID) error {
	tx.m.deletes++
	if tx.m.failDeleteAt > 0 && tx.m.deletes == tx.m.failDeleteAt {
		return errInjected
	}
	delete(tx.m.assignments[roleID], permissionID)
	return nil
}

func (tx *mockTx) UsersWithRole(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error) {
	return tx.m.usersWithRole(roleID), nil
}

type recordingInvalidator struct {
	mu    sync.Mutex
	roles []uuid.UUID
}

func (r *recordingInvalidator) InvalidateRole(ctx context.Context, roleID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles = append(r.roles, roleID)
	return nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (r *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}
