package e2e

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/roles"
	"github.com/staffdesk/staffdesk/internal/shared"
	"github.com/staffdesk/staffdesk/internal/users"
)

// memState backs both the role repository and the profile source so a role
// deletion nulls profile references the way the schema does.
type memState struct {
	mu          sync.Mutex
	roles       map[uuid.UUID]roles.Role
	assignments map[uuid.UUID]map[permissions.ID]struct{}
	profiles    map[uuid.UUID]users.Profile
	reads       int
}

func newMemState() *memState {
	return &memState{
		roles:       make(map[uuid.UUID]roles.Role),
		assignments: make(map[uuid.UUID]map[permissions.ID]struct{}),
		profiles:    make(map[uuid.UUID]users.Profile),
	}
}

func (s *memState) putProfile(p users.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *memState) assignmentReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *memState) GetProfile(_ context.Context, id uuid.UUID) (users.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return users.Profile{}, fmt.Errorf("profile %s: %w", id, shared.ErrNotFound)
	}
	return p, nil
}

// memRepo implements roles.Repository. Inside WithTx the state lock is held
// by the transaction and inTx skips re-locking.
type memRepo struct {
	st   *memState
	inTx bool
}

func (r *memRepo) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.st.mu.Lock()
	return r.st.mu.Unlock
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, roles.Repository) error) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return fn(ctx, &memRepo{st: r.st, inTx: true})
}

func (r *memRepo) ListRoles(context.Context) ([]roles.Role, error) {
	defer r.lock()()
	out := make([]roles.Role, 0, len(r.st.roles))
	for _, role := range r.st.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memRepo) GetRole(_ context.Context, id uuid.UUID) (roles.Role, error) {
	defer r.lock()()
	role, ok := r.st.roles[id]
	if !ok {
		return roles.Role{}, fmt.Errorf("role %s: %w", id, shared.ErrNotFound)
	}
	return role, nil
}

func (r *memRepo) RolePermissionIDs(_ context.Context, roleID uuid.UUID) ([]permissions.ID, error) {
	defer r.lock()()
	r.st.reads++
	ids := make([]permissions.ID, 0, len(r.st.assignments[roleID]))
	for id := range r.st.assignments[roleID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *memRepo) InsertRole(_ context.Context, role roles.Role) (roles.Role, error) {
	defer r.lock()()
	now := time.Now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now
	r.st.roles[role.ID] = role
	r.st.assignments[role.ID] = make(map[permissions.ID]struct{})
	return role, nil
}

func (r *memRepo) UpdateRole(_ context.Context, role roles.Role) error {
	defer r.lock()()
	role.UpdatedAt = time.Now().UTC()
	r.st.roles[role.ID] = role
	return nil
}

func (r *memRepo) DeleteRole(_ context.Context, id uuid.UUID) error {
	defer r.lock()()
	delete(r.st.roles, id)
	delete(r.st.assignments, id)
	for uid, p := range r.st.profiles {
		if p.RoleID != nil && *p.RoleID == id {
			p.RoleID = nil
			r.st.profiles[uid] = p
		}
	}
	return nil
}

func (r *memRepo) InsertAssignment(_ context.Context, roleID uuid.UUID, id permissions.ID) error {
	defer r.lock()()
	r.st.assignments[roleID][id] = struct{}{}
	return nil
}

func (r *memRepo) DeleteAssignment(_ context.Context, roleID uuid.UUID, id permissions.ID) error {
	defer r.lock()()
	delete(r.st.assignments[roleID], id)
	return nil
}

func (r *memRepo) UsersWithRole(_ context.Context, roleID uuid.UUID) ([]uuid.UUID, error) {
	defer r.lock()()
	var out []uuid.UUID
	for uid, p := range r.st.profiles {
		if p.RoleID != nil && *p.RoleID == roleID {
			out = append(out, uid)
		}
	}
	return out, nil
}
