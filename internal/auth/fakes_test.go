package auth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/roles"
	"github.com/staffdesk/staffdesk/internal/shared"
	"github.com/staffdesk/staffdesk/internal/users"
)

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]users.Profile
	err      error
	block    chan struct{}
	calls    atomic.Int32
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{profiles: make(map[uuid.UUID]users.Profile)}
}

func (f *fakeProfiles) put(p users.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.ID] = p
}

func (f *fakeProfiles) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeProfiles) setBlock(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = ch
}

func (f *fakeProfiles) GetProfile(ctx context.Context, userID uuid.UUID) (users.Profile, error) {
	f.calls.Add(1)
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return users.Profile{}, shared.ClassifyStorage(ctx, "fake: get profile", ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return users.Profile{}, f.err
	}
	p, ok := f.profiles[userID]
	if !ok {
		return users.Profile{}, fmt.Errorf("profile %s: %w", userID, shared.ErrNotFound)
	}
	return p, nil
}

type fakeRoles struct {
	mu    sync.Mutex
	roles map[uuid.UUID]roles.Role
	err   error
}

func (f *fakeRoles) Get(_ context.Context, id uuid.UUID) (roles.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return roles.Role{}, f.err
	}
	r, ok := f.roles[id]
	if !ok {
		return roles.Role{}, fmt.Errorf("role %s: %w", id, shared.ErrNotFound)
	}
	return r, nil
}

type fakePermissions struct {
	mu     sync.Mutex
	grants map[uuid.UUID][]permissions.ID
	err    error
}

func (f *fakePermissions) Empty() map[permissions.ID]bool {
	out := make(map[permissions.ID]bool)
	for _, id := range permissions.Known() {
		out[id] = false
	}
	return out
}

func (f *fakePermissions) PermissionsForRole(_ context.Context, roleID uuid.UUID) (map[permissions.ID]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := f.Empty()
	for _, id := range f.grants[roleID] {
		out[id] = true
	}
	return out, nil
}

func (f *fakePermissions) setGrants(roleID uuid.UUID, ids ...permissions.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants[roleID] = ids
}

func (f *fakePermissions) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fixture struct {
	profiles *fakeProfiles
	roles    *fakeRoles
	perms    *fakePermissions
	deps     Dependencies

	frontDesk roles.Role
	manager   roles.Role
	invitee   uuid.UUID
	staff     uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{
		profiles:  newFakeProfiles(),
		roles:     &fakeRoles{roles: make(map[uuid.UUID]roles.Role)},
		perms:     &fakePermissions{grants: make(map[uuid.UUID][]permissions.ID)},
		frontDesk: roles.Role{ID: uuid.New(), Name: "Front Desk"},
		manager:   roles.Role{ID: uuid.New(), Name: "Manager"},
		invitee:   uuid.New(),
		staff:     uuid.New(),
	}
	f.roles.roles[f.frontDesk.ID] = f.frontDesk
	f.roles.roles[f.manager.ID] = f.manager
	f.perms.grants[f.frontDesk.ID] = []permissions.ID{permissions.ViewBookings, permissions.ViewIssues}
	f.perms.grants[f.manager.ID] = []permissions.ID{permissions.ViewRoles, permissions.EditRoles}

	f.profiles.put(users.Profile{ID: f.invitee, RoleID: &f.frontDesk.ID, Status: users.StatusPending})
	f.profiles.put(users.Profile{ID: f.staff, RoleID: &f.frontDesk.ID, Status: users.StatusActive, PasswordConfirmed: true})

	f.deps = Dependencies{
		Profiles:    f.profiles,
		Roles:       f.roles,
		Permissions: f.perms,
		Timeout:     time.Second,
	}
	return f
}

func granted(s State) []permissions.ID {
	var out []permissions.ID
	for id, ok := range s.Permissions {
		if ok {
			out = append(out, id)
		}
	}
	return out
}
