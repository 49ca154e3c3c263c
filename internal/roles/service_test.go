package roles

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/shared"
)

var protectedNames = []string{"Super Admin", "Basic Access"}

func newTestStore(t *testing.T, repo *mockRepository) (*Store, *recordingInvalidator, *recordingAudit) {
	t.Helper()
	inv := &recordingInvalidator{}
	audit := &recordingAudit{}
	store := NewStore(repo, permissions.Default(), Options{
		ProtectedNames: protectedNames,
		Timeout:        time.Second,
		Invalidator:    inv,
		Audit:          audit,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return store, inv, audit
}

func TestCreateRoundTripsPermissionSet(t *testing.T) {
	sets := [][]permissions.ID{
		nil,
		{permissions.ViewBookings},
		{permissions.ViewBookings, permissions.ViewIssues},
		permissions.Known(),
	}
	for i, set := range sets {
		repo := newMockRepository()
		store, inv, audit := newTestStore(t, repo)

		role, err := store.Create(context.Background(), CreateInput{Name: "Role", PermissionIDs: set})
		require.NoError(t, err, "set %d", i)

		got, err := store.GetWithPermissions(context.Background(), role.ID)
		require.NoError(t, err)
		if len(set) == 0 {
			assert.Empty(t, got.PermissionIDs)
		} else {
			assert.ElementsMatch(t, set, got.PermissionIDs)
		}
		assert.Equal(t, []uuid.UUID{role.ID}, inv.roles)
		require.Len(t, audit.logs, 1)
		assert.Equal(t, "roles.create", audit.logs[0].Action)
	}
}

func TestCreateDeduplicatesPermissionIDs(t *testing.T) {
	repo := newMockRepository()
	store, _, _ := newTestStore(t, repo)

	role, err := store.Create(context.Background(), CreateInput{
		Name:          "Housekeeping",
		PermissionIDs: []permissions.ID{permissions.ViewIssues, permissions.ViewIssues, " view_issues "},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, repo.inserts)
	assert.Equal(t, []permissions.ID{permissions.ViewIssues}, repo.assigned(role.ID))
}

func TestCreateValidation(t *testing.T) {
	repo := newMockRepository()
	store, inv, _ := newTestStore(t, repo)

	_, err := store.Create(context.Background(), CreateInput{Name: "   "})
	assert.True(t, errors.Is(err, shared.ErrValidation), "empty name: %v", err)

	_, err = store.Create(context.Background(), CreateInput{Name: "Front Desk", PermissionIDs: []permissions.ID{"fly_to_moon"}})
	assert.True(t, errors.Is(err, shared.ErrValidation), "unknown id: %v", err)
	assert.Contains(t, err.Error(), "fly_to_moon")

	assert.Empty(t, repo.roles)
	assert.Empty(t, inv.roles)
}

func TestCreateRejectsDuplicateNameCaseInsensitively(t *testing.T) {
	repo := newMockRepository()
	repo.seedRole("Front Desk")
	store, _, _ := newTestStore(t, repo)

	_, err := store.Create(context.Background(), CreateInput{Name: "front  DESK"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrConflict))
	assert.Len(t, repo.roles, 1)
}

func TestCreateIsAtomicUnderInsertFailure(t *testing.T) {
	ids := []permissions.ID{permissions.ViewBookings, permissions.ViewIssues, permissions.EditIssues}
	for n := 1; n <= len(ids); n++ {
		repo := newMockRepository()
		existing := repo.seedRole("Existing", permissions.ViewRoles)
		before := repo.snapshot()
		repo.failInsertAt = n
		store, inv, audit := newTestStore(t, repo)

		_, err := store.Create(context.Background(), CreateInput{Name: "Maintenance", PermissionIDs: ids})
		require.Error(t, err, "failing insert %d", n)
		assert.True(t, errors.Is(err, errInjected))

		assert.Equal(t, before.roles, repo.roles, "role row must be rolled back (insert %d)", n)
		assert.Equal(t, before.assignments, repo.assignments)
		assert.Equal(t, []permissions.ID{permissions.ViewRoles}, repo.assigned(existing.ID))
		assert.Empty(t, inv.roles)
		assert.Empty(t, audit.logs)
	}
}

func TestUpdateWritesOnlySymmetricDifference(t *testing.T) {
	cases := []struct {
		name     string
		existing []permissions.ID
		desired  []permissions.ID
	}{
		{"no change", []permissions.ID{permissions.ViewBookings}, []permissions.ID{permissions.ViewBookings}},
		{"pure add", nil, []permissions.ID{permissions.ViewBookings, permissions.ViewIssues}},
		{"pure remove", []permissions.ID{permissions.ViewBookings, permissions.ViewIssues}, nil},
		{"mixed", []permissions.ID{permissions.ViewBookings, permissions.ViewIssues, permissions.EditIssues},
			[]permissions.ID{permissions.ViewIssues, permissions.EditRoles, permissions.ViewRoles}},
		{"replace all", []permissions.ID{permissions.ViewBookings}, []permissions.ID{permissions.ViewSuppliers}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMockRepository()
			role := repo.seedRole("Front Desk", tc.existing...)
			store, inv, _ := newTestStore(t, repo)

			err := store.Update(context.Background(), role.ID, UpdateInput{Name: "Front Desk", PermissionIDs: tc.desired})
			require.NoError(t, err)

			want := diffAssignments(tc.existing, tc.desired)
			assert.Equal(t, len(want.Added), repo.inserts, "inserts")
			assert.Equal(t, len(want.Removed), repo.deletes, "deletes")
			assert.Equal(t, want.Writes(), repo.inserts+repo.deletes)
			if len(tc.desired) == 0 {
				assert.Empty(t, repo.assigned(role.ID))
			} else {
				assert.ElementsMatch(t, tc.desired, repo.assigned(role.ID))
			}
			assert.Equal(t, []uuid.UUID{role.ID}, inv.roles)
		})
	}
}

func TestUpdateIsAtomicUnderFailure(t *testing.T) {
	existing := []permissions.ID{permissions.ViewBookings, permissions.ViewIssues}
	desired := []permissions.ID{permissions.ViewIssues, permissions.EditIssues, permissions.ViewRoles}

	for n := 1; n <= 2; n++ {
		repo := newMockRepository()
		role := repo.seedRole("Front Desk", existing...)
		repo.failInsertAt = n
		store, inv, _ := newTestStore(t, repo)

		err := store.Update(context.Background(), role.ID, UpdateInput{Name: "Reception", PermissionIDs: desired})
		require.Error(t, err)
		assert.ElementsMatch(t, existing, repo.assigned(role.ID))
		assert.Equal(t, "Front Desk", repo.roles[role.ID].Name)
		assert.Empty(t, inv.roles)
	}

	repo := newMockRepository()
	role := repo.seedRole("Front Desk", existing...)
	repo.failDeleteAt = 1
	store, _, _ := newTestStore(t, repo)
	err := store.Update(context.Background(), role.ID, UpdateInput{Name: "Front Desk", PermissionIDs: desired})
	require.Error(t, err)
	assert.ElementsMatch(t, existing, repo.assigned(role.ID))
}

func TestUpdateErrors(t *testing.T) {
	repo := newMockRepository()
	admin := repo.seedRole("Super Admin", permissions.Known()...)
	other := repo.seedRole("Front Desk")
	repo.seedRole("Maintenance")
	store, _, _ := newTestStore(t, repo)
	ctx := context.Background()

	err := store.Update(ctx, uuid.New(), UpdateInput{Name: "Ghost"})
	assert.True(t, errors.Is(err, shared.ErrNotFound), "%v", err)

	err = store.Update(ctx, other.ID, UpdateInput{Name: "maintenance"})
	assert.True(t, errors.Is(err, shared.ErrConflict), "%v", err)

	err = store.Update(ctx, other.ID, UpdateInput{Name: "Front Desk", PermissionIDs: []permissions.ID{"nope"}})
	assert.True(t, errors.Is(err, shared.ErrValidation), "%v", err)

	err = store.Update(ctx, admin.ID, UpdateInput{Name: "Former Admin"})
	assert.True(t, errors.Is(err, shared.ErrProtectedRole), "%v", err)
	assert.Equal(t, "Super Admin", repo.roles[admin.ID].Name)

	err = store.Update(ctx, admin.ID, UpdateInput{Name: "Super Admin", Description: "everything", PermissionIDs: permissions.Known()})
	assert.NoError(t, err)

	err = store.Update(ctx, other.ID, UpdateInput{Name: "front desk", Description: "renamed case"})
	assert.NoError(t, err)
}

func TestDeleteProtectedRoles(t *testing.T) {
	for _, name := range protectedNames {
		repo := newMockRepository()
		role := repo.seedRole(name, permissions.ViewBookings)
		store, inv, audit := newTestStore(t, repo)

		_, err := store.Delete(context.Background(), role.ID)
		require.Error(t, err)
		assert.True(t, errors.Is(err, shared.ErrProtectedRole), "%s: %v", name, err)
		assert.Contains(t, repo.roles, role.ID)
		assert.Equal(t, []permissions.ID{permissions.ViewBookings}, repo.assigned(role.ID))
		assert.Empty(t, inv.roles)
		assert.Empty(t, audit.logs)
	}
}

func TestDeleteReportsOrphanedUsers(t *testing.T) {
	repo := newMockRepository()
	role := repo.seedRole("Temp Staff", permissions.ViewIssues)
	userA, userB := uuid.New(), uuid.New()
	repo.profiles[userA] = role.ID
	repo.profiles[userB] = role.ID
	repo.profiles[uuid.New()] = uuid.New()
	store, inv, _ := newTestStore(t, repo)

	result, err := store.Delete(context.Background(), role.ID)
	require.NoError(t, err)
	assert.True(t, result.HasOrphans())
	assert.ElementsMatch(t, []uuid.UUID{userA, userB}, result.OrphanedUsers)
	assert.NotContains(t, repo.roles, role.ID)
	assert.NotContains(t, repo.assignments, role.ID)
	assert.Equal(t, uuid.Nil, repo.profiles[userA])
	assert.Equal(t, []uuid.UUID{role.ID}, inv.roles)

	_, err = store.Delete(context.Background(), role.ID)
	assert.True(t, errors.Is(err, shared.ErrNotFound))
}

func TestListOrdersByName(t *testing.T) {
	repo := newMockRepository()
	repo.seedRole("maintenance")
	repo.seedRole("Front Desk")
	repo.seedRole("Basic Access")
	store, _, _ := newTestStore(t, repo)

	roles, err := store.List(context.Background())
	require.NoError(t, err)
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"Basic Access", "Front Desk", "maintenance"}, names)
}

func TestReadsTimeOutAsTransient(t *testing.T) {
	repo := newMockRepository()
	repo.blockReads = true
	store := NewStore(repo, permissions.Default(), Options{Timeout: 20 * time.Millisecond})

	_, err := store.List(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrTimeout), "%v", err)
	assert.True(t, shared.IsRetryable(err))

	_, err = store.Create(context.Background(), CreateInput{Name: "Slow"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrTimeout), "%v", err)
}

func TestGetWithPermissionsNotFound(t *testing.T) {
	store, _, _ := newTestStore(t, newMockRepository())
	_, err := store.GetWithPermissions(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, shared.ErrNotFound))
	assert.False(t, shared.IsRetryable(err))
}

type invalidatorFunc func(context.Context, uuid.UUID) error

func (f invalidatorFunc) InvalidateRole(ctx context.Context, roleID uuid.UUID) error {
	return f(ctx, roleID)
}

func TestInvalidatorsRunInOrderAndJoinErrors(t *testing.T) {
	var order []string
	step := func(name string, err error) Invalidator {
		return invalidatorFunc(func(context.Context, uuid.UUID) error {
			order = append(order, name)
			return err
		})
	}
	errCache := errors.New("cache down")
	errSessions := errors.New("sessions down")
	chain := Invalidators{step("cache", errCache), nil, step("sessions", errSessions), step("audit", nil)}

	err := chain.InvalidateRole(context.Background(), uuid.New())
	assert.Equal(t, []string{"cache", "sessions", "audit"}, order)
	assert.ErrorIs(t, err, errCache)
	assert.ErrorIs(t, err, errSessions)

	assert.NoError(t, Invalidators{}.InvalidateRole(context.Background(), uuid.New()))
}

func TestDeleteRunsEveryInvalidator(t *testing.T) {
	repo := newMockRepository()
	role := repo.seedRole("Night Audit")
	first, second := &recordingInvalidator{}, &recordingInvalidator{}
	store := NewStore(repo, permissions.Default(), Options{
		ProtectedNames: protectedNames,
		Timeout:        time.Second,
		Invalidator:    Invalidators{first, second},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	_, err := store.Delete(context.Background(), role.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{role.ID}, first.roles)
	assert.Equal(t, []uuid.UUID{role.ID}, second.roles)
}

func TestFoldNameCollapsesWhitespaceAndCase(t *testing.T) {
	want := foldName("Front Desk")
	for _, name := range []string{"front desk", "  FRONT   DESK ", "Front\tDesk", "front\n desk"} {
		assert.Equal(t, want, foldName(name), name)
	}
	assert.Equal(t, foldName("STRASSE"), foldName("Straße"))
	assert.NotEqual(t, want, foldName("FrontDesk"))
}
