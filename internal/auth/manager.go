package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/staffdesk/staffdesk/internal/shared"
)

const (
	defaultIdleTTL     = 12 * time.Hour
	rebuildConcurrency = 16
)

type session struct {
	machine  *Machine
	lastSeen time.Time
}

// Manager owns one Machine per identity provider session token. Machines are
// created by session establishing events and torn down on sign-out, expiry or
// after sitting idle.
type Manager struct {
	deps    Dependencies
	idleTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager constructs a Manager.
func NewManager(deps Dependencies, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:     deps,
		idleTTL:  idleTTL,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

func establishes(kind EventKind) bool {
	switch kind {
	case EventSessionRestored, EventSignIn, EventInviteAccept, EventRecovery:
		return true
	}
	return false
}

// Dispatch routes ev to the machine of its session and waits for it to apply.
func (mg *Manager) Dispatch(ctx context.Context, ev Event) (State, error) {
	if err := ev.Validate(); err != nil {
		return mg.signedOut(), err
	}
	if ev.SessionToken == "" {
		if ev.Kind == EventSessionRestored {
			return mg.signedOut(), nil
		}
		return mg.signedOut(), fmt.Errorf("auth: %s requires session_token: %w", ev.Kind, shared.ErrValidation)
	}

	if ev.Kind.terminates() {
		m := mg.remove(ev.SessionToken)
		if m == nil {
			return mg.signedOut(), nil
		}
		state, err := m.Dispatch(ctx, ev)
		m.Close()
		return state, err
	}

	m, ok := mg.machine(ev.SessionToken, establishes(ev.Kind))
	if !ok {
		return mg.signedOut(), fmt.Errorf("auth: session: %w", shared.ErrNotFound)
	}
	return m.Dispatch(ctx, ev)
}

// State returns the current state for token. Unknown tokens are unauthenticated.
func (mg *Manager) State(token string) (State, bool) {
	m, ok := mg.machine(token, false)
	if !ok {
		return mg.signedOut(), false
	}
	return m.State(), true
}

// Machine returns the machine for token, for callers subscribing to stage changes.
func (mg *Manager) Machine(token string) (*Machine, bool) {
	return mg.machine(token, false)
}

// Len reports the number of live sessions.
func (mg *Manager) Len() int {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return len(mg.sessions)
}

func (mg *Manager) machine(token string, create bool) (*Machine, bool) {
	if token == "" {
		return nil, false
	}
	mg.mu.Lock()
	defer mg.mu.Unlock()
	s, ok := mg.sessions[token]
	if !ok {
		if !create {
			return nil, false
		}
		s = &session{machine: NewMachine(mg.deps)}
		mg.sessions[token] = s
	}
	s.lastSeen = mg.now()
	return s.machine, true
}

func (mg *Manager) remove(token string) *Machine {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	s, ok := mg.sessions[token]
	if !ok {
		return nil
	}
	delete(mg.sessions, token)
	return s.machine
}

// InvalidateRole rebuilds every session currently holding roleID and waits for
// the rebuilds, so checks made after it returns see the role's new grants. A
// deleted role leaves those sessions authenticated with nothing granted.
func (mg *Manager) InvalidateRole(ctx context.Context, roleID uuid.UUID) error {
	return mg.rebuild(ctx, "role", func(s State) bool {
		return s.Role != nil && s.Role.ID == roleID
	})
}

// RefreshUser rebuilds the authenticated sessions of userID, e.g. after an
// administrator reassigned the user's role.
func (mg *Manager) RefreshUser(ctx context.Context, userID uuid.UUID) error {
	return mg.rebuild(ctx, "user", func(s State) bool {
		return s.Stage == StageAuthenticated && s.UserID == userID
	})
}

func (mg *Manager) rebuild(ctx context.Context, scope string, match func(State) bool) error {
	mg.mu.Lock()
	machines := make([]*Machine, 0, len(mg.sessions))
	for _, s := range mg.sessions {
		machines = append(machines, s.machine)
	}
	mg.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(rebuildConcurrency)
	rebuilt := 0
	for _, m := range machines {
		if !match(m.State()) {
			continue
		}
		rebuilt++
		g.Go(func() error {
			_, err := m.Dispatch(ctx, Event{Kind: EventTokenRefresh})
			if errors.Is(err, ErrClosed) || errors.Is(err, ErrSuperseded) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	if rebuilt > 0 {
		mg.logger.Info("rebuilt sessions", slog.String("scope", scope), slog.Int("count", rebuilt))
	}
	if err != nil {
		return fmt.Errorf("auth: rebuild %s sessions: %w", scope, err)
	}
	return nil
}

// Reap closes sessions idle since before now minus the idle TTL.
func (mg *Manager) Reap(now time.Time) int {
	mg.mu.Lock()
	var idle []*Machine
	for token, s := range mg.sessions {
		if now.Sub(s.lastSeen) >= mg.idleTTL {
			idle = append(idle, s.machine)
			delete(mg.sessions, token)
		}
	}
	mg.mu.Unlock()

	for _, m := range idle {
		m.Close()
	}
	if len(idle) > 0 {
		mg.logger.Info("reaped idle sessions", slog.Int("count", len(idle)))
	}
	return len(idle)
}

// Run reaps idle sessions until ctx ends, then closes every session.
func (mg *Manager) Run(ctx context.Context) {
	interval := mg.idleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mg.Reap(mg.now())
		case <-ctx.Done():
			mg.Close()
			return
		}
	}
}

// Close tears down every session.
func (mg *Manager) Close() {
	mg.mu.Lock()
	sessions := mg.sessions
	mg.sessions = make(map[string]*session)
	mg.mu.Unlock()

	for _, s := range sessions {
		s.machine.Close()
	}
}

func (mg *Manager) signedOut() State {
	return State{Stage: StageUnauthenticated, Permissions: mg.deps.Permissions.Empty()}
}
