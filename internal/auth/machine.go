package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/staffdesk/staffdesk/internal/observability"
	"github.com/staffdesk/staffdesk/internal/permissions"
	"github.com/staffdesk/staffdesk/internal/roles"
	"github.com/staffdesk/staffdesk/internal/shared"
	"github.com/staffdesk/staffdesk/internal/users"
)

const defaultTransitionTimeout = 10 * time.Second

var (
	// ErrSuperseded is returned for events discarded because the session ended
	// before they were applied.
	ErrSuperseded = errors.New("auth: event superseded by session end")
	// ErrFlowMismatch is returned when a password-updated event does not belong
	// to the password flow the machine is waiting on.
	ErrFlowMismatch = errors.New("auth: password update does not match the active flow")
	// ErrClosed is returned for events sent to, or queued on, a closed machine.
	ErrClosed = errors.New("auth: machine closed")
)

// ProfileSource reads staff profiles.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (users.Profile, error)
}

// RoleSource reads roles.
type RoleSource interface {
	Get(ctx context.Context, id uuid.UUID) (roles.Role, error)
}

// PermissionSource builds permission maps for roles.
type PermissionSource interface {
	PermissionsForRole(ctx context.Context, roleID uuid.UUID) (map[permissions.ID]bool, error)
	Empty() map[permissions.ID]bool
}

// Dependencies are the collaborators a Machine reads while rebuilding state.
type Dependencies struct {
	Profiles    ProfileSource
	Roles       RoleSource
	Permissions PermissionSource
	// Timeout bounds a single transition, all fetches included.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Listener observes stage changes. It runs on a dedicated goroutine, in
// commit order, and may call back into the machine.
type Listener func(from Stage, to State)

type request struct {
	ev    Event
	reply chan result
}

type result struct {
	state State
	err   error
}

func (r request) respond(state State, err error) {
	if r.reply != nil {
		r.reply <- result{state: state, err: err}
	}
}

type change struct {
	from Stage
	to   State
}

// Machine is the authentication stage machine of one session. Events are
// applied one at a time in arrival order; every transition rebuilds State.
type Machine struct {
	deps   Dependencies
	logger *slog.Logger
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	signal chan struct{}
	notify chan struct{}

	mu        sync.Mutex
	state     State
	queue     []request
	inflight  context.CancelCauseFunc
	closed    bool
	listeners map[int]Listener
	nextID    int
	changes   []change
}

// NewMachine starts a machine in StageLoading.
func NewMachine(deps Dependencies) *Machine {
	if deps.Timeout <= 0 {
		deps.Timeout = defaultTransitionTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	m := &Machine{
		deps:      deps,
		logger:    logger,
		base:      base,
		stop:      stop,
		signal:    make(chan struct{}, 1),
		notify:    make(chan struct{}, 1),
		state:     State{Stage: StageLoading, Permissions: deps.Permissions.Empty()},
		listeners: make(map[int]Listener),
	}
	m.wg.Add(2)
	go m.run()
	go m.notifyLoop()
	return m
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// OnStageChange registers fn for stage changes. The returned func unregisters it.
func (m *Machine) OnStageChange(fn Listener) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Dispatch queues ev and waits until it has been applied. If ctx ends first
// the event stays queued and the current state is returned with ctx's error.
func (m *Machine) Dispatch(ctx context.Context, ev Event) (State, error) {
	if err := ev.Validate(); err != nil {
		return m.State(), err
	}
	reply := make(chan result, 1)
	if err := m.enqueue(request{ev: ev, reply: reply}); err != nil {
		return m.State(), err
	}
	select {
	case res := <-reply:
		return res.state, res.err
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

// Deliver queues ev without waiting for it.
func (m *Machine) Deliver(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return m.enqueue(request{ev: ev})
}

// Close stops the machine. Queued events fail with ErrClosed.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.inflight != nil {
		m.inflight(ErrClosed)
	}
	pending := m.queue
	m.queue = nil
	state := m.state.Clone()
	m.mu.Unlock()

	for _, req := range pending {
		req.respond(state, ErrClosed)
	}
	m.stop()
	m.wg.Wait()
}

func (m *Machine) enqueue(req request) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if req.ev.Kind.terminates() {
		// Session end wins over everything queued or in flight.
		if m.inflight != nil {
			m.inflight(ErrSuperseded)
		}
		pending := m.queue
		m.queue = nil
		m.commitLocked(m.unauthenticated(), req.ev)
		state := m.state.Clone()
		m.mu.Unlock()

		for _, p := range pending {
			p.respond(state, ErrSuperseded)
		}
		req.respond(state, nil)
		return nil
	}
	m.queue = append(m.queue, req)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

func (m *Machine) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.base.Done():
			return
		case <-m.signal:
		}
		for m.step() {
		}
	}
}

// step applies the next queued event. It reports false when the queue is empty.
func (m *Machine) step() bool {
	m.mu.Lock()
	if m.closed || len(m.queue) == 0 {
		m.mu.Unlock()
		return false
	}
	req := m.queue[0]
	m.queue = m.queue[1:]
	cur := m.state.Clone()
	ctx, cancel := context.WithCancelCause(m.base)
	m.inflight = cancel
	m.mu.Unlock()

	tctx, tcancel := context.WithTimeout(ctx, m.deps.Timeout)
	next, err := m.transition(tctx, cur, req.ev)
	tcancel()

	m.mu.Lock()
	m.inflight = nil
	cause := context.Cause(ctx)
	cancel(nil)
	switch {
	case m.closed:
		state := m.state.Clone()
		m.mu.Unlock()
		req.respond(state, ErrClosed)
		return false
	case errors.Is(cause, ErrSuperseded):
		state := m.state.Clone()
		m.mu.Unlock()
		m.logger.Debug("transition discarded", slog.String("event", string(req.ev.Kind)))
		req.respond(state, ErrSuperseded)
		return true
	}
	m.commitLocked(next, req.ev)
	state := m.state.Clone()
	m.mu.Unlock()

	req.respond(state, err)
	return true
}

func (m *Machine) commitLocked(next State, ev Event) {
	from := m.state.Stage
	m.state = next
	if from == next.Stage {
		return
	}
	m.deps.Metrics.StageTransition(from.String(), next.Stage.String(), string(ev.Kind))
	m.logger.Info("session stage changed",
		slog.String("from", from.String()),
		slog.String("to", next.Stage.String()),
		slog.String("event", string(ev.Kind)),
		slog.String("user_id", next.UserID.String()),
	)
	m.changes = append(m.changes, change{from: from, to: next.Clone()})
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Machine) notifyLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.notify:
			m.drainChanges()
		case <-m.base.Done():
			m.drainChanges()
			return
		}
	}
}

func (m *Machine) drainChanges() {
	for {
		m.mu.Lock()
		if len(m.changes) == 0 {
			m.mu.Unlock()
			return
		}
		c := m.changes[0]
		m.changes = m.changes[1:]
		listeners := make([]Listener, 0, len(m.listeners))
		for _, fn := range m.listeners {
			listeners = append(listeners, fn)
		}
		m.mu.Unlock()

		for _, fn := range listeners {
			fn(c.from, c.to.Clone())
		}
	}
}

// transition computes the state that follows cur on ev. A non-nil error comes
// with either cur unchanged or a degraded copy of the previous safe state.
func (m *Machine) transition(ctx context.Context, cur State, ev Event) (State, error) {
	userID := ev.UserID
	if userID == uuid.Nil {
		userID = cur.UserID
	}

	switch ev.Kind {
	case EventSessionRestored:
		if ev.SessionToken == "" {
			return m.unauthenticated(), nil
		}
		if cur.Stage == StageNeedsPasswordSet && userID == cur.UserID {
			return m.reassertPasswordFlow(ctx, cur)
		}
		return m.signIn(ctx, cur, userID)

	case EventSignIn:
		if cur.Stage == StageNeedsPasswordSet && userID == cur.UserID {
			return m.reassertPasswordFlow(ctx, cur)
		}
		return m.signIn(ctx, cur, userID)

	case EventInviteAccept:
		return m.beginPasswordFlow(ctx, cur, userID, false)

	case EventRecovery:
		return m.beginPasswordFlow(ctx, cur, userID, true)

	case EventPasswordUpdated:
		if cur.Stage != StageNeedsPasswordSet || cur.PasswordFlow == "" ||
			ev.FlowID != cur.PasswordFlow || userID != cur.UserID {
			m.logger.Warn("password update ignored",
				slog.String("stage", cur.Stage.String()),
				slog.String("user_id", userID.String()),
			)
			return cur, ErrFlowMismatch
		}
		return m.completePasswordFlow(ctx, cur)

	case EventTokenRefresh:
		// A refresh only rebuilds an established session. In StageLoading the
		// establishing event has not been applied yet and may still lead to a
		// password flow, so it waits for that event to be redelivered.
		switch cur.Stage {
		case StageNeedsPasswordSet:
			return m.reassertPasswordFlow(ctx, cur)
		case StageAuthenticated:
			return m.signIn(ctx, cur, cur.UserID)
		}
		return cur, nil
	}
	return cur, nil
}

func (m *Machine) signIn(ctx context.Context, cur State, userID uuid.UUID) (State, error) {
	profile, err := m.deps.Profiles.GetProfile(ctx, userID)
	if err != nil {
		return m.profileFailure(cur, userID, err)
	}
	if !profile.Status.CanAuthenticate() {
		m.logger.Info("profile cannot authenticate",
			slog.String("user_id", userID.String()),
			slog.String("status", string(profile.Status)),
		)
		return m.unauthenticated(), nil
	}
	next, err := m.authenticated(ctx, userID, profile)
	if err != nil {
		return m.degraded(cur, userID, err), err
	}
	return next, nil
}

func (m *Machine) beginPasswordFlow(ctx context.Context, cur State, userID uuid.UUID, recovery bool) (State, error) {
	profile, err := m.deps.Profiles.GetProfile(ctx, userID)
	if err != nil {
		return m.profileFailure(cur, userID, err)
	}
	if !profile.Status.CanAuthenticate() {
		return m.unauthenticated(), nil
	}
	if !recovery && profile.PasswordConfirmed {
		if cur.Stage == StageNeedsPasswordSet && cur.UserID == userID {
			return m.needsPassword(cur, userID), nil
		}
		next, err := m.authenticated(ctx, userID, profile)
		if err != nil {
			return m.degraded(cur, userID, err), err
		}
		return next, nil
	}
	return m.needsPassword(cur, userID), nil
}

// reassertPasswordFlow re-reads the profile during a password flow. The flow
// only ends through a matching password-updated event or the session ending.
func (m *Machine) reassertPasswordFlow(ctx context.Context, cur State) (State, error) {
	profile, err := m.deps.Profiles.GetProfile(ctx, cur.UserID)
	if err != nil {
		return m.profileFailure(cur, cur.UserID, err)
	}
	if !profile.Status.CanAuthenticate() {
		return m.unauthenticated(), nil
	}
	return m.needsPassword(cur, cur.UserID), nil
}

func (m *Machine) completePasswordFlow(ctx context.Context, cur State) (State, error) {
	profile, err := m.deps.Profiles.GetProfile(ctx, cur.UserID)
	if err != nil {
		return m.profileFailure(cur, cur.UserID, err)
	}
	if !profile.Status.CanAuthenticate() {
		return m.unauthenticated(), nil
	}
	next, err := m.authenticated(ctx, cur.UserID, profile)
	if err != nil {
		return m.degraded(cur, cur.UserID, err), err
	}
	return next, nil
}

// authenticated builds an authenticated state from scratch. A profile without
// a role, or pointing at a deleted role, authenticates with nothing granted.
func (m *Machine) authenticated(ctx context.Context, userID uuid.UUID, profile users.Profile) (State, error) {
	next := State{Stage: StageAuthenticated, UserID: userID, Permissions: m.deps.Permissions.Empty()}
	if !profile.HasRole() {
		m.logger.Warn("profile has no role", slog.String("user_id", userID.String()))
		return next, nil
	}
	role, err := m.deps.Roles.Get(ctx, *profile.RoleID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			m.logger.Warn("profile points at missing role",
				slog.String("user_id", userID.String()),
				slog.String("role_id", profile.RoleID.String()),
			)
			return next, nil
		}
		return State{}, fmt.Errorf("auth: load role: %w", err)
	}
	perms, err := m.deps.Permissions.PermissionsForRole(ctx, role.ID)
	if err != nil {
		return State{}, fmt.Errorf("auth: load permissions: %w", err)
	}
	next.Role = &role
	next.Permissions = perms
	return next, nil
}

func (m *Machine) needsPassword(cur State, userID uuid.UUID) State {
	flow := cur.PasswordFlow
	if cur.Stage != StageNeedsPasswordSet || cur.UserID != userID || flow == "" {
		flow = uuid.NewString()
	}
	return State{
		Stage:        StageNeedsPasswordSet,
		UserID:       userID,
		Permissions:  m.deps.Permissions.Empty(),
		PasswordFlow: flow,
	}
}

func (m *Machine) profileFailure(cur State, userID uuid.UUID, err error) (State, error) {
	if errors.Is(err, shared.ErrNotFound) {
		m.logger.Warn("no profile for session user", slog.String("user_id", userID.String()))
		return m.unauthenticated(), nil
	}
	err = fmt.Errorf("auth: load profile: %w", err)
	return m.degraded(cur, userID, err), err
}

// degraded keeps the previous stage, unless it belongs to another user.
func (m *Machine) degraded(cur State, userID uuid.UUID, err error) State {
	next := cur.Clone()
	if cur.UserID != uuid.Nil && cur.UserID != userID {
		next = m.unauthenticated()
	}
	next.Degraded = true
	next.Err = err
	m.logger.Warn("session state degraded",
		slog.String("stage", next.Stage.String()),
		slog.String("user_id", userID.String()),
		slog.Any("error", err),
	)
	return next
}

func (m *Machine) unauthenticated() State {
	return State{Stage: StageUnauthenticated, Permissions: m.deps.Permissions.Empty()}
}
