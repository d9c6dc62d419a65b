// Package orchestrator drives the sync engine: a periodic cycle of
// connectivity check, push, then pull, with manual force triggers and
// session management layered on top.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/muntu/possync/internal/remote"
	"github.com/muntu/possync/internal/replicator"
	"github.com/muntu/possync/internal/store"
	possync "github.com/muntu/possync/internal/sync"
)

// State is the orchestrator's current phase. Exactly one cycle runs at a
// time; force triggers arriving mid-cycle are rejected, not queued.
type State string

const (
	StateIdle      State = "idle"
	StateChecking  State = "checking_connectivity"
	StatePushing   State = "pushing"
	StatePulling   State = "pulling"
	StateLoggedOut State = "logged_out"
)

// ErrCycleInProgress rejects a force trigger while a cycle is running.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// ErrLoggedOut rejects sync work while no session exists.
var ErrLoggedOut = errors.New("not logged in")

// Remote is the session surface the orchestrator needs.
type Remote interface {
	Ping(ctx context.Context) error
	Login(ctx context.Context, email, password string) error
	Logout(ctx context.Context) error
	SetToken(token string)
	Token() string
}

// PushRunner executes one push cycle.
type PushRunner interface {
	Run(ctx context.Context, now time.Time) (replicator.PushStats, error)
}

// PullRunner executes one pull cycle.
type PullRunner interface {
	Run(ctx context.Context) (replicator.PullStats, error)
}

// MetaStore persists the session token across restarts.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	DeleteMeta(ctx context.Context, key string) error
}

// Registry is the device-liveness surface the orchestrator needs.
type Registry interface {
	Heartbeat(ctx context.Context, now time.Time) error
	TouchSync(ctx context.Context, at time.Time) error
	Refresh(ctx context.Context)
}

// Config tunes the orchestrator loop.
type Config struct {
	Interval          time.Duration
	HeartbeatInterval time.Duration
}

// CycleResult summarizes one completed sync cycle.
type CycleResult struct {
	Push replicator.PushStats `json:"push"`
	Pull replicator.PullStats `json:"pull"`
}

// StatusSnapshot is the dashboard's view of the engine.
type StatusSnapshot struct {
	State       State      `json:"state"`
	LoggedIn    bool       `json:"loggedIn"`
	Online      bool       `json:"online"`
	LastCycleAt *time.Time `json:"lastCycleAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Orchestrator owns the sync loop. All exported methods are safe for
// concurrent use; a single mutex serializes cycles so the push and pull
// replicators never overlap.
type Orchestrator struct {
	remote   Remote
	push     PushRunner
	pull     PullRunner
	meta     MetaStore
	registry Registry
	clock    Clock
	cfg      Config

	cycleMu sync.Mutex

	mu        sync.Mutex
	state     State
	online    bool
	lastCycle *time.Time
	lastError string
	email     string
	password  string

	lastHeartbeat time.Time
}

// New creates an Orchestrator. Call Start to restore the persisted
// session and begin the loop.
func New(rem Remote, push PushRunner, pull PullRunner, meta MetaStore, registry Registry, clock Clock, cfg Config) *Orchestrator {
	return &Orchestrator{
		remote:   rem,
		push:     push,
		pull:     pull,
		meta:     meta,
		registry: registry,
		clock:    clock,
		cfg:      cfg,
		state:    StateLoggedOut,
	}
}

// Start restores a persisted session token, then runs the periodic loop
// until ctx is cancelled. A cycle runs immediately on start when a
// session exists; cycle failures never stop the loop.
func (o *Orchestrator) Start(ctx context.Context) {
	if token, err := o.meta.GetMeta(ctx, possync.MetaAuthToken); err == nil && token != "" {
		o.remote.SetToken(token)
		o.setState(StateIdle)
		slog.Info("session restored",
			"component", "orchestrator",
		)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("session restore failed",
			"component", "orchestrator",
			"error", err,
		)
	}

	slog.Info("orchestrator started",
		"component", "orchestrator",
		"interval", o.cfg.Interval.String(),
		"heartbeat_interval", o.cfg.HeartbeatInterval.String(),
	)

	o.tick(ctx)

	ticker := o.clock.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("orchestrator stopped",
				"component", "orchestrator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C():
			o.tick(ctx)
		}
	}
}

// tick runs one scheduled cycle, absorbing every error into the status
// snapshot.
func (o *Orchestrator) tick(ctx context.Context) {
	if o.State() == StateLoggedOut {
		return
	}
	if _, err := o.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) && ctx.Err() == nil {
		slog.Warn("sync cycle failed",
			"component", "orchestrator",
			"error", err,
		)
	}
}

// RunCycle executes one full cycle: connectivity check, heartbeat, push,
// pull. Returns ErrCycleInProgress if a cycle is already running and
// ErrLoggedOut when no session exists.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleResult, error) {
	if !o.cycleMu.TryLock() {
		return CycleResult{}, ErrCycleInProgress
	}
	defer o.cycleMu.Unlock()

	var result CycleResult
	if o.State() == StateLoggedOut {
		return result, ErrLoggedOut
	}

	now := o.clock.Now()
	o.setState(StateChecking)

	if err := o.remote.Ping(ctx); err != nil {
		o.finishCycle(false, "offline: "+err.Error())
		return result, fmt.Errorf("connectivity check: %w", err)
	}
	o.setOnline(true)
	o.maybeHeartbeat(ctx, now)

	o.setState(StatePushing)
	pushStats, err := o.push.Run(ctx, now)
	result.Push = pushStats
	if err != nil {
		return result, o.handleCycleError(ctx, "push", err)
	}

	o.setState(StatePulling)
	pullStats, err := o.pull.Run(ctx)
	result.Pull = pullStats
	if err != nil {
		return result, o.handleCycleError(ctx, "pull", err)
	}

	o.registry.Refresh(ctx)
	if err := o.registry.TouchSync(ctx, o.clock.Now()); err != nil {
		slog.Warn("last sync stamp failed",
			"component", "orchestrator",
			"error", err,
		)
	}

	o.finishCycle(true, "")
	slog.Info("sync cycle completed",
		"component", "orchestrator",
		"pushed", pushStats.Pushed,
		"push_failed", pushStats.Failed,
		"dead_lettered", pushStats.DeadLettered,
		"pulled", pullStats.Pulled,
		"applied", pullStats.Applied,
		"conflicts", pullStats.Conflicts,
	)
	return result, nil
}

// ForcePush runs the push half of a cycle immediately.
func (o *Orchestrator) ForcePush(ctx context.Context) (replicator.PushStats, error) {
	if !o.cycleMu.TryLock() {
		return replicator.PushStats{}, ErrCycleInProgress
	}
	defer o.cycleMu.Unlock()

	if o.State() == StateLoggedOut {
		return replicator.PushStats{}, ErrLoggedOut
	}

	o.setState(StatePushing)
	stats, err := o.push.Run(ctx, o.clock.Now())
	if err != nil {
		return stats, o.handleCycleError(ctx, "push", err)
	}
	o.finishCycle(true, "")
	return stats, nil
}

// ForcePull runs the pull half of a cycle immediately.
func (o *Orchestrator) ForcePull(ctx context.Context) (replicator.PullStats, error) {
	if !o.cycleMu.TryLock() {
		return replicator.PullStats{}, ErrCycleInProgress
	}
	defer o.cycleMu.Unlock()

	if o.State() == StateLoggedOut {
		return replicator.PullStats{}, ErrLoggedOut
	}

	o.setState(StatePulling)
	stats, err := o.pull.Run(ctx)
	if err != nil {
		return stats, o.handleCycleError(ctx, "pull", err)
	}
	o.finishCycle(true, "")
	return stats, nil
}

// Login opens a session with the cloud API, persists the token, and
// remembers the credentials for silent reauthentication.
func (o *Orchestrator) Login(ctx context.Context, email, password string) error {
	if err := o.remote.Login(ctx, email, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := o.meta.SetMeta(ctx, possync.MetaAuthToken, o.remote.Token()); err != nil {
		slog.Warn("session token not persisted",
			"component", "orchestrator",
			"error", err,
		)
	}

	o.mu.Lock()
	o.email = email
	o.password = password
	o.state = StateIdle
	o.lastError = ""
	o.mu.Unlock()

	slog.Info("logged in",
		"component", "orchestrator",
	)
	return nil
}

// Logout closes the session and forgets the persisted token and cached
// credentials. Queued mutations survive; they resume after the next
// login.
func (o *Orchestrator) Logout(ctx context.Context) error {
	err := o.remote.Logout(ctx)
	if delErr := o.meta.DeleteMeta(ctx, possync.MetaAuthToken); delErr != nil {
		slog.Warn("session token not cleared",
			"component", "orchestrator",
			"error", delErr,
		)
	}

	o.mu.Lock()
	o.email = ""
	o.password = ""
	o.state = StateLoggedOut
	o.mu.Unlock()

	slog.Info("logged out",
		"component", "orchestrator",
	)
	return err
}

// handleCycleError records a failed cycle. A transient fault (connection
// lost mid-cycle, timeout, 5xx) flips the status to offline even though
// the opening ping succeeded; permanent rejections leave it online since
// the server was reachable and answered. Auth failures additionally
// attempt a silent reauthentication with cached credentials; if that
// fails the engine drops to logged_out until an operator logs in again.
func (o *Orchestrator) handleCycleError(ctx context.Context, phase string, err error) error {
	if errors.Is(err, replicator.ErrAuthRequired) {
		if o.tryReauthenticate(ctx) {
			o.finishCycle(true, "")
			return fmt.Errorf("%s: %w (reauthenticated, retrying next cycle)", phase, err)
		}
		o.mu.Lock()
		o.state = StateLoggedOut
		now := o.clock.Now()
		o.lastCycle = &now
		o.lastError = err.Error()
		o.mu.Unlock()
		return fmt.Errorf("%s: %w", phase, err)
	}

	o.finishCycle(!remote.IsTransient(err), err.Error())
	return fmt.Errorf("%s: %w", phase, err)
}

// tryReauthenticate reopens the session with cached credentials.
func (o *Orchestrator) tryReauthenticate(ctx context.Context) bool {
	o.mu.Lock()
	email, password := o.email, o.password
	o.mu.Unlock()
	if email == "" {
		return false
	}

	if err := o.remote.Login(ctx, email, password); err != nil {
		slog.Warn("reauthentication failed",
			"component", "orchestrator",
			"error", err,
		)
		return false
	}
	if err := o.meta.SetMeta(ctx, possync.MetaAuthToken, o.remote.Token()); err != nil {
		slog.Warn("session token not persisted",
			"component", "orchestrator",
			"error", err,
		)
	}
	slog.Info("reauthenticated",
		"component", "orchestrator",
	)
	return true
}

// maybeHeartbeat sends a device heartbeat if the heartbeat interval has
// elapsed since the last one.
func (o *Orchestrator) maybeHeartbeat(ctx context.Context, now time.Time) {
	o.mu.Lock()
	due := o.lastHeartbeat.IsZero() || now.Sub(o.lastHeartbeat) >= o.cfg.HeartbeatInterval
	if due {
		o.lastHeartbeat = now
	}
	o.mu.Unlock()
	if !due {
		return
	}

	if err := o.registry.Heartbeat(ctx, now); err != nil {
		slog.Debug("heartbeat failed",
			"component", "orchestrator",
			"error", err,
		)
	}
}

// Status returns the current engine snapshot for the dashboard.
func (o *Orchestrator) Status() StatusSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return StatusSnapshot{
		State:       o.state,
		LoggedIn:    o.state != StateLoggedOut,
		Online:      o.online,
		LastCycleAt: o.lastCycle,
		LastError:   o.lastError,
	}
}

// State returns the current phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) setOnline(online bool) {
	o.mu.Lock()
	o.online = online
	o.mu.Unlock()
}

// finishCycle returns the engine to idle and records the cycle outcome.
func (o *Orchestrator) finishCycle(online bool, lastError string) {
	now := o.clock.Now()
	o.mu.Lock()
	o.state = StateIdle
	o.online = online
	o.lastCycle = &now
	o.lastError = lastError
	o.mu.Unlock()
}
