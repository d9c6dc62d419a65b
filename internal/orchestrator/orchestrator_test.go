package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/muntu/possync/internal/remote"
	"github.com/muntu/possync/internal/replicator"
	"github.com/muntu/possync/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	return &fakeTicker{ch: make(chan time.Time)}
}

type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}

type fakeRemote struct {
	pingErr  error
	loginErr error
	token    string
	logins   []string
}

func (r *fakeRemote) Ping(ctx context.Context) error { return r.pingErr }

func (r *fakeRemote) Login(ctx context.Context, email, password string) error {
	r.logins = append(r.logins, email)
	if r.loginErr != nil {
		return r.loginErr
	}
	r.token = "tok-" + email
	return nil
}

func (r *fakeRemote) Logout(ctx context.Context) error {
	r.token = ""
	return nil
}

func (r *fakeRemote) SetToken(token string) { r.token = token }
func (r *fakeRemote) Token() string         { return r.token }

type fakePush struct {
	err     error
	runs    int
	stats   replicator.PushStats
	block   chan struct{}
	running chan struct{}
}

func (p *fakePush) Run(ctx context.Context, now time.Time) (replicator.PushStats, error) {
	p.runs++
	if p.running != nil {
		p.running <- struct{}{}
	}
	if p.block != nil {
		<-p.block
	}
	return p.stats, p.err
}

type fakePull struct {
	err  error
	runs int
}

func (p *fakePull) Run(ctx context.Context) (replicator.PullStats, error) {
	p.runs++
	return replicator.PullStats{}, p.err
}

type fakeMeta struct {
	values map[string]string
}

func newFakeMeta() *fakeMeta { return &fakeMeta{values: make(map[string]string)} }

func (m *fakeMeta) GetMeta(ctx context.Context, key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (m *fakeMeta) SetMeta(ctx context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func (m *fakeMeta) DeleteMeta(ctx context.Context, key string) error {
	delete(m.values, key)
	return nil
}

type fakeRegistry struct {
	heartbeats int
	touched    int
	refreshed  int
}

func (r *fakeRegistry) Heartbeat(ctx context.Context, now time.Time) error {
	r.heartbeats++
	return nil
}

func (r *fakeRegistry) TouchSync(ctx context.Context, at time.Time) error {
	r.touched++
	return nil
}

func (r *fakeRegistry) Refresh(ctx context.Context) { r.refreshed++ }

type fixture struct {
	orch     *Orchestrator
	remote   *fakeRemote
	push     *fakePush
	pull     *fakePull
	meta     *fakeMeta
	registry *fakeRegistry
	clock    *fakeClock
}

func newFixture() *fixture {
	f := &fixture{
		remote:   &fakeRemote{},
		push:     &fakePush{},
		pull:     &fakePull{},
		meta:     newFakeMeta(),
		registry: &fakeRegistry{},
		clock:    newFakeClock(),
	}
	f.orch = New(f.remote, f.push, f.pull, f.meta, f.registry, f.clock, Config{
		Interval:          30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	})
	return f
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	if err := f.orch.Login(context.Background(), "till@shop.example", "secret"); err != nil {
		t.Fatal(err)
	}
}

func TestRunCycle_PushesBeforePulling(t *testing.T) {
	f := newFixture()
	f.login(t)

	f.push.stats = replicator.PushStats{Pushed: 3}
	result, err := f.orch.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.push.runs != 1 || f.pull.runs != 1 {
		t.Errorf("expected one push and one pull, got %d/%d", f.push.runs, f.pull.runs)
	}
	if result.Push.Pushed != 3 {
		t.Errorf("expected push stats in result, got %+v", result)
	}
	if f.registry.refreshed != 1 || f.registry.touched != 1 {
		t.Error("expected device registry refreshed and sync stamped")
	}

	status := f.orch.Status()
	if status.State != StateIdle || !status.Online || !status.LoggedIn {
		t.Errorf("unexpected status %+v", status)
	}
	if status.LastCycleAt == nil {
		t.Error("expected last cycle recorded")
	}
}

func TestRunCycle_RequiresSession(t *testing.T) {
	f := newFixture()
	if _, err := f.orch.RunCycle(context.Background()); !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("expected ErrLoggedOut, got %v", err)
	}
	if f.push.runs != 0 {
		t.Error("expected no push without a session")
	}
}

func TestRunCycle_OfflineSkipsReplication(t *testing.T) {
	f := newFixture()
	f.login(t)
	f.remote.pingErr = errors.New("no route to host")

	if _, err := f.orch.RunCycle(context.Background()); err == nil {
		t.Fatal("expected connectivity error")
	}
	if f.push.runs != 0 || f.pull.runs != 0 {
		t.Error("expected no replication while offline")
	}

	status := f.orch.Status()
	if status.Online {
		t.Error("expected offline status")
	}
	if status.LastError == "" {
		t.Error("expected offline reason recorded")
	}
	// Engine recovers by itself once the network is back
	f.remote.pingErr = nil
	if _, err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.orch.Status().Online {
		t.Error("expected online after recovery")
	}
}

func TestRunCycle_RejectsConcurrentTrigger(t *testing.T) {
	f := newFixture()
	f.login(t)
	f.push.block = make(chan struct{})
	f.push.running = make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		f.orch.RunCycle(context.Background())
		close(done)
	}()
	<-f.push.running

	if _, err := f.orch.ForcePush(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("expected ErrCycleInProgress, got %v", err)
	}
	if _, err := f.orch.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("expected ErrCycleInProgress for overlapping cycle, got %v", err)
	}

	close(f.push.block)
	<-done
}

func TestLogin_PersistsTokenAcrossRestart(t *testing.T) {
	f := newFixture()
	f.login(t)

	if f.meta.values["auth_token"] != "tok-till@shop.example" {
		t.Errorf("expected token persisted, got %q", f.meta.values["auth_token"])
	}

	// A fresh orchestrator over the same meta store restores the session
	remote2 := &fakeRemote{}
	orch2 := New(remote2, f.push, f.pull, f.meta, f.registry, f.clock, Config{Interval: time.Hour, HeartbeatInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go orch2.Start(ctx)
	deadline := time.After(2 * time.Second)
	for orch2.State() == StateLoggedOut {
		select {
		case <-deadline:
			t.Fatal("session never restored")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if remote2.Token() != "tok-till@shop.example" {
		t.Errorf("expected restored token, got %q", remote2.Token())
	}
}

func TestLogout_ClearsSessionButKeepsEngine(t *testing.T) {
	f := newFixture()
	f.login(t)

	if err := f.orch.Logout(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.meta.values["auth_token"]; ok {
		t.Error("expected persisted token cleared")
	}
	if f.orch.State() != StateLoggedOut {
		t.Errorf("expected logged_out, got %s", f.orch.State())
	}
	if _, err := f.orch.ForcePush(context.Background()); !errors.Is(err, ErrLoggedOut) {
		t.Errorf("expected ErrLoggedOut after logout, got %v", err)
	}
}

func TestRunCycle_TransientFaultFlipsStatusOffline(t *testing.T) {
	f := newFixture()
	f.login(t)
	f.push.err = fmt.Errorf("push s-1: %w",
		&remote.APIError{Class: remote.ClassTransient, Message: "connection reset"})

	if _, err := f.orch.RunCycle(context.Background()); err == nil {
		t.Fatal("expected cycle error")
	}
	status := f.orch.Status()
	if status.Online {
		t.Error("expected offline status after mid-cycle transport fault")
	}
	if status.LastError == "" {
		t.Error("expected fault recorded")
	}

	// A rejection proves the server answered; the link itself is up
	f.push.err = fmt.Errorf("push s-1: %w",
		&remote.APIError{Status: 422, Class: remote.ClassPermanent, Message: "bad payload"})
	if _, err := f.orch.RunCycle(context.Background()); err == nil {
		t.Fatal("expected cycle error")
	}
	if !f.orch.Status().Online {
		t.Error("expected online status after permanent rejection")
	}
}

func TestAuthFailure_ReauthenticatesWithCachedCredentials(t *testing.T) {
	f := newFixture()
	f.login(t)
	f.push.err = replicator.ErrAuthRequired

	_, err := f.orch.RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected cycle error")
	}
	// Login during fixture setup plus the silent retry
	if len(f.remote.logins) != 2 {
		t.Fatalf("expected reauthentication attempt, got logins %v", f.remote.logins)
	}
	if f.orch.State() != StateIdle {
		t.Errorf("expected engine still usable after reauth, got %s", f.orch.State())
	}
}

func TestAuthFailure_DropsToLoggedOutWhenReauthFails(t *testing.T) {
	f := newFixture()
	f.login(t)
	f.push.err = replicator.ErrAuthRequired
	f.remote.loginErr = errors.New("credentials rotated")

	if _, err := f.orch.RunCycle(context.Background()); err == nil {
		t.Fatal("expected cycle error")
	}
	if f.orch.State() != StateLoggedOut {
		t.Errorf("expected logged_out, got %s", f.orch.State())
	}
	if f.orch.Status().LastError == "" {
		t.Error("expected auth failure recorded")
	}
}

func TestHeartbeat_ThrottledByInterval(t *testing.T) {
	f := newFixture()
	f.login(t)

	for i := 0; i < 3; i++ {
		if _, err := f.orch.RunCycle(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if f.registry.heartbeats != 1 {
		t.Errorf("expected heartbeat throttled to 1, got %d", f.registry.heartbeats)
	}

	f.clock.Advance(31 * time.Second)
	if _, err := f.orch.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.registry.heartbeats != 2 {
		t.Errorf("expected second heartbeat after interval, got %d", f.registry.heartbeats)
	}
}
