// Package runtime supervises mini-app instances end to end: validation,
// rollout gating, permission acquisition, sandbox construction, execution,
// update swaps, and teardown. One instance failing never takes a neighbor
// down with it.
package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/miniapphost/runtime/internal/bridge"
	apperr "github.com/miniapphost/runtime/internal/errors"
	"github.com/miniapphost/runtime/internal/events"
	"github.com/miniapphost/runtime/internal/manifest"
	"github.com/miniapphost/runtime/internal/metrics"
	"github.com/miniapphost/runtime/internal/permission"
	"github.com/miniapphost/runtime/internal/rollout"
	"github.com/miniapphost/runtime/internal/sandbox"
	"github.com/miniapphost/runtime/internal/state"
	"github.com/miniapphost/runtime/pkg/logger"
)

// BundleResolver turns a manifest's opaque entry reference into payload
// bytes.
type BundleResolver interface {
	Resolve(ctx context.Context, entryRef string) ([]byte, error)
}

// DirResolver resolves entry references as file names under a bundle
// directory.
type DirResolver struct {
	Dir string
}

func (r DirResolver) Resolve(_ context.Context, entryRef string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(r.Dir, filepath.Clean(entryRef)))
	if err != nil {
		return nil, fmt.Errorf("resolve bundle %q: %w", entryRef, err)
	}
	return data, nil
}

// Instance is the runtime's record of one mini-app.
type Instance struct {
	mu       sync.Mutex
	manifest *manifest.Manifest
	status   state.Status
	sb       *sandbox.Instance
	conn     *bridge.Conn
	loadedAt time.Time
}

// InstanceInfo is a point-in-time snapshot for the admin surface.
type InstanceInfo struct {
	AppID    string       `json:"appId"`
	Version  string       `json:"version"`
	Status   state.Status `json:"status"`
	LoadedAt time.Time    `json:"loadedAt"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventLogger sets the lifecycle event sink.
func WithEventLogger(el events.Logger) Option {
	return func(m *Manager) { m.events = el }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l.Component("runtime") }
}

// WithSandboxOptions forwards options to every sandbox the manager builds,
// e.g. the render sink or a test usage sampler.
func WithSandboxOptions(opts ...sandbox.Option) Option {
	return func(m *Manager) { m.sandboxOpts = opts }
}

// Manager owns the instance table. It registers itself as the rollout
// manager's kill-switch handler.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	loading   map[string]bool

	bridge   *bridge.Bridge
	perms    *permission.Manager
	rollouts *rollout.Manager
	resolver BundleResolver

	sandboxOpts []sandbox.Option
	events      events.Logger
	metrics     metrics.Collector
	log         *logger.Logger
}

// NewManager creates the runtime manager and wires the kill-switch fan-out.
func NewManager(br *bridge.Bridge, perms *permission.Manager, rollouts *rollout.Manager, resolver BundleResolver, opts ...Option) *Manager {
	m := &Manager{
		instances: make(map[string]*Instance),
		loading:   make(map[string]bool),
		bridge:    br,
		perms:     perms,
		rollouts:  rollouts,
		resolver:  resolver,
		events:    events.NopLogger{},
		metrics:   metrics.NewNopCollector(),
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	rollouts.OnKillSwitch(m.onKillSwitch)
	return m
}

// transition moves an instance through the lifecycle, enforcing the allowed
// edges. Callers hold inst.mu.
func (m *Manager) transition(inst *Instance, to state.Status) error {
	if !state.CanTransition(inst.status, to) {
		return &state.TransitionError{From: inst.status, To: to}
	}
	inst.status = to
	m.metrics.RecordInstanceStatus(inst.manifest.AppID, int(to))
	return nil
}

// LoadMiniApp validates, rollout-gates, sandboxes, and starts a mini-app for
// the given user. An ineligible user gets a RolloutIneligible error and no
// side effects: no sandbox exists afterwards and no permissions were
// requested.
func (m *Manager) LoadMiniApp(ctx context.Context, mf *manifest.Manifest, user rollout.User) error {
	start := time.Now()
	err := m.loadMiniApp(ctx, mf, user)
	m.metrics.RecordLoad(mf.AppID, time.Since(start), err)
	return err
}

func (m *Manager) loadMiniApp(ctx context.Context, mf *manifest.Manifest, user rollout.User) error {
	if err := mf.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if existing, ok := m.instances[mf.AppID]; ok && !m.statusOf(existing).IsTerminal() {
		m.mu.Unlock()
		return apperr.Newf(apperr.CodeValidation, "%s is already loaded", mf.AppID)
	}
	if m.loading[mf.AppID] {
		m.mu.Unlock()
		return apperr.Newf(apperr.CodeValidation, "%s is already loading", mf.AppID)
	}
	m.loading[mf.AppID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.loading, mf.AppID)
		m.mu.Unlock()
	}()

	// The instance stays private until the load succeeds, so a failed load
	// leaves nothing behind.
	inst := &Instance{manifest: mf, status: state.StatusUnloaded, loadedAt: time.Now().UTC()}

	if err := m.transition(inst, state.StatusValidating); err != nil {
		return err
	}

	payload, err := m.resolver.Resolve(ctx, mf.EntryRef)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, "resolve bundle", err)
	}
	if err := mf.VerifyChecksum(payload); err != nil {
		return err
	}

	if err := m.transition(inst, state.StatusAwaitingRollout); err != nil {
		return err
	}
	if err := m.rollouts.RequireEligible(mf.AppID, user); err != nil {
		// No sandbox was built and no permissions requested; the load simply
		// never happened for this user.
		return err
	}

	result, err := m.perms.RequestPermissions(ctx, mf.AppID, mf.DeclaredPermissions)
	if err != nil {
		return err
	}
	if !result.AllGranted() {
		m.log.Info().Str("app_id", mf.AppID).Msg("loaded with partial permission grants")
	}

	if err := m.transition(inst, state.StatusSandboxed); err != nil {
		return err
	}

	conn := m.bridge.Connect(mf.AppID)
	sb, err := sandbox.New(mf, payload, conn, m.sandboxOpts...)
	if err != nil {
		conn.Close()
		m.perms.Release(mf.AppID)
		return err
	}
	inst.conn = conn
	inst.sb = sb

	if err := m.transition(inst, state.StatusRunning); err != nil {
		sb.Close()
		m.perms.Release(mf.AppID)
		return err
	}

	m.mu.Lock()
	m.instances[mf.AppID] = inst
	m.mu.Unlock()

	// A kill switch that fired mid-load must not be outrun by the publish.
	// With the instance visible the re-check is race-free: either the switch
	// handler already saw it in the table, or this check sees the switch.
	// terminate is idempotent, so both firing is fine.
	if m.rollouts.KillSwitchActive(mf.AppID) {
		m.terminate(inst, "kill_switch")
		return apperr.Newf(apperr.CodeRolloutIneligible, "%s was halted during load", mf.AppID)
	}

	m.events.Log(events.Event{Type: events.EventInstanceLoaded, AppID: mf.AppID, Version: mf.Version})
	m.events.Log(events.Event{Type: events.EventInstanceRunning, AppID: mf.AppID, Version: mf.Version})
	m.log.Info().Str("app_id", mf.AppID).Str("version", mf.Version).Msg("mini-app running")
	return nil
}

func (m *Manager) statusOf(inst *Instance) state.Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status
}

func (m *Manager) instance(appID string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[appID]
	if !ok {
		return nil, apperr.Newf(apperr.CodeInstanceNotFound, "no instance for %s", appID)
	}
	return inst, nil
}

// Execute runs the mini-app's entry point. A fatal sandbox failure (timeout,
// memory breach, crash) terminates this instance and only this instance.
func (m *Manager) Execute(ctx context.Context, appID string, input map[string]any) (map[string]any, error) {
	inst, err := m.instance(appID)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	switch inst.status {
	case state.StatusRunning:
	case state.StatusSuspended:
		inst.mu.Unlock()
		return nil, apperr.Newf(apperr.CodeValidation, "%s is suspended", appID)
	default:
		status := inst.status
		inst.mu.Unlock()
		if status.IsTerminal() {
			return nil, apperr.Newf(apperr.CodeInstanceTerminated, "%s is terminated", appID)
		}
		return nil, apperr.Newf(apperr.CodeValidation, "%s is not running (%s)", appID, status)
	}
	sb := inst.sb
	inst.mu.Unlock()

	output, err := sb.Execute(ctx, input)
	if err != nil && apperr.CodeOf(err).InstanceFatal() {
		m.containCrash(inst, err)
	}
	return output, err
}

// containCrash terminates the crashed instance. Neighbors are untouched.
func (m *Manager) containCrash(inst *Instance, cause error) {
	inst.mu.Lock()
	appID := inst.manifest.AppID
	version := inst.manifest.Version
	if inst.status.IsTerminal() {
		inst.mu.Unlock()
		return
	}
	inst.status = state.StatusTerminated
	sb := inst.sb
	inst.mu.Unlock()

	if sb != nil {
		sb.Close()
	}
	m.perms.Release(appID)
	m.metrics.RecordInstanceStatus(appID, int(state.StatusTerminated))
	m.metrics.RecordTermination(appID, "crash")
	m.events.Log(events.Event{
		Type:     events.EventInstanceCrashed,
		AppID:    appID,
		Version:  version,
		Severity: events.SeverityError,
		Error:    cause.Error(),
	})
	m.log.Error().Err(cause).Str("app_id", appID).Msg("instance crashed, contained")
}

// StopMiniApp terminates an instance. Stopping an unknown or already
// terminated app is a no-op, so retried stops are safe.
func (m *Manager) StopMiniApp(_ context.Context, appID string) error {
	m.mu.RLock()
	inst, ok := m.instances[appID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	m.terminate(inst, "stop")
	return nil
}

func (m *Manager) terminate(inst *Instance, reason string) {
	inst.mu.Lock()
	if inst.status.IsTerminal() {
		inst.mu.Unlock()
		return
	}
	appID := inst.manifest.AppID
	version := inst.manifest.Version
	inst.status = state.StatusTerminated
	sb := inst.sb
	inst.mu.Unlock()

	if sb != nil {
		sb.Close()
	}
	m.perms.Release(appID)
	m.metrics.RecordInstanceStatus(appID, int(state.StatusTerminated))
	m.metrics.RecordTermination(appID, reason)
	m.events.Log(events.Event{Type: events.EventInstanceTerminated, AppID: appID, Version: version, Message: reason})
	m.log.Info().Str("app_id", appID).Str("reason", reason).Msg("instance terminated")
}

// Suspend pauses a running instance. Executions are rejected until Resume.
func (m *Manager) Suspend(_ context.Context, appID string) error {
	inst, err := m.instance(appID)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if err := m.transition(inst, state.StatusSuspended); err != nil {
		return err
	}
	m.events.Log(events.Event{Type: events.EventInstanceSuspended, AppID: appID})
	return nil
}

// Resume returns a suspended instance to running.
func (m *Manager) Resume(_ context.Context, appID string) error {
	inst, err := m.instance(appID)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.status != state.StatusSuspended {
		return &state.TransitionError{From: inst.status, To: state.StatusRunning}
	}
	if err := m.transition(inst, state.StatusRunning); err != nil {
		return err
	}
	m.events.Log(events.Event{Type: events.EventInstanceResumed, AppID: appID})
	return nil
}

// Reload swaps a live instance to a new version. The replacement sandbox is
// fully built and verified before the old one is torn down; any failure
// leaves the old version running untouched.
func (m *Manager) Reload(ctx context.Context, mf *manifest.Manifest, payload []byte) error {
	if err := mf.Validate(); err != nil {
		return err
	}
	if err := mf.VerifyChecksum(payload); err != nil {
		return err
	}

	inst, err := m.instance(mf.AppID)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.status != state.StatusRunning && inst.status != state.StatusSuspended {
		return apperr.Newf(apperr.CodeInstanceTerminated, "%s is not live", mf.AppID)
	}

	newConn := m.bridge.Connect(mf.AppID)
	newSB, err := sandbox.New(mf, payload, newConn, m.sandboxOpts...)
	if err != nil {
		newConn.Close()
		return err
	}

	oldSB := inst.sb
	inst.sb = newSB
	inst.conn = newConn
	inst.manifest = mf
	inst.status = state.StatusRunning

	if oldSB != nil {
		oldSB.Close()
	}

	m.metrics.RecordInstanceStatus(mf.AppID, int(state.StatusRunning))
	m.log.Info().Str("app_id", mf.AppID).Str("version", mf.Version).Msg("instance reloaded")
	return nil
}

// onKillSwitch terminates every live instance of the halted app.
func (m *Manager) onKillSwitch(appID string) {
	m.mu.RLock()
	inst, ok := m.instances[appID]
	m.mu.RUnlock()
	if ok {
		m.terminate(inst, "kill_switch")
	}
}

// Status reports the lifecycle status of an app.
func (m *Manager) Status(appID string) (state.Status, error) {
	inst, err := m.instance(appID)
	if err != nil {
		return state.StatusUnloaded, err
	}
	return m.statusOf(inst), nil
}

// Instances snapshots the instance table.
func (m *Manager) Instances() []InstanceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]InstanceInfo, 0, len(m.instances))
	for _, inst := range m.instances {
		inst.mu.Lock()
		out = append(out, InstanceInfo{
			AppID:    inst.manifest.AppID,
			Version:  inst.manifest.Version,
			Status:   inst.status,
			LoadedAt: inst.loadedAt,
		})
		inst.mu.Unlock()
	}
	return out
}

// ActiveAppIDs lists apps with a live instance, for the update poller.
func (m *Manager) ActiveAppIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for appID, inst := range m.instances {
		if !m.statusOf(inst).IsTerminal() {
			out = append(out, appID)
		}
	}
	return out
}

// Shutdown stops every instance. Used by the daemon on exit.
func (m *Manager) Shutdown(_ context.Context) {
	m.mu.RLock()
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.RUnlock()

	for _, inst := range insts {
		m.terminate(inst, "shutdown")
	}
}
