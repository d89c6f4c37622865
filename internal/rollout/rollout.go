// Package rollout decides which users receive a mini-app version. Bucketing
// is deterministic: the same user and app always land in the same bucket, so
// eligibility never flaps between checks of the same phase.
package rollout

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	apperr "github.com/miniapphost/runtime/internal/errors"
	"github.com/miniapphost/runtime/internal/events"
	"github.com/miniapphost/runtime/internal/metrics"
	"github.com/miniapphost/runtime/pkg/logger"
)

// Phase is one step of a staged rollout. Duration bounds how long the phase
// holds before the next one begins; the final phase holds indefinitely.
type Phase struct {
	// Percentage of the user population eligible during this phase, 0-100.
	Percentage uint8 `json:"percentage" yaml:"percentage"`

	// Duration of the phase. Ignored for the last phase.
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Config is the rollout plan for one app version.
type Config struct {
	AppID   string  `json:"appId" yaml:"appId"`
	Version string  `json:"version" yaml:"version"`
	Phases  []Phase `json:"phases" yaml:"phases"`

	// StartTime anchors phase progression. Zero means now at configure time.
	StartTime time.Time `json:"startTime" yaml:"startTime"`

	// Criteria are attribute predicates a user must match exactly, e.g.
	// {"region": "eu"}. Empty means no attribute gating.
	Criteria map[string]string `json:"criteria,omitempty" yaml:"criteria,omitempty"`
}

// Validate checks the plan shape.
func (c *Config) Validate() error {
	if c.AppID == "" {
		return apperr.New(apperr.CodeValidation, "rollout config requires an appId")
	}
	if len(c.Phases) == 0 {
		return apperr.New(apperr.CodeValidation, "rollout config requires at least one phase")
	}
	for n, phase := range c.Phases {
		if phase.Percentage > 100 {
			return apperr.Newf(apperr.CodeValidation, "phase %d percentage exceeds 100", n)
		}
		if n < len(c.Phases)-1 && phase.Duration <= 0 {
			return apperr.Newf(apperr.CodeValidation, "phase %d requires a positive duration", n)
		}
	}
	return nil
}

// CurrentPhase resolves the active phase at the given time by walking the
// phase durations from the start time.
func (c *Config) CurrentPhase(now time.Time) Phase {
	elapsed := now.Sub(c.StartTime)
	for n, phase := range c.Phases {
		if n == len(c.Phases)-1 {
			return phase
		}
		if elapsed < phase.Duration {
			return phase
		}
		elapsed -= phase.Duration
	}
	return c.Phases[len(c.Phases)-1]
}

// User is the subject of an eligibility decision.
type User struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Bucket maps a user/app pair onto 0-99. SHA-256 of "userID:appID", first
// eight bytes big-endian, mod 100. Stable across restarts and hosts.
func Bucket(userID, appID string) uint64 {
	sum := sha256.Sum256([]byte(userID + ":" + appID))
	return binary.BigEndian.Uint64(sum[:8]) % 100
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
	return func(m *Manager) { m.log = l.Component("rollout") }
}

// WithClock overrides the time source for phase progression.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// KillSwitchHandler is notified when a kill switch fires, so the runtime can
// terminate live instances.
type KillSwitchHandler func(appID string)

// Manager holds rollout plans and kill-switch state.
type Manager struct {
	mu       sync.RWMutex
	configs  map[string]*Config
	killed   map[string]bool
	handlers []KillSwitchHandler

	events  events.Logger
	metrics metrics.Collector
	log     *logger.Logger
	now     func() time.Time
}

// NewManager creates a rollout manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		configs: make(map[string]*Config),
		killed:  make(map[string]bool),
		events:  events.NopLogger{},
		metrics: metrics.NewNopCollector(),
		log:     logger.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnKillSwitch registers a handler invoked on every kill-switch activation.
// Registration is expected at startup.
func (m *Manager) OnKillSwitch(h KillSwitchHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Configure installs or replaces the rollout plan for an app. Replacing a
// plan mid-rollout changes eligibility for users near the moving threshold;
// that is logged as a warning, not blocked.
func (m *Manager) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = m.now()
	}

	m.mu.Lock()
	_, replacing := m.configs[cfg.AppID]
	m.configs[cfg.AppID] = &cfg
	m.mu.Unlock()

	if replacing {
		m.log.Warn().Str("app_id", cfg.AppID).
			Msg("rollout plan replaced mid-rollout, eligibility near the threshold may shift")
	}
	m.events.Log(events.Event{
		Type:    events.EventRolloutConfigured,
		AppID:   cfg.AppID,
		Version: cfg.Version,
	})
	return nil
}

// Config returns a copy of the plan for an app, if any.
func (m *Manager) Config(appID string) (Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[appID]
	if !ok {
		return Config{}, false
	}
	return *cfg, true
}

// Remove drops the rollout plan for an app.
func (m *Manager) Remove(appID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, appID)
}

// IsEligible decides whether a user receives the app right now. No plan means
// fully rolled out. A kill switch denies everyone. The decision is pure with
// respect to user and time: repeated checks within one phase agree.
func (m *Manager) IsEligible(appID string, user User) bool {
	eligible := m.isEligible(appID, user)
	m.metrics.RecordEligibility(appID, eligible)
	return eligible
}

func (m *Manager) isEligible(appID string, user User) bool {
	m.mu.RLock()
	killed := m.killed[appID]
	cfg, hasCfg := m.configs[appID]
	m.mu.RUnlock()

	if killed {
		return false
	}
	if !hasCfg {
		return true
	}
	for key, want := range cfg.Criteria {
		if user.Attributes[key] != want {
			return false
		}
	}
	phase := cfg.CurrentPhase(m.now())
	return Bucket(user.ID, appID) < uint64(phase.Percentage)
}

// RequireEligible is IsEligible with a structured error for load paths.
func (m *Manager) RequireEligible(appID string, user User) error {
	if !m.IsEligible(appID, user) {
		return apperr.Newf(apperr.CodeRolloutIneligible,
			"user %s is not in the rollout for %s", user.ID, appID)
	}
	return nil
}

// KillSwitch halts distribution of an app. It always succeeds: the plan is
// dropped, new eligibility checks deny, and registered handlers are told to
// tear down live instances.
func (m *Manager) KillSwitch(appID, reason string) {
	m.mu.Lock()
	m.killed[appID] = true
	delete(m.configs, appID)
	handlers := make([]KillSwitchHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	if reason == "" {
		reason = "distribution halted"
	}
	m.metrics.RecordKillSwitch(appID)
	m.events.Log(events.Event{
		Type:     events.EventKillSwitch,
		AppID:    appID,
		Severity: events.SeverityError,
		Message:  reason,
	})

	for _, h := range handlers {
		h(appID)
	}
}

// KillSwitchActive reports whether an app is halted.
func (m *Manager) KillSwitchActive(appID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.killed[appID]
}

// ClearKillSwitch re-enables distribution. The app has no plan afterwards,
// so it is fully rolled out until a new plan is configured.
func (m *Manager) ClearKillSwitch(appID string) {
	m.mu.Lock()
	cleared := m.killed[appID]
	delete(m.killed, appID)
	m.mu.Unlock()

	if cleared {
		m.events.Log(events.Event{
			Type:  events.EventKillSwitchCleared,
			AppID: appID,
		})
	}
}
