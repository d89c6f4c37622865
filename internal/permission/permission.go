// Package permission owns per-mini-app capability grants. It is the single
// writer of grant state; the bridge and sandbox only read it, on every
// capability invocation.
package permission

import (
	"context"
	"strings"
	"sync"
	"time"

	apperr "github.com/miniapphost/runtime/internal/errors"
	"github.com/miniapphost/runtime/internal/events"
	"github.com/miniapphost/runtime/pkg/logger"
)

// Prompter is the external permission-prompt callback. It is consulted for
// risk-significant capabilities and may suspend pending user interaction.
type Prompter interface {
	Prompt(ctx context.Context, appID, capability string) (bool, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, appID, capability string) (bool, error)

// Prompt implements Prompter.
func (f PrompterFunc) Prompt(ctx context.Context, appID, capability string) (bool, error) {
	return f(ctx, appID, capability)
}

// riskSignificant lists capability prefixes that always require a user
// prompt. Everything else is auto-granted when declared in the manifest.
var riskSignificant = []string{
	"camera",
	"microphone",
	"contacts",
	"location.precise",
}

// RiskSignificant reports whether a capability requires a prompt.
func RiskSignificant(capability string) bool {
	for _, prefix := range riskSignificant {
		if capability == prefix || strings.HasPrefix(capability, prefix+".") {
			return true
		}
	}
	return false
}

// Decision records the outcome for one requested capability.
type Decision struct {
	Capability string `json:"capability"`
	Granted    bool   `json:"granted"`
	Prompted   bool   `json:"prompted"`
}

// Result is the outcome of a RequestPermissions call.
type Result struct {
	AppID     string     `json:"app_id"`
	Decisions []Decision `json:"decisions"`
}

// AllGranted reports whether every requested capability was granted.
func (r Result) AllGranted() bool {
	for _, d := range r.Decisions {
		if !d.Granted {
			return false
		}
	}
	return true
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrompter sets the external prompt callback.
func WithPrompter(p Prompter) Option {
	return func(m *Manager) { m.prompter = p }
}

// WithPromptTimeout bounds how long a single prompt may take. A prompt that
// exceeds it counts as a denial.
func WithPromptTimeout(d time.Duration) Option {
	return func(m *Manager) { m.promptTimeout = d }
}

// WithEventLogger sets the lifecycle event sink.
func WithEventLogger(el events.Logger) Option {
	return func(m *Manager) { m.events = el }
}

// WithLogger sets the structured logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager owns the grant registry. Single writer, many readers.
type Manager struct {
	mu     sync.RWMutex
	grants map[string]map[string]bool // appID -> capability -> granted

	prompter      Prompter
	promptTimeout time.Duration
	events        events.Logger
	log           *logger.Logger
}

// NewManager creates a permission manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		grants:        make(map[string]map[string]bool),
		promptTimeout: 30 * time.Second,
		events:        events.NopLogger{},
		log:           logger.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestPermissions resolves each requested capability to granted or denied.
// Low-risk capabilities are auto-granted; risk-significant ones delegate to
// the prompt callback. A prompt error or timeout is a denial, never a grant.
func (m *Manager) RequestPermissions(ctx context.Context, appID string, capabilities []string) (Result, error) {
	result := Result{AppID: appID, Decisions: make([]Decision, 0, len(capabilities))}

	for _, capability := range capabilities {
		if m.has(appID, capability) {
			result.Decisions = append(result.Decisions, Decision{Capability: capability, Granted: true})
			continue
		}

		if !RiskSignificant(capability) {
			m.set(appID, capability, true)
			m.events.Log(events.Event{
				Type:    events.EventPermissionGranted,
				AppID:   appID,
				Message: capability,
			})
			result.Decisions = append(result.Decisions, Decision{Capability: capability, Granted: true})
			continue
		}

		granted := m.promptOne(ctx, appID, capability)
		m.set(appID, capability, granted)

		eventType := events.EventPermissionGranted
		if !granted {
			eventType = events.EventPermissionDenied
		}
		m.events.Log(events.Event{Type: eventType, AppID: appID, Message: capability})

		result.Decisions = append(result.Decisions, Decision{
			Capability: capability,
			Granted:    granted,
			Prompted:   true,
		})
	}

	return result, nil
}

// promptOne consults the external prompt callback, fail-closed.
func (m *Manager) promptOne(ctx context.Context, appID, capability string) bool {
	if m.prompter == nil {
		m.log.Warn().Str("app_id", appID).Str("capability", capability).
			Msg("no prompter configured, denying risk-significant capability")
		return false
	}

	promptCtx, cancel := context.WithTimeout(ctx, m.promptTimeout)
	defer cancel()

	granted, err := m.prompter.Prompt(promptCtx, appID, capability)
	if err != nil {
		m.log.Warn().Err(err).Str("app_id", appID).Str("capability", capability).
			Msg("permission prompt failed, treating as denial")
		return false
	}
	return granted
}

// HasPermission is a pure read used by the bridge on every invocation.
func (m *Manager) HasPermission(appID, capability string) bool {
	return m.has(appID, capability)
}

// RequirePermission returns a PermissionDenied error when the capability is
// not granted.
func (m *Manager) RequirePermission(appID, capability string) error {
	if !m.has(appID, capability) {
		return apperr.Newf(apperr.CodePermissionDenied, "capability %q not granted for %s", capability, appID)
	}
	return nil
}

// RevokePermission takes effect for all subsequent bridge calls. In-flight
// calls that already passed the check are not cancelled.
func (m *Manager) RevokePermission(appID, capability string) {
	m.set(appID, capability, false)
	m.events.Log(events.Event{
		Type:     events.EventPermissionRevoked,
		AppID:    appID,
		Severity: events.SeverityWarning,
		Message:  capability,
	})
}

// Release drops every grant for an app. Called when its instance is destroyed.
func (m *Manager) Release(appID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, appID)
}

// Grants returns a copy of the current grant set for an app.
func (m *Manager) Grants(appID string) map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]bool, len(m.grants[appID]))
	for capability, granted := range m.grants[appID] {
		out[capability] = granted
	}
	return out
}

func (m *Manager) has(appID, capability string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grants[appID][capability]
}

func (m *Manager) set(appID, capability string, granted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants[appID] == nil {
		m.grants[appID] = make(map[string]bool)
	}
	m.grants[appID][capability] = granted
}
