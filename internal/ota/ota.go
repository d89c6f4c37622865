// Package ota checks for, verifies, and applies mini-app updates. A bundle
// that fails checksum or signature verification is discarded before it gets
// anywhere near a sandbox, and a failed apply leaves the running version in
// place.
package ota

import (
	"context"
	"crypto/ed25519"
	"sync"

	"github.com/robfig/cron/v3"

	apperr "github.com/miniapphost/runtime/internal/errors"
	"github.com/miniapphost/runtime/internal/events"
	"github.com/miniapphost/runtime/internal/manifest"
	"github.com/miniapphost/runtime/internal/metrics"
	"github.com/miniapphost/runtime/pkg/logger"
)

// Reloader swaps a running instance to a new version. The runtime manager
// implements it; a failed reload must leave the old version running.
type Reloader interface {
	Reload(ctx context.Context, m *manifest.Manifest, payload []byte) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithVerifyKey enables ed25519 signature verification of downloaded bundles.
func WithVerifyKey(key ed25519.PublicKey) Option {
	return func(m *Manager) { m.verifyKey = key }
}

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
	return func(m *Manager) { m.log = l.Component("ota") }
}

// cached is a verified bundle awaiting apply.
type cached struct {
	info    *UpdateInfo
	payload []byte
}

// Manager drives the update pipeline: check, download and verify, apply.
type Manager struct {
	source   Source
	store    VersionStore
	reloader Reloader

	verifyKey ed25519.PublicKey
	events    events.Logger
	metrics   metrics.Collector
	log       *logger.Logger

	mu     sync.Mutex
	bundle map[string]*cached
	cron   *cron.Cron
}

// NewManager creates an update manager.
func NewManager(source Source, store VersionStore, reloader Reloader, opts ...Option) *Manager {
	m := &Manager{
		source:   source,
		store:    store,
		reloader: reloader,
		events:   events.NopLogger{},
		metrics:  metrics.NewNopCollector(),
		log:      logger.Nop(),
		bundle:   make(map[string]*cached),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check asks the source whether a newer version exists. A NoUpdate error
// means the installed version is current.
func (m *Manager) Check(ctx context.Context, appID string) (*UpdateInfo, error) {
	current, err := m.store.Installed(ctx, appID)
	if err != nil {
		return nil, err
	}

	info, err := m.source.CheckForUpdates(ctx, appID, current)
	if err != nil {
		m.metrics.RecordUpdateCheck(appID, false)
		return nil, err
	}
	m.metrics.RecordUpdateCheck(appID, true)

	m.events.Log(events.Event{
		Type:    events.EventUpdateAvailable,
		AppID:   appID,
		Version: info.Version,
	})
	return info, nil
}

// Download fetches the bundle and verifies it. A checksum mismatch or bad
// signature discards the bytes; nothing unverified is ever cached.
func (m *Manager) Download(ctx context.Context, info *UpdateInfo) ([]byte, error) {
	payload, err := m.source.Download(ctx, info)
	if err != nil {
		return nil, err
	}

	if err := info.Manifest.VerifyChecksum(payload); err != nil {
		m.log.Warn().Str("app_id", info.AppID).Str("version", info.Version).
			Msg("discarding bundle with checksum mismatch")
		m.events.Log(events.Event{
			Type:     events.EventUpdateFailed,
			AppID:    info.AppID,
			Version:  info.Version,
			Severity: events.SeverityError,
			Error:    err.Error(),
		})
		return nil, err
	}

	if m.verifyKey != nil {
		if len(info.Signature) == 0 || !ed25519.Verify(m.verifyKey, payload, info.Signature) {
			err := apperr.Newf(apperr.CodeSignatureInvalid,
				"bundle signature for %s@%s does not verify", info.AppID, info.Version)
			m.events.Log(events.Event{
				Type:     events.EventUpdateFailed,
				AppID:    info.AppID,
				Version:  info.Version,
				Severity: events.SeverityError,
				Error:    err.Error(),
			})
			return nil, err
		}
	}

	m.mu.Lock()
	m.bundle[info.AppID] = &cached{info: info, payload: payload}
	m.mu.Unlock()

	m.events.Log(events.Event{
		Type:    events.EventUpdateDownloaded,
		AppID:   info.AppID,
		Version: info.Version,
	})
	return payload, nil
}

// Apply swaps the running instance to the downloaded version. The reload is
// rollback-safe: on failure the previous version keeps running and the
// installed-version record is untouched.
func (m *Manager) Apply(ctx context.Context, appID string) error {
	m.mu.Lock()
	c, ok := m.bundle[appID]
	m.mu.Unlock()
	if !ok {
		return apperr.Newf(apperr.CodeNotFound, "no downloaded bundle for %s", appID)
	}

	err := m.reloader.Reload(ctx, &c.info.Manifest, c.payload)
	m.metrics.RecordUpdateApply(appID, err)
	if err != nil {
		m.events.Log(events.Event{
			Type:     events.EventUpdateFailed,
			AppID:    appID,
			Version:  c.info.Version,
			Severity: events.SeverityError,
			Error:    err.Error(),
		})
		return err
	}

	if err := m.store.SetInstalled(ctx, appID, c.info.Version); err != nil {
		// The new version is live; losing the record only means a redundant
		// re-download on the next check.
		m.log.Error().Err(err).Str("app_id", appID).Msg("persist installed version")
	}

	m.mu.Lock()
	delete(m.bundle, appID)
	m.mu.Unlock()

	m.events.Log(events.Event{
		Type:    events.EventUpdateApplied,
		AppID:   appID,
		Version: c.info.Version,
	})
	return nil
}

// Update runs the full pipeline for one app.
func (m *Manager) Update(ctx context.Context, appID string) error {
	info, err := m.Check(ctx, appID)
	if err != nil {
		return err
	}
	if _, err := m.Download(ctx, info); err != nil {
		return err
	}
	return m.Apply(ctx, appID)
}

// StartPolling checks all listed apps on a cron schedule, e.g. "@every 15m".
func (m *Manager) StartPolling(schedule string, appIDs func() []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return apperr.New(apperr.CodeValidation, "polling already started")
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx := context.Background()
		for _, appID := range appIDs() {
			if err := m.Update(ctx, appID); err != nil {
				if apperr.HasCode(err, apperr.CodeNoUpdate) {
					continue
				}
				m.log.Warn().Err(err).Str("app_id", appID).Msg("scheduled update failed")
			}
		}
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid polling schedule", err)
	}

	c.Start()
	m.cron = c
	return nil
}

// StopPolling halts the scheduler and waits for a running check to finish.
func (m *Manager) StopPolling() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Installed exposes the persisted version for an app.
func (m *Manager) Installed(ctx context.Context, appID string) (string, error) {
	return m.store.Installed(ctx, appID)
}
