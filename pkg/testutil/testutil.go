// Package testutil provides fakes and builders shared by the package tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync"

	apperr "github.com/miniapphost/runtime/internal/errors"
	"github.com/miniapphost/runtime/internal/manifest"
	"github.com/miniapphost/runtime/internal/ota"
)

// NewManifest builds a valid manifest whose checksum matches payload.
func NewManifest(appID, version string, payload []byte) *manifest.Manifest {
	return &manifest.Manifest{
		AppID:   appID,
		Version: version,
		ResourceLimits: manifest.ResourceLimits{
			MemoryBytes:        256 << 20,
			ExecutionTimeoutMs: 2000,
		},
		EntryRef: appID + ".js",
		Checksum: manifest.Checksum(payload),
	}
}

// StaticPrompter answers every permission prompt with a fixed decision and
// counts how often it was consulted.
type StaticPrompter struct {
	mu      sync.Mutex
	Grant   bool
	Err     error
	prompts []string
}

func (p *StaticPrompter) Prompt(_ context.Context, _, capability string) (bool, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, capability)
	p.mu.Unlock()
	if p.Err != nil {
		return false, p.Err
	}
	return p.Grant, nil
}

// Prompts returns the capabilities prompted for, in order.
func (p *StaticPrompter) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.prompts))
	copy(out, p.prompts)
	return out
}

// RenderRecorder captures frames pushed by sandboxed code.
type RenderRecorder struct {
	mu     sync.Mutex
	frames []json.RawMessage
}

func (r *RenderRecorder) Render(_ string, frame json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

// Frames returns the captured frames.
func (r *RenderRecorder) Frames() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]json.RawMessage, len(r.frames))
	copy(out, r.frames)
	return out
}

// MapResolver resolves entry references from an in-memory map.
type MapResolver map[string][]byte

func (r MapResolver) Resolve(_ context.Context, entryRef string) ([]byte, error) {
	payload, ok := r[entryRef]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "no bundle for %q", entryRef)
	}
	return payload, nil
}

// FakeSource serves updates from memory. Set Info and Payload per app.
type FakeSource struct {
	mu      sync.Mutex
	Infos   map[string]*ota.UpdateInfo
	Bundles map[string][]byte

	// CorruptDownloads makes every download return bytes that do not match
	// the declared checksum.
	CorruptDownloads bool
}

// NewFakeSource creates an empty source.
func NewFakeSource() *FakeSource {
	return &FakeSource{
		Infos:   make(map[string]*ota.UpdateInfo),
		Bundles: make(map[string][]byte),
	}
}

// Publish registers version as the latest for the app.
func (s *FakeSource) Publish(info *ota.UpdateInfo, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Infos[info.AppID] = info
	s.Bundles[info.AppID] = payload
}

func (s *FakeSource) CheckForUpdates(_ context.Context, appID, currentVersion string) (*ota.UpdateInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.Infos[appID]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNoUpdate, "no published version for %s", appID)
	}
	if !manifest.Newer(info.Version, currentVersion) {
		return nil, apperr.Newf(apperr.CodeNoUpdate, "%s is already at %s", appID, currentVersion)
	}
	return info, nil
}

func (s *FakeSource) Download(_ context.Context, info *ota.UpdateInfo) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.Bundles[info.AppID]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "no bundle for %s", info.AppID)
	}
	if s.CorruptDownloads {
		corrupted := make([]byte, len(payload))
		copy(corrupted, payload)
		corrupted = append(corrupted, '\n')
		return corrupted, nil
	}
	return payload, nil
}
