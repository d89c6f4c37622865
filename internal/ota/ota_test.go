package ota

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"

	apperr "github.com/miniapphost/runtime/internal/errors"
	"github.com/miniapphost/runtime/internal/events"
	"github.com/miniapphost/runtime/internal/manifest"
)

// fakeSource serves updates from memory.
type fakeSource struct {
	mu      sync.Mutex
	info    *UpdateInfo
	payload []byte
	corrupt bool
}

func (s *fakeSource) CheckForUpdates(_ context.Context, appID, currentVersion string) (*UpdateInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil || !manifest.Newer(s.info.Version, currentVersion) {
		return nil, apperr.Newf(apperr.CodeNoUpdate, "%s is current", appID)
	}
	return s.info, nil
}

func (s *fakeSource) Download(context.Context, *UpdateInfo) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corrupt {
		return append(append([]byte{}, s.payload...), '\n'), nil
	}
	return s.payload, nil
}

// fakeReloader records reloads and can be made to fail.
type fakeReloader struct {
	mu      sync.Mutex
	fail    error
	applied []string
}

func (r *fakeReloader) Reload(_ context.Context, m *manifest.Manifest, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.applied = append(r.applied, m.Version)
	return nil
}

func publish(src *fakeSource, appID, version string) []byte {
	payload := []byte("function main() { return {v: \"" + version + "\"}; }")
	src.mu.Lock()
	defer src.mu.Unlock()
	src.info = &UpdateInfo{
		AppID:   appID,
		Version: version,
		Manifest: manifest.Manifest{
			AppID:   appID,
			Version: version,
			ResourceLimits: manifest.ResourceLimits{
				MemoryBytes:        64 << 20,
				ExecutionTimeoutMs: 1000,
			},
			EntryRef: appID + ".js",
			Checksum: manifest.Checksum(payload),
		},
	}
	src.payload = payload
	return payload
}

func TestCheckReportsNewer(t *testing.T) {
	src := &fakeSource{}
	publish(src, "app", "1.1.0")
	m := NewManager(src, NewMemoryStore(), &fakeReloader{})

	info, err := m.Check(context.Background(), "app")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if info.Version != "1.1.0" {
		t.Errorf("version = %q", info.Version)
	}
}

func TestCheckNoUpdateWhenCurrent(t *testing.T) {
	src := &fakeSource{}
	publish(src, "app", "1.1.0")
	store := NewMemoryStore()
	if err := store.SetInstalled(context.Background(), "app", "1.1.0"); err != nil {
		t.Fatal(err)
	}
	m := NewManager(src, store, &fakeReloader{})

	_, err := m.Check(context.Background(), "app")
	if !apperr.HasCode(err, apperr.CodeNoUpdate) {
		t.Errorf("want NO_UPDATE, got %v", err)
	}
}

func TestDownloadDiscardsChecksumMismatch(t *testing.T) {
	src := &fakeSource{}
	publish(src, "app", "1.1.0")
	src.corrupt = true

	ring := events.NewRing(16)
	m := NewManager(src, NewMemoryStore(), &fakeReloader{}, WithEventLogger(ring))

	info, err := m.Check(context.Background(), "app")
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Download(context.Background(), info)
	if !apperr.HasCode(err, apperr.CodeChecksumMismatch) {
		t.Fatalf("want CHECKSUM_MISMATCH, got %v", err)
	}

	// Nothing cached: apply has nothing to work with.
	err = m.Apply(context.Background(), "app")
	if !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Errorf("corrupt bundle was cached: %v", err)
	}
}

func TestSignatureVerification(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{}
	payload := publish(src, "app", "1.1.0")
	src.info.Signature = ed25519.Sign(priv, payload)

	m := NewManager(src, NewMemoryStore(), &fakeReloader{}, WithVerifyKey(pub))
	info, err := m.Check(context.Background(), "app")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Download(context.Background(), info); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// Tampered signature.
	src.info.Signature[0] ^= 0xff
	m2 := NewManager(src, NewMemoryStore(), &fakeReloader{}, WithVerifyKey(pub))
	info2, err := m2.Check(context.Background(), "app")
	if err != nil {
		t.Fatal(err)
	}
	_, err = m2.Download(context.Background(), info2)
	if !apperr.HasCode(err, apperr.CodeSignatureInvalid) {
		t.Errorf("want SIGNATURE_INVALID, got %v", err)
	}
}

func TestUpdateAppliesAndPersists(t *testing.T) {
	src := &fakeSource{}
	publish(src, "app", "2.0.0")
	store := NewMemoryStore()
	reloader := &fakeReloader{}
	ring := events.NewRing(16)
	m := NewManager(src, store, reloader, WithEventLogger(ring))

	if err := m.Update(context.Background(), "app"); err != nil {
		t.Fatalf("update: %v", err)
	}

	if len(reloader.applied) != 1 || reloader.applied[0] != "2.0.0" {
		t.Errorf("applied = %v", reloader.applied)
	}
	installed, err := store.Installed(context.Background(), "app")
	if err != nil {
		t.Fatal(err)
	}
	if installed != "2.0.0" {
		t.Errorf("installed = %q", installed)
	}

	var applied bool
	for _, e := range ring.Recent(20) {
		if e.Type == events.EventUpdateApplied {
			applied = true
		}
	}
	if !applied {
		t.Error("update_applied event missing")
	}
}

func TestFailedApplyKeepsInstalledVersion(t *testing.T) {
	src := &fakeSource{}
	publish(src, "app", "2.0.0")
	store := NewMemoryStore()
	if err := store.SetInstalled(context.Background(), "app", "1.0.0"); err != nil {
		t.Fatal(err)
	}
	reloader := &fakeReloader{fail: apperr.New(apperr.CodeSandboxCrash, "entry point broken")}
	m := NewManager(src, store, reloader)

	if err := m.Update(context.Background(), "app"); err == nil {
		t.Fatal("failed reload reported success")
	}

	installed, err := store.Installed(context.Background(), "app")
	if err != nil {
		t.Fatal(err)
	}
	if installed != "1.0.0" {
		t.Errorf("installed = %q, want the old 1.0.0", installed)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	v, err := store.Installed(ctx, "app")
	if err != nil || v != "" {
		t.Fatalf("empty store: %q, %v", v, err)
	}
	if err := store.SetInstalled(ctx, "app", "1.0.0"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetInstalled(ctx, "other", "2.0.0"); err != nil {
		t.Fatal(err)
	}

	all, err := store.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all["app"] != "1.0.0" {
		t.Errorf("all = %v", all)
	}
}
