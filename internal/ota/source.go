package ota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperr "github.com/miniapphost/runtime/internal/errors"
	"github.com/miniapphost/runtime/internal/manifest"
)

// UpdateInfo describes one available update.
type UpdateInfo struct {
	AppID    string            `json:"appId"`
	Version  string            `json:"version"`
	Manifest manifest.Manifest `json:"manifest"`

	// BundleURL is where the payload is fetched from. Source-specific.
	BundleURL string `json:"bundleUrl,omitempty"`

	// Signature is an optional ed25519 signature over the payload bytes.
	Signature []byte `json:"signature,omitempty"`
}

// Source is where updates come from. CheckForUpdates returns a NoUpdate
// error when the current version is already the latest.
type Source interface {
	CheckForUpdates(ctx context.Context, appID, currentVersion string) (*UpdateInfo, error)
	Download(ctx context.Context, info *UpdateInfo) ([]byte, error)
}

// NullSource never has updates. Used when no distribution server is
// configured.
type NullSource struct{}

func (NullSource) CheckForUpdates(_ context.Context, appID, _ string) (*UpdateInfo, error) {
	return nil, apperr.Newf(apperr.CodeNoUpdate, "no update source configured for %s", appID)
}

func (NullSource) Download(context.Context, *UpdateInfo) ([]byte, error) {
	return nil, apperr.New(apperr.CodeNoUpdate, "no update source configured")
}

// HTTPSource talks to a distribution server. The server exposes
// GET {base}/apps/{appID}/latest returning an UpdateInfo document, and the
// bundle at the URL that document names.
type HTTPSource struct {
	base   string
	client *http.Client
}

// NewHTTPSource creates a source against the given base URL.
func NewHTTPSource(base string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{base: base, client: client}
}

// CheckForUpdates fetches the latest published descriptor and compares
// versions.
func (s *HTTPSource) CheckForUpdates(ctx context.Context, appID, currentVersion string) (*UpdateInfo, error) {
	url := fmt.Sprintf("%s/apps/%s/latest", s.base, appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build update check request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update check for %s: %w", appID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.Newf(apperr.CodeNoUpdate, "no published version for %s", appID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.CodeInternal, "update server returned %d for %s", resp.StatusCode, appID)
	}

	var info UpdateInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode update descriptor: %w", err)
	}
	if !manifest.Newer(info.Version, currentVersion) {
		return nil, apperr.Newf(apperr.CodeNoUpdate, "%s is already at %s", appID, currentVersion)
	}
	return &info, nil
}

// Download fetches the bundle bytes. Integrity is verified by the caller.
func (s *HTTPSource) Download(ctx context.Context, info *UpdateInfo) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.BundleURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build bundle request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download bundle for %s: %w", info.AppID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.CodeInternal, "bundle server returned %d for %s", resp.StatusCode, info.AppID)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, 64<<20)); err != nil {
		return nil, fmt.Errorf("read bundle for %s: %w", info.AppID, err)
	}
	return buf.Bytes(), nil
}
