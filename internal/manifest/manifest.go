// Package manifest defines the mini-app manifest: identity, declared
// permissions, resource limits, and the checksum of the executable payload.
// A manifest is immutable once loaded; updates replace it wholesale.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	apperr "github.com/miniapphost/runtime/internal/errors"
)

// ResourceLimits bounds a single sandbox instance.
type ResourceLimits struct {
	// MemoryBytes is the memory ceiling for the instance. 0 is invalid.
	MemoryBytes uint64 `json:"memoryBytes" yaml:"memoryBytes"`

	// ExecutionTimeoutMs bounds a single execution of the entry code.
	ExecutionTimeoutMs uint32 `json:"executionTimeoutMs" yaml:"executionTimeoutMs"`

	// AllowedNetworkHosts is the outbound host allow-list. Empty means no
	// network access at all.
	AllowedNetworkHosts []string `json:"allowedNetworkHosts" yaml:"allowedNetworkHosts"`
}

// Manifest describes one mini-app version.
type Manifest struct {
	AppID               string         `json:"appId" yaml:"appId"`
	Version             string         `json:"version" yaml:"version"`
	DeclaredPermissions []string       `json:"declaredPermissions" yaml:"declaredPermissions"`
	ResourceLimits      ResourceLimits `json:"resourceLimits" yaml:"resourceLimits"`

	// EntryRef is an opaque pointer to the executable payload. The runtime
	// resolves it through a BundleResolver; it is never interpreted here.
	EntryRef string `json:"entryRef" yaml:"entryRef"`

	// Checksum is the lowercase hex SHA-256 of the payload bytes.
	Checksum string `json:"checksum" yaml:"checksum"`
}

// Validate checks manifest shape. It does not touch the payload; use
// VerifyChecksum once the payload bytes are available.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.AppID) == "" {
		return apperr.New(apperr.CodeValidation, "appId is required")
	}
	if _, err := ParseVersion(m.Version); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "version is invalid", err)
	}
	if m.ResourceLimits.MemoryBytes == 0 {
		return apperr.New(apperr.CodeValidation, "resourceLimits.memoryBytes must be positive")
	}
	if m.ResourceLimits.ExecutionTimeoutMs == 0 {
		return apperr.New(apperr.CodeValidation, "resourceLimits.executionTimeoutMs must be positive")
	}
	for _, perm := range m.DeclaredPermissions {
		if strings.TrimSpace(perm) == "" {
			return apperr.New(apperr.CodeValidation, "declaredPermissions contains an empty capability name")
		}
	}
	for _, host := range m.ResourceLimits.AllowedNetworkHosts {
		if strings.TrimSpace(host) == "" {
			return apperr.New(apperr.CodeValidation, "allowedNetworkHosts contains an empty host")
		}
	}
	if m.EntryRef == "" {
		return apperr.New(apperr.CodeValidation, "entryRef is required")
	}
	if m.Checksum == "" {
		return apperr.New(apperr.CodeValidation, "checksum is required")
	}
	if _, err := hex.DecodeString(m.Checksum); err != nil || len(m.Checksum) != sha256.Size*2 {
		return apperr.New(apperr.CodeValidation, "checksum must be hex sha-256")
	}
	return nil
}

// VerifyChecksum compares the manifest checksum against the payload bytes.
func (m *Manifest) VerifyChecksum(payload []byte) error {
	sum := Checksum(payload)
	if !strings.EqualFold(sum, m.Checksum) {
		return apperr.Newf(apperr.CodeChecksumMismatch,
			"payload checksum %s does not match declared %s", sum, m.Checksum)
	}
	return nil
}

// Checksum returns the lowercase hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Parse decodes a manifest from YAML or JSON bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		// yaml.v3 accepts JSON as a subset, so a failure here means both.
		return nil, apperr.Wrap(apperr.CodeValidation, "manifest is not valid yaml/json", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// MarshalJSON is explicit so the manifest wire form stays stable.
func (m *Manifest) String() string {
	data, _ := json.Marshal(m)
	return string(data)
}

// Version is a parsed semantic version (major.minor.patch with an optional
// pre-release tag, which is ignored for ordering).
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion parses "1.2.3" or "1.2.3-rc.1".
func ParseVersion(s string) (Version, error) {
	core := s
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		core = s[:i]
	}
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q is not major.minor.patch", s)
	}
	var v Version
	var err error
	if v.Major, err = strconv.Atoi(parts[0]); err != nil || v.Major < 0 {
		return Version{}, fmt.Errorf("version %q has invalid major", s)
	}
	if v.Minor, err = strconv.Atoi(parts[1]); err != nil || v.Minor < 0 {
		return Version{}, fmt.Errorf("version %q has invalid minor", s)
	}
	if v.Patch, err = strconv.Atoi(parts[2]); err != nil || v.Patch < 0 {
		return Version{}, fmt.Errorf("version %q has invalid patch", s)
	}
	return v, nil
}

// Compare returns -1, 0, or 1 ordering v against other.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		return sign(v.Major - other.Major)
	case v.Minor != other.Minor:
		return sign(v.Minor - other.Minor)
	case v.Patch != other.Patch:
		return sign(v.Patch - other.Patch)
	}
	return 0
}

// Newer reports whether candidate is strictly newer than current. An
// unparseable candidate is never newer; an empty or unparseable current means
// nothing is installed yet, so any valid candidate counts as newer.
func Newer(candidate, current string) bool {
	cv, err := ParseVersion(candidate)
	if err != nil {
		return false
	}
	cur, err := ParseVersion(current)
	if err != nil {
		return true
	}
	return cv.Compare(cur) > 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
