package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	stderrors "errors"

	apperr "github.com/miniapphost/runtime/internal/errors"
)

func validManifest(payload []byte) *Manifest {
	return &Manifest{
		AppID:               "com.example.todo",
		Version:             "1.2.3",
		DeclaredPermissions: []string{"storage.get", "camera"},
		ResourceLimits: ResourceLimits{
			MemoryBytes:        64 << 20,
			ExecutionTimeoutMs: 1500,
			AllowedNetworkHosts: []string{
				"api.example.com",
			},
		},
		EntryRef: "todo.js",
		Checksum: Checksum(payload),
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validManifest([]byte("function main(){}")).Validate(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	payload := []byte("x")
	tests := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"empty app id", func(m *Manifest) { m.AppID = " " }},
		{"bad version", func(m *Manifest) { m.Version = "1.2" }},
		{"zero memory", func(m *Manifest) { m.ResourceLimits.MemoryBytes = 0 }},
		{"zero timeout", func(m *Manifest) { m.ResourceLimits.ExecutionTimeoutMs = 0 }},
		{"empty permission", func(m *Manifest) { m.DeclaredPermissions = []string{""} }},
		{"empty host", func(m *Manifest) { m.ResourceLimits.AllowedNetworkHosts = []string{" "} }},
		{"no entry ref", func(m *Manifest) { m.EntryRef = "" }},
		{"no checksum", func(m *Manifest) { m.Checksum = "" }},
		{"short checksum", func(m *Manifest) { m.Checksum = "abcd" }},
		{"non-hex checksum", func(m *Manifest) { m.Checksum = strings.Repeat("z", 64) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest(payload)
			tt.mutate(m)
			err := m.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !apperr.HasCode(err, apperr.CodeValidation) {
				t.Errorf("want VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

func TestVerifyChecksum(t *testing.T) {
	payload := []byte("function main(){ return 1 }")
	m := validManifest(payload)

	if err := m.VerifyChecksum(payload); err != nil {
		t.Fatalf("matching payload rejected: %v", err)
	}

	err := m.VerifyChecksum(append(payload, '\n'))
	if err == nil {
		t.Fatal("tampered payload accepted")
	}
	if !stderrors.Is(err, apperr.New(apperr.CodeChecksumMismatch, "")) {
		t.Errorf("want CHECKSUM_MISMATCH, got %v", err)
	}
}

func TestParseYAMLAndJSON(t *testing.T) {
	payload := []byte("main")
	sum := Checksum(payload)

	yamlDoc := `
appId: com.example.todo
version: 0.3.1
declaredPermissions: [storage.get]
resourceLimits:
  memoryBytes: 1048576
  executionTimeoutMs: 500
entryRef: todo.js
checksum: ` + sum + "\n"

	m, err := Parse([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if m.AppID != "com.example.todo" || m.Version != "0.3.1" {
		t.Errorf("unexpected manifest: %+v", m)
	}

	jsonDoc := `{
		"appId": "com.example.todo",
		"version": "0.3.1",
		"declaredPermissions": ["storage.get"],
		"resourceLimits": {"memoryBytes": 1048576, "executionTimeoutMs": 500},
		"entryRef": "todo.js",
		"checksum": "` + sum + `"
	}`
	if _, err := Parse([]byte(jsonDoc)); err != nil {
		t.Fatalf("parse json: %v", err)
	}

	if _, err := Parse([]byte("{nope")); err == nil {
		t.Error("garbage accepted")
	}
}

func TestLoad(t *testing.T) {
	payload := []byte("main")
	m := validManifest(payload)
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(path, []byte(m.String()), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.AppID != m.AppID {
		t.Errorf("loaded appId = %q, want %q", loaded.AppID, m.AppID)
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("2.10.3")
	if err != nil {
		t.Fatal(err)
	}
	if v != (Version{2, 10, 3}) {
		t.Errorf("got %+v", v)
	}

	if _, err := ParseVersion("1.2.3-rc.1"); err != nil {
		t.Errorf("pre-release rejected: %v", err)
	}
	for _, bad := range []string{"", "1.2", "a.b.c", "1.-2.3"} {
		if _, err := ParseVersion(bad); err == nil {
			t.Errorf("ParseVersion(%q) accepted", bad)
		}
	}
}

func TestNewer(t *testing.T) {
	tests := []struct {
		candidate, current string
		want               bool
	}{
		{"1.0.1", "1.0.0", true},
		{"2.0.0", "1.9.9", true},
		{"1.1.0", "1.0.9", true},
		{"1.0.0", "1.0.0", false},
		{"1.0.0", "1.0.1", false},
		{"bogus", "1.0.0", false},
		// Nothing installed yet: any valid candidate is an update.
		{"1.0.1", "bogus", true},
		{"1.0.0", "", true},
		{"0.0.1", "", true},
		{"bogus", "", false},
	}
	for _, tt := range tests {
		if got := Newer(tt.candidate, tt.current); got != tt.want {
			t.Errorf("Newer(%q, %q) = %v, want %v", tt.candidate, tt.current, got, tt.want)
		}
	}
}
