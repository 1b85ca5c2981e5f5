package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the optional <name>.manifest.yaml next to a plugin artifact.
type Manifest struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Kind         Kind     `yaml:"kind"`
	Description  string   `yaml:"description"`
	Checksum     string   `yaml:"checksum"`
	Capabilities []string `yaml:"capabilities"`

	// Path is the file the manifest was read from.
	Path string `yaml:"-"`
}

// ManifestPath returns the manifest location for an artifact path.
func ManifestPath(artifact string) string {
	return strings.TrimSuffix(artifact, filepath.Ext(artifact)) + ".manifest.yaml"
}

// LoadManifest reads the manifest for artifact. A missing manifest is not an
// error; it yields nil.
func LoadManifest(artifact string) (*Manifest, error) {
	path := ManifestPath(artifact)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if m.Kind != "" {
		if _, err := ParseKind(string(m.Kind)); err != nil {
			return nil, err
		}
	}
	for _, c := range m.Capabilities {
		if !knownCapabilities[Capability(c)] {
			return nil, fmt.Errorf("unknown capability %q", c)
		}
	}
	if m.Checksum != "" {
		m.Checksum = strings.ToLower(strings.TrimPrefix(m.Checksum, "sha256:"))
	}
	return &m, nil
}

// VerifyChecksum compares the artifact's sha256 with the manifest. A manifest
// without a checksum accepts any artifact.
func (m *Manifest) VerifyChecksum(artifact []byte) error {
	if m == nil || m.Checksum == "" {
		return nil
	}
	sum := sha256.Sum256(artifact)
	got := hex.EncodeToString(sum[:])
	if got != m.Checksum {
		return fmt.Errorf("artifact checksum mismatch: expected %s, got %s", m.Checksum, got)
	}
	return nil
}

// Granted returns the declared capabilities as a set.
func (m *Manifest) Granted() map[Capability]bool {
	granted := make(map[Capability]bool)
	if m == nil {
		return granted
	}
	for _, c := range m.Capabilities {
		granted[Capability(c)] = true
	}
	return granted
}
