// Package models keeps Whisper weights in a local cache directory and
// downloads them once when missing.
package models

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml
var embeddedManifest []byte

// ErrUnknownModel is returned for names missing from the manifest.
var ErrUnknownModel = errors.New("models: unknown model")

// Entry describes one downloadable model.
type Entry struct {
	Name        string `yaml:"name"`
	File        string `yaml:"file"`
	SizeBytes   uint64 `yaml:"size_bytes"`
	SHA256      string `yaml:"sha256"`
	Description string `yaml:"description"`
}

// Manifest is the ordered list of supported models.
type Manifest struct {
	Models []Entry `yaml:"models"`
}

// DefaultManifest parses the manifest compiled into the binary.
func DefaultManifest() (Manifest, error) {
	return ParseManifest(embeddedManifest)
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Models) == 0 {
		return Manifest{}, errors.New("models: manifest is empty")
	}
	seen := make(map[string]bool, len(m.Models))
	for i, e := range m.Models {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return Manifest{}, fmt.Errorf("models: entry %d has no name", i)
		}
		if seen[name] {
			return Manifest{}, fmt.Errorf("models: duplicate entry %q", name)
		}
		if strings.TrimSpace(e.File) == "" || strings.ContainsAny(e.File, `/\`) {
			return Manifest{}, fmt.Errorf("models: entry %q has invalid file name %q", name, e.File)
		}
		seen[name] = true
	}
	return m, nil
}

// Lookup returns the entry for name.
func (m Manifest) Lookup(name string) (Entry, error) {
	for _, e := range m.Models {
		if e.Name == name {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
}

// Names lists model names in manifest order.
func (m Manifest) Names() []string {
	out := make([]string, 0, len(m.Models))
	for _, e := range m.Models {
		out = append(out, e.Name)
	}
	return out
}
