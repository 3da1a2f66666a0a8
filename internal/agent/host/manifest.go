package host

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// manifestSuffix marks the module manifest files inside the modules dir.
const manifestSuffix = ".module.json"

// Manifest declares one module instance: which statically linked type
// to construct, its config, and optional subject overrides.
type Manifest struct {
	Module        string                 `json:"module"`
	Type          string                 `json:"type"`
	Config        map[string]interface{} `json:"config"`
	InputSubject  string                 `json:"input_subject"`
	OutputSubject string                 `json:"output_subject"`
	ErrorSubject  string                 `json:"error_subject"`
}

// isManifest reports whether the path names a module manifest. A bare
// ".module.json" has no stem to name the module, so it doesn't count.
func isManifest(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, manifestSuffix) && base != manifestSuffix
}

// manifestStem returns the module name implied by the file name.
func manifestStem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), manifestSuffix)
}

// loadManifest reads and validates a manifest file. The module name
// defaults to the file stem and the type to the module name.
func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
	}

	if m.Module == "" {
		m.Module = manifestStem(path)
	}
	if m.Type == "" {
		m.Type = m.Module
	}
	if m.Config == nil {
		m.Config = map[string]interface{}{}
	}
	return &m, nil
}
