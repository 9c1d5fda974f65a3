// Package bootstrap seeds a fresh agent workspace's config.json with a
// default set of drives, read from a human-edited YAML template. This
// runs exactly once, the first time an agent is started against a
// workspace that has no config.json yet; after that, config.json is the
// sole source of truth and this package is not consulted again.
package bootstrap

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/emergence-agent/emergence/internal/config"
)

//go:embed templates/drives.yaml
var defaultDrivesYAML []byte

// driveTemplate mirrors config.DriveConfig's shape in YAML form so the
// template file can be hand-edited independently of the JSON runtime
// schema.
type driveTemplate struct {
	Drives map[string]config.DriveConfig `yaml:"drives"`
}

// DefaultDrives parses the embedded drives.yaml template.
func DefaultDrives() (map[string]config.DriveConfig, error) {
	var t driveTemplate
	if err := yaml.Unmarshal(defaultDrivesYAML, &t); err != nil {
		return nil, fmt.Errorf("bootstrap: parse embedded drives.yaml: %w", err)
	}
	return t.Drives, nil
}

// Seed writes a fresh config.json at path if one does not already exist,
// populated with Defaults() plus the default drive set. Returns the
// loaded config either way (existing or newly seeded).
func Seed(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("bootstrap: stat %q: %w", path, err)
	}

	drives, err := DefaultDrives()
	if err != nil {
		return nil, err
	}
	cfg := config.Defaults()
	cfg.Drives = drives

	if err := config.Save(path, &cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: seed %q: %w", path, err)
	}
	return &cfg, nil
}
