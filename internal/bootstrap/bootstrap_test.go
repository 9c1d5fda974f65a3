package bootstrap_test

import (
	"path/filepath"
	"testing"

	"github.com/emergence-agent/emergence/internal/bootstrap"
	"github.com/emergence-agent/emergence/internal/config"
)

func TestDefaultDrives_ParsesEmbeddedTemplate(t *testing.T) {
	drives, err := bootstrap.DefaultDrives()
	if err != nil {
		t.Fatalf("DefaultDrives: %v", err)
	}
	if len(drives) == 0 {
		t.Fatal("expected the embedded template to define at least one drive")
	}
}

func TestSeed_FirstRunWritesConfigFromTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := bootstrap.Seed(path)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(cfg.Drives) == 0 {
		t.Fatal("expected seeded config to carry the default drive set")
	}

	onDisk, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load after Seed: %v", err)
	}
	if len(onDisk.Drives) != len(cfg.Drives) {
		t.Fatalf("on-disk drive count = %d, want %d", len(onDisk.Drives), len(cfg.Drives))
	}
}

func TestSeed_SecondRunLoadsExistingConfigUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	first, err := bootstrap.Seed(path)
	if err != nil {
		t.Fatalf("Seed (1): %v", err)
	}
	first.AgentID = "custom-agent-id"
	if err := config.Save(path, first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	second, err := bootstrap.Seed(path)
	if err != nil {
		t.Fatalf("Seed (2): %v", err)
	}
	if second.AgentID != "custom-agent-id" {
		t.Fatalf("Seed should not re-seed an existing config.json, got AgentID %q", second.AgentID)
	}
}
