package main

import (
	"os"
	"path/filepath"
	"testing"

	"voxelview.ai/internal/voxel"
)

func TestInputSchema(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "viewer.yaml")
	if err := os.WriteFile(cfg, []byte("record_schema: dense33\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s, err := inputSchema("", cfg)
	if err != nil || s.Name != voxel.Dense33.Name {
		t.Fatalf("from config: %+v %v", s, err)
	}
	s, err = inputSchema(voxel.Dense49.Name, cfg)
	if err != nil || s.Name != voxel.Dense49.Name {
		t.Fatalf("flag override: %+v %v", s, err)
	}
	s, err = inputSchema("", filepath.Join(dir, "missing.yaml"))
	if err != nil || s.Name != voxel.Dense49.Name {
		t.Fatalf("missing config: %+v %v", s, err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("record_schema: dense12\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := inputSchema("", bad); err == nil {
		t.Fatalf("invalid record_schema should fail")
	}
	if _, err := inputSchema("dense12", cfg); err == nil {
		t.Fatalf("unknown -schema should fail")
	}
}
