package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("explicit path", func(t *testing.T) {
		d, err := New("/tmp/sift-test")
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if d.Path() != "/tmp/sift-test" {
			t.Errorf("unexpected path: %s", d.Path())
		}
	})

	t.Run("default path under home", func(t *testing.T) {
		d, err := New("")
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if filepath.Base(d.Path()) != DefaultDirName {
			t.Errorf("expected path ending in %s, got %s", DefaultDirName, d.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	d, _ := New("/data/sift")

	if d.ConfigPath() != "/data/sift/config.yaml" {
		t.Errorf("unexpected config path: %s", d.ConfigPath())
	}
	if d.DatabasePath() != "/data/sift/sift.db" {
		t.Errorf("unexpected database path: %s", d.DatabasePath())
	}
	if d.ExportPath("job-1") != "/data/sift/exports/job-1.json" {
		t.Errorf("unexpected export path: %s", d.ExportPath("job-1"))
	}
}

func TestDir_EnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sift-home")
	d, _ := New(root)

	if d.Exists() {
		t.Fatal("directory should not exist yet")
	}
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists failed: %v", err)
	}
	if !d.Exists() {
		t.Error("directory should exist")
	}
	if _, err := os.Stat(d.ExportsDir()); err != nil {
		t.Errorf("exports dir missing: %v", err)
	}
	if d.ConfigExists() {
		t.Error("config file should not exist")
	}
}
