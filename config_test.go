package offlinecache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "manifest.yml")
	contents := `version: v3
pages:
  - ./
  - ./chat.html
assets:
  - https://cdn.jsdelivr.net/npm/lib.js
hosts:
  - cdn.jsdelivr.net
  - huggingface.co
`
	if err := os.WriteFile(filename, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	manifest, err := LoadManifest(filename)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.Version != "v3" {
		t.Fatalf("Version is %s", manifest.Version)
	}
	if len(manifest.Pages) != 2 || len(manifest.Assets) != 1 || len(manifest.Hosts) != 2 {
		t.Fatalf("Manifest lists are %v", manifest)
	}
	if manifest.StaticPartition() != "static-v3" || manifest.AssetsPartition() != "assets-v3" {
		t.Fatalf("Partition names are %s / %s", manifest.StaticPartition(), manifest.AssetsPartition())
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestDefaultManifestPartitionNames(t *testing.T) {
	if DefaultManifest.StaticPartition() == DefaultManifest.AssetsPartition() {
		t.Fatal("Partition names must differ")
	}
}
