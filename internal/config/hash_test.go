package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockThenLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "rabbitmq:\n  node_name: n\n")

	report, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if report.ChecksumPath != filepath.Join(dir, ".checksums") {
		t.Errorf("ChecksumPath = %q", report.ChecksumPath)
	}
	if len(report.Hash) != 64 {
		t.Errorf("Hash = %q, want 64 hex chars", report.Hash)
	}

	info, err := os.Stat(report.ChecksumPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("checksums mode = %v, want 0600", info.Mode().Perm())
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("Load() after lock failed: %v", err)
	}
}

func TestLoadRejectsTamperedConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "rabbitmq:\n  node_name: n\n")
	if _, err := Lock(path); err != nil {
		t.Fatal(err)
	}

	writeConfig(t, dir, "rabbitmq:\n  node_name: evil\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() of tampered config succeeded")
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("error = %v, want hash mismatch", err)
	}
}

func TestLoadRejectsUnlistedConfig(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "other.yaml")
	if err := os.WriteFile(other, []byte("rabbitmq:\n  node_name: n\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Lock(other); err != nil {
		t.Fatal(err)
	}

	path := writeConfig(t, dir, "rabbitmq:\n  node_name: n\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "no hash") {
		t.Fatalf("Load() error = %v, want no hash", err)
	}

	// Locking the second file keeps the first entry.
	if _, err := Lock(path); err != nil {
		t.Fatal(err)
	}
	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest.Hashes) != 2 {
		t.Fatalf("hashes = %v, want 2 entries", manifest.Hashes)
	}
}

func TestLoadChecksumsBadVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".checksums"), []byte("version: 7\nhashes: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadChecksums(dir); err == nil {
		t.Fatal("expected unsupported version error")
	}
}

func TestVerifyFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatal(err)
	}
	hash, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyFileHash(path, hash); err != nil {
		t.Fatalf("VerifyFileHash() = %v", err)
	}
	if err := VerifyFileHash(path, strings.Repeat("0", 64)); err == nil {
		t.Fatal("expected mismatch")
	}
}
