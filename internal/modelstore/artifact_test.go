package modelstore

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/inferd/internal/config"
)

func TestArtifactPath_HubStyleURL(t *testing.T) {
	m := config.ModelConfig{ID: "llama-3-8b-instruct", URL: "https://huggingface.co/meta/llama-3-8b/resolve/main/model.gguf"}
	path, err := artifactPath("/cache", m)
	if err != nil {
		t.Fatalf("artifactPath: %v", err)
	}
	want := filepath.Join("/cache", "models", "huggingface.co", "meta", "llama-3-8b-main", "model.gguf")
	if path != want {
		t.Fatalf("got %q, want %q", path, want)
	}
}

func TestArtifactPath_SimpleURL(t *testing.T) {
	m := config.ModelConfig{ID: "tiny", URL: "https://example.com/model.bin"}
	path, err := artifactPath("/cache", m)
	if err != nil {
		t.Fatalf("artifactPath: %v", err)
	}
	want := filepath.Join("/cache", "models", "example.com", "model.bin")
	if path != want {
		t.Fatalf("got %q, want %q", path, want)
	}
}

func TestArtifactPath_ExplicitLocation(t *testing.T) {
	m := config.ModelConfig{ID: "local", Location: "custom/path/model.gguf"}
	path, err := artifactPath("/cache", m)
	if err != nil {
		t.Fatalf("artifactPath: %v", err)
	}
	want := filepath.Join("/cache", "models", "custom/path/model.gguf")
	if path != want {
		t.Fatalf("got %q, want %q", path, want)
	}
}

func TestArtifactPath_NoSource(t *testing.T) {
	m := config.ModelConfig{ID: "broken"}
	if _, err := artifactPath("/cache", m); err == nil {
		t.Fatal("expected error for model with neither location nor url")
	}
}

func TestValidateArtifact_MissingFile(t *testing.T) {
	dir := t.TempDir()
	r := validateArtifact(filepath.Join(dir, "missing.bin"), config.ModelConfig{})
	if r.valid {
		t.Fatal("expected missing file to be invalid")
	}
}

func TestValidateArtifact_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := validateArtifact(path, config.ModelConfig{})
	if r.valid {
		t.Fatal("expected empty file to be invalid")
	}
}

func TestValidateArtifact_PartialMarkerPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(path+".ipull", []byte{}, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	r := validateArtifact(path, config.ModelConfig{})
	if r.valid {
		t.Fatal("expected artifact with .ipull marker to be invalid")
	}
}

func TestValidateArtifact_ChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(path, []byte("actual data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := validateArtifact(path, config.ModelConfig{SHA256: "0000000000000000000000000000000000000000000000000000000000000000"})
	if r.valid {
		t.Fatal("expected checksum mismatch to be invalid")
	}
}

func TestValidateArtifact_ChecksumMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	data := []byte("actual data")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sum := sha256.Sum256(data)
	r := validateArtifact(path, config.ModelConfig{SHA256: hex.EncodeToString(sum[:])})
	if !r.valid {
		t.Fatalf("expected checksum match to be valid, reason: %s", r.reason)
	}
}

func TestValidateArtifact_GGUFHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	data := append([]byte("GGUF"), 3, 0, 0, 0)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := validateArtifact(path, config.ModelConfig{})
	if !r.valid {
		t.Fatalf("expected valid gguf header, reason: %s", r.reason)
	}
	if r.meta["gguf_version"] != uint32(3) {
		t.Fatalf("expected gguf_version 3, got %#v", r.meta["gguf_version"])
	}
}

func TestValidateArtifact_BadGGUFMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	if err := os.WriteFile(path, []byte("NOPE0000"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := validateArtifact(path, config.ModelConfig{})
	if r.valid {
		t.Fatal("expected bad gguf magic to be invalid")
	}
}
