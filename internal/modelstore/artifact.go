package modelstore

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/engineapi"
	"github.com/basket/inferd/internal/fslock"
)

// ggufMagic is the 4-byte magic every GGUF file starts with.
const ggufMagic = "GGUF"

// artifactPath computes the on-disk path for a model's primary artifact
// under <cachePath>/models (spec §6 cache directory layout):
// "<host>/<org>/<repo>-<branch>/<...path>" for a hub-style URL
// (<org>/<repo>/resolve/<branch>/<...path>), "<host>/<org>/<repo>/<...path>"
// for any other URL path of three or more segments, else
// "<host>/<basename>". A model with an explicit Location bypasses URL
// parsing entirely.
// ArtifactPath exposes the Store's artifact path resolution to engine
// adapters that must download to the exact path the Store will later
// validate (spec §4.1's PrepareModel contract).
func ArtifactPath(cachePath string, m config.ModelConfig) (string, error) {
	return artifactPath(cachePath, m)
}

func artifactPath(cachePath string, m config.ModelConfig) (string, error) {
	if m.Location != "" {
		return filepath.Join(cachePath, "models", m.Location), nil
	}
	if m.URL == "" {
		return "", fmt.Errorf("%w: model %q has neither location nor url", engineapi.ErrConfigInvalid, m.ID)
	}
	u, err := url.Parse(m.URL)
	if err != nil {
		return "", fmt.Errorf("%w: model %q has unparseable url: %v", engineapi.ErrConfigInvalid, m.ID, err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) >= 3 {
		// hub-style: <org>/<repo>/resolve/<branch>/<...path> maps to
		// <host>/<org>/<repo>-<branch>/<...path>
		org, repo, rest := segments[0], segments[1], segments[2:]
		if len(rest) >= 3 && rest[0] == "resolve" {
			repo += "-" + rest[1]
			rest = rest[2:]
		}
		return filepath.Join(append([]string{cachePath, "models", u.Host, org, repo}, rest...)...), nil
	}
	return filepath.Join(cachePath, "models", u.Host, filepath.Base(u.Path)), nil
}

// validationResult is the outcome of validating an on-disk artifact
// against its declared checksum and, for GGUF-like files, its header.
type validationResult struct {
	valid bool
	meta  engineapi.ModelMeta
	// reason is a short human-readable cause for an invalid result, used
	// in PrepareFailed error messages and audit entries. Empty when valid.
	reason string
}

// validateArtifact implements spec §4.2 step 3: existence/non-emptiness,
// partial-download marker, checksum, and GGUF header validation.
func validateArtifact(path string, m config.ModelConfig) validationResult {
	if fslock.IsPartialDownloadMarker(path) {
		return validationResult{reason: "path names a partial-download marker"}
	}
	if _, err := os.Stat(path + ".ipull"); err == nil {
		return validationResult{reason: "incomplete prior download (.ipull marker present)"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return validationResult{reason: fmt.Sprintf("artifact missing: %v", err)}
	}
	if info.IsDir() {
		return validationResult{valid: true, meta: engineapi.ModelMeta{"kind": "directory"}}
	}
	if info.Size() == 0 {
		return validationResult{reason: "artifact is empty"}
	}

	if m.SHA256 != "" {
		sum, err := hashFile(path, sha256.New())
		if err != nil {
			return validationResult{reason: fmt.Sprintf("checksum read failed: %v", err)}
		}
		if !strings.EqualFold(sum, m.SHA256) {
			return validationResult{reason: "sha256 mismatch"}
		}
	} else if m.MD5 != "" {
		sum, err := hashFile(path, md5.New())
		if err != nil {
			return validationResult{reason: fmt.Sprintf("checksum read failed: %v", err)}
		}
		if !strings.EqualFold(sum, m.MD5) {
			return validationResult{reason: "md5 mismatch"}
		}
	}

	if strings.HasSuffix(strings.ToLower(path), ".gguf") {
		meta, err := parseGGUFHeader(path)
		if err != nil {
			return validationResult{reason: fmt.Sprintf("gguf parse failed: %v", err)}
		}
		return validationResult{valid: true, meta: meta}
	}

	return validationResult{valid: true, meta: engineapi.ModelMeta{"size_bytes": info.Size()}}
}

func hashFile(path string, h hash.Hash) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// parseGGUFHeader reads just enough of a GGUF file to confirm its magic
// and version, returning them as metadata. Full tensor/KV parsing is the
// engine adapter's job at load time; the Store only needs to reject
// artifacts that are not GGUF at all.
func parseGGUFHeader(path string) (engineapi.ModelMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, 8)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if string(header[:4]) != ggufMagic {
		return nil, fmt.Errorf("bad magic %q, want %q", header[:4], ggufMagic)
	}
	version := uint32(header[4]) | uint32(header[5])<<8 | uint32(header[6])<<16 | uint32(header[7])<<24
	return engineapi.ModelMeta{"format": "gguf", "gguf_version": version}, nil
}
