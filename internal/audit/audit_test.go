package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("gpu_preempt", "model-a", "model-a:abcd1234", "disposed idle holder", "gpu-pinned request arrived")
	Record("prepare_error", "model-b", "", "checksum mismatch", "sha256 did not match")

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["kind"] != "gpu_preempt" {
		t.Fatalf("expected gpu_preempt kind, got %#v", first["kind"])
	}
	if first["model_id"] != "model-a" {
		t.Fatalf("expected model-a, got %#v", first["model_id"])
	}
}

func TestRecordAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("evict", "model-a", "model-a:aaaa1111", "ttl expired", "")
	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	Record("evict", "model-b", "model-b:bbbb2222", "evicted for capacity", "")
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow: %d -> %d", info1.Size(), info2.Size())
	}
}

func TestErrorCount(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := ErrorCount()
	Record("prepare_error", "model-c", "", "download failed", "network error")
	if ErrorCount() != before+1 {
		t.Fatalf("expected error count to increment")
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("prepare_error", "model-d", "", "GET https://hub.example.com/f?token=abcdef0123456789abcdef failed", "")
	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "abcdef0123456789abcdef") {
		t.Fatalf("expected token to be redacted from audit log: %s", raw)
	}
}
