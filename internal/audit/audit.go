// Package audit appends a transparency trail of scheduling decisions
// (GPU preemption, idle eviction, preparation outcomes) to a JSONL file
// under the cache directory, so an operator can answer "why was my
// instance disposed" without instrumenting the Pool itself.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/inferd/internal/shared"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	Kind       string `json:"kind"`
	ModelID    string `json:"model_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	errorCount atomic.Int64
)

// Init opens (creating if needed) <cachePath>/logs/audit.jsonl for
// append. Calling Init again before Close is a no-op.
func Init(cachePath string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(cachePath, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close releases the underlying file handle. Safe to call when Init was
// never called.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ErrorCount returns the number of "error"-kind entries recorded since
// startup (preparation failures, load failures).
func ErrorCount() int64 {
	return errorCount.Load()
}

// Record appends one audit entry. kind is a short label such as
// "prepare", "gpu_preempt", "evict", "load_error". detail and reason are
// redacted before persistence since they may echo an engine error that
// embedded a download URL.
func Record(kind, modelID, instanceID, detail, reason string) {
	if kind == "prepare_error" || kind == "load_error" {
		errorCount.Add(1)
	}

	detail = shared.Redact(detail)
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Kind:       kind,
		ModelID:    modelID,
		InstanceID: instanceID,
		Detail:     detail,
		Reason:     reason,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}
