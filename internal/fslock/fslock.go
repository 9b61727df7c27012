// Package fslock provides the process-wide, cross-process advisory lock
// the Model Store takes on an artifact path before validating or
// downloading it (spec §4.2 step 1, §6 "<path>.lock" sentinel).
//
// The lock itself is a real OS advisory lock (gofrs/flock) on a sibling
// ".lock" file, so it is released automatically by the kernel if the
// holding process dies — there is no way for a genuinely orphaned lock to
// block forever. "Stale sentinel" in the spec's sense still shows up as a
// leftover ".lock" file from a previous run; Acquire notices that case
// (TryLock succeeds immediately despite the sentinel pre-existing) and
// overwrites it with the current holder's pid rather than leaving a
// pid belonging to a dead process on disk.
package fslock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
)

// pollFallback bounds how long Acquire can go between retries when the
// fsnotify watch misses an event (e.g. on network filesystems where
// rename/remove notifications are unreliable).
const pollFallback = 500 * time.Millisecond

// Lock holds an acquired advisory lock on one artifact path. Release must
// be called exactly once.
type Lock struct {
	fl           *flock.Flock
	sentinelPath string
}

// Acquire creates artifactPath (as an empty file, or as a directory when
// asDir is true) if it does not already exist, then blocks until the
// process-wide lock on it is held or ctx is cancelled.
func Acquire(ctx context.Context, artifactPath string, asDir bool) (*Lock, error) {
	if err := ensurePath(artifactPath, asDir); err != nil {
		return nil, fmt.Errorf("fslock: ensure path: %w", err)
	}
	sentinelPath := artifactPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(sentinelPath), 0o755); err != nil {
		return nil, fmt.Errorf("fslock: ensure lock dir: %w", err)
	}

	fl := flock.New(sentinelPath)
	locked, err := tryAcquire(ctx, fl, sentinelPath)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ctx.Err()
	}

	// Stamp our own pid over the sentinel. If it pre-existed, we still got
	// the lock immediately, which means whatever process left it behind is
	// gone; overwriting means a future waiter's diagnostics point at a
	// live holder instead of a dead one.
	_ = os.WriteFile(sentinelPath, []byte(strconv.Itoa(os.Getpid())), 0o644)

	return &Lock{fl: fl, sentinelPath: sentinelPath}, nil
}

// Release drops the lock. The sentinel file is left in place (removing it
// would race a concurrent waiter who just opened it); the next acquirer
// overwrites its contents.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

func tryAcquire(ctx context.Context, fl *flock.Flock, sentinelPath string) (bool, error) {
	locked, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("fslock: trylock: %w", err)
	}
	if locked {
		return true, nil
	}

	watcher, werr := fsnotify.NewWatcher()
	var watchCh chan fsnotify.Event
	if werr == nil {
		if addErr := watcher.Add(filepath.Dir(sentinelPath)); addErr == nil {
			watchCh = watcher.Events
		}
		defer watcher.Close()
	}

	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()

	base := filepath.Base(sentinelPath)
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case ev, ok := <-watchCh:
			if !ok {
				watchCh = nil
				continue
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			locked, err := fl.TryLock()
			if err != nil {
				return false, fmt.Errorf("fslock: trylock: %w", err)
			}
			if locked {
				return true, nil
			}
		case <-ticker.C:
			locked, err := fl.TryLock()
			if err != nil {
				return false, fmt.Errorf("fslock: trylock: %w", err)
			}
			if locked {
				return true, nil
			}
		}
	}
}

func ensurePath(path string, asDir bool) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if asDir {
		return os.MkdirAll(path, 0o755)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

// IsPartialDownloadMarker reports whether name looks like an in-progress
// download sentinel (spec §6: sibling "<file>.ipull" markers).
func IsPartialDownloadMarker(name string) bool {
	return strings.HasSuffix(name, ".ipull")
}
