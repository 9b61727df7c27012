// Package modelstore owns the on-disk model artifacts: validating,
// downloading, and exposing a per-model readiness state machine (spec
// §4.2, Component B).
package modelstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/basket/inferd/internal/audit"
	"github.com/basket/inferd/internal/bus"
	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/engineapi"
	"github.com/basket/inferd/internal/fslock"
	"github.com/basket/inferd/internal/policy"
)

// Status is a StoredModel's place in its state machine.
type Status string

const (
	StatusUnloaded  Status = "unloaded"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
)

// StoredModel is the Store's view of one configured model.
type StoredModel struct {
	ID     string
	Status Status
	Meta   engineapi.ModelMeta
	Err    error
}

// Store owns the directory layout under <cachePath>/models and the
// StoredModel state for every configured model.
type Store struct {
	cachePath string
	cfg       map[string]config.ModelConfig
	engines   map[string]engineapi.Engine
	policyChk policy.Checker
	bus       *bus.Bus
	logger    *slog.Logger
	leases    *LeaseStore

	prepareSem chan struct{}

	mu       sync.RWMutex
	models   map[string]*StoredModel
	inflight map[string]*prepareFuture
}

type prepareFuture struct {
	done   chan struct{}
	result *StoredModel
}

// Options configures a new Store.
type Options struct {
	CachePath          string
	Models             map[string]config.ModelConfig
	Engines            map[string]engineapi.Engine
	Policy             policy.Checker
	Bus                *bus.Bus
	Logger             *slog.Logger
	PrepareConcurrency int
}

// New constructs a Store. It does not itself prepare any model; call
// Init for that.
func New(opts Options) (*Store, error) {
	if opts.PrepareConcurrency <= 0 {
		opts.PrepareConcurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == nil {
		opts.Policy = policy.Default()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}

	modelsDir := filepath.Join(opts.CachePath, "models")
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}
	leases, err := OpenLeaseStore(filepath.Join(opts.CachePath, "prepare_leases.db"))
	if err != nil {
		return nil, err
	}
	if err := audit.Init(opts.CachePath); err != nil {
		leases.Close()
		return nil, fmt.Errorf("init audit: %w", err)
	}

	s := &Store{
		cachePath:  opts.CachePath,
		cfg:        opts.Models,
		engines:    opts.Engines,
		policyChk:  opts.Policy,
		bus:        opts.Bus,
		logger:     opts.Logger,
		leases:     leases,
		prepareSem: make(chan struct{}, opts.PrepareConcurrency),
		models:     make(map[string]*StoredModel, len(opts.Models)),
		inflight:   make(map[string]*prepareFuture),
	}
	for id := range opts.Models {
		s.models[id] = &StoredModel{ID: id, Status: StatusUnloaded}
	}
	return s, nil
}

// Init resolves each model's engine and, for every model whose
// Prepare is PrepareBlocking, awaits PrepareModel before returning;
// PrepareAsync triggers it in the background; PrepareOnDemand defers.
// Init fails if any blocking model fails.
func (s *Store) Init(ctx context.Context) error {
	for id, m := range s.cfg {
		if _, ok := s.engines[m.Engine]; !ok {
			return fmt.Errorf("%w: model %q names unknown engine %q", engineapi.ErrConfigInvalid, id, m.Engine)
		}
	}
	for id, m := range s.cfg {
		switch m.Prepare {
		case config.PrepareBlocking:
			sm, err := s.PrepareModel(ctx, id)
			if err != nil {
				return err
			}
			if sm.Status != StatusReady {
				return fmt.Errorf("%w: model %q failed blocking prepare: %v", engineapi.ErrPrepareFailed, id, sm.Err)
			}
		case config.PrepareAsync:
			go func(id string) {
				if _, err := s.PrepareModel(context.Background(), id); err != nil {
					s.logger.Error("async prepare failed", "model_id", id, "error", err)
				}
			}(id)
		}
	}
	return nil
}

// Status returns the current StoredModel snapshot for id.
func (s *Store) Status(id string) (StoredModel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.models[id]
	if !ok {
		return StoredModel{}, false
	}
	return *sm, true
}

// Dispose closes the lease store. It does not interrupt or wait for
// in-flight preparations, which run detached from their callers'
// contexts and continue until they finish on their own.
func (s *Store) Dispose() error {
	return s.leases.Close()
}

// PrepareModel idempotently prepares model id. Concurrent callers for
// the same id share one underlying preparation future (spec §9's
// promise-based dedup note). onProgress, if given, is forwarded every
// stage transition (validating/downloading/parsing) of whichever caller
// actually triggers the preparation; a caller that instead joins an
// already-inflight future does not receive progress callbacks, only the
// final result.
func (s *Store) PrepareModel(ctx context.Context, id string, onProgress ...func(engineapi.PrepareProgress)) (*StoredModel, error) {
	m, ok := s.cfg[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", engineapi.ErrConfigInvalid, id)
	}

	s.mu.Lock()
	if fut, ok := s.inflight[id]; ok {
		s.mu.Unlock()
		return s.awaitFuture(ctx, fut)
	}
	fut := &prepareFuture{done: make(chan struct{})}
	s.inflight[id] = fut
	s.mu.Unlock()

	var progress func(engineapi.PrepareProgress)
	if len(onProgress) > 0 {
		progress = onProgress[0]
	}
	go s.runPrepare(context.WithoutCancel(ctx), id, m, fut, progress)
	return s.awaitFuture(ctx, fut)
}

func (s *Store) awaitFuture(ctx context.Context, fut *prepareFuture) (*StoredModel, error) {
	select {
	case <-fut.done:
		return fut.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) runPrepare(ctx context.Context, id string, m config.ModelConfig, fut *prepareFuture, onProgress func(engineapi.PrepareProgress)) {
	sm := s.prepareOne(ctx, id, m, onProgress)

	s.mu.Lock()
	s.models[id] = sm
	delete(s.inflight, id)
	s.mu.Unlock()

	fut.result = sm
	close(fut.done)
}

// prepareOne implements the preparation algorithm in spec §4.2.
// onProgress may be nil; when set it is called at the same stage
// transitions prepareOne logs at Debug.
func (s *Store) prepareOne(ctx context.Context, id string, m config.ModelConfig, onProgress func(engineapi.PrepareProgress)) *StoredModel {
	logger := s.logger.With("model_id", id)
	report := func(p engineapi.PrepareProgress) {
		logger.Debug("prepare progress", "stage", p.Stage, "bytes_done", p.BytesDone, "bytes_total", p.BytesTotal)
		if onProgress != nil {
			onProgress(p)
		}
	}

	path, err := artifactPath(s.cachePath, m)
	if err != nil {
		return s.finish(id, &StoredModel{ID: id, Status: StatusError, Err: err})
	}

	if m.URL != "" && !s.policyChk.AllowHTTPURL(m.URL) {
		err := fmt.Errorf("%w: model %q url blocked by download policy %s", engineapi.ErrPrepareFailed, id, s.policyChk.PolicyVersion())
		return s.finish(id, &StoredModel{ID: id, Status: StatusError, Err: err})
	}
	if !s.policyChk.AllowPath(path) {
		err := fmt.Errorf("%w: model %q artifact path blocked by policy %s", engineapi.ErrPrepareFailed, id, s.policyChk.PolicyVersion())
		return s.finish(id, &StoredModel{ID: id, Status: StatusError, Err: err})
	}

	lock, err := fslock.Acquire(ctx, path, false)
	if err != nil {
		return s.finish(id, &StoredModel{ID: id, Status: StatusError, Err: fmt.Errorf("%w: %v", engineapi.ErrPrepareFailed, err)})
	}
	defer lock.Release()

	_ = s.leases.Claim(ctx, id)
	defer s.leases.Release(ctx, id)

	s.bus.Publish(bus.TopicStorePreparing, id)

	eng := s.engines[m.Engine]

	report(engineapi.PrepareProgress{Stage: "validating"})
	result := validateArtifact(path, m)
	if !result.valid {
		if m.URL == "" {
			err := fmt.Errorf("%w: model %q artifact invalid (%s) and no url configured", engineapi.ErrPrepareFailed, id, result.reason)
			return s.finish(id, &StoredModel{ID: id, Status: StatusError, Err: err})
		}

		s.prepareSem <- struct{}{}
		engineMeta, derr := eng.PrepareModel(ctx, id, report)
		<-s.prepareSem
		if derr != nil {
			err := fmt.Errorf("%w: model %q download failed: %v", engineapi.ErrPrepareFailed, id, derr)
			return s.finish(id, &StoredModel{ID: id, Status: StatusError, Err: err})
		}

		result = validateArtifact(path, m)
		if !result.valid {
			err := fmt.Errorf("%w: model %q re-validation after download failed: %s", engineapi.ErrPrepareFailed, id, result.reason)
			return s.finish(id, &StoredModel{ID: id, Status: StatusError, Err: err})
		}
		result.meta = mergeModelMeta(result.meta, engineMeta)
	}

	return s.finish(id, &StoredModel{ID: id, Status: StatusReady, Meta: result.meta})
}

// mergeModelMeta combines the GGUF-parsed artifact metadata with the
// engine's own PrepareModel return value (spec §3: StoredModel.Meta is
// "engine-returned metadata"). The engine's keys win on conflict, since
// they reflect whatever the engine itself just observed post-download.
func mergeModelMeta(parsed, engine engineapi.ModelMeta) engineapi.ModelMeta {
	if len(engine) == 0 {
		return parsed
	}
	merged := make(engineapi.ModelMeta, len(parsed)+len(engine))
	for k, v := range parsed {
		merged[k] = v
	}
	for k, v := range engine {
		merged[k] = v
	}
	return merged
}

func (s *Store) finish(id string, sm *StoredModel) *StoredModel {
	if sm.Status == StatusError {
		audit.Record("prepare_error", id, "", "preparation failed", sm.Err.Error())
		s.logger.Error("model preparation failed", "model_id", id, "error", sm.Err)
	} else {
		audit.Record("prepare", id, "", "model ready", "")
	}
	s.bus.Publish(bus.TopicStoreCompleted, bus.StoreCompletedEvent{
		ModelID: id,
		Status:  string(sm.Status),
		Error:   errString(sm.Err),
	})
	return sm
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
