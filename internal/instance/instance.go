// Package instance implements the Model Instance (spec §4.3, Component
// C): one loaded engine handle plus task dispatch, cancellation/timeout
// enforcement, and context-identity tracking.
package instance

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/inferd/internal/bus"
	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/engineapi"
	"github.com/basket/inferd/internal/shared"
)

// Status is a ModelInstance's place in its lifecycle state machine
// (spec §4.3: preparing → loading → idle ⇄ busy → error).
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusLoading   Status = "loading"
	StatusIdle      Status = "idle"
	StatusBusy      Status = "busy"
	StatusError     Status = "error"
)

// Instance wraps one live engine handle and dispatches tasks onto it.
// The Pool owns every Instance; only Pool calls Lock/Unlock/Dispose.
type Instance struct {
	ID      string
	ModelID string

	engine engineapi.Engine
	cfg    config.ModelConfig
	bus    *bus.Bus
	logger *slog.Logger

	fingerprint string
	createdAt   time.Time

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	mu                sync.Mutex
	status            Status
	gpu               bool
	handle            engineapi.InstanceHandle
	contextIdentity   string
	needsContextReset bool
	lastUsed          time.Time
	currentRequest    string
}

// New constructs an Instance in the preparing state. Load must be called
// before it can serve tasks.
func New(modelID string, eng engineapi.Engine, cfg config.ModelConfig, useGPU bool, b *bus.Bus, logger *slog.Logger) *Instance {
	id := shared.NewInstanceID(modelID)
	shutdownCtx, cancel := context.WithCancel(context.Background())
	return &Instance{
		ID:             id,
		ModelID:        modelID,
		engine:         eng,
		cfg:            cfg,
		bus:            b,
		logger:         logger.With("instance_id", id, "model_id", modelID),
		fingerprint:    Fingerprint(cfg),
		createdAt:      time.Now(),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: cancel,
		status:         StatusPreparing,
		gpu:            useGPU,
	}
}

// Fingerprint hashes the behavior-affecting subset of a ModelConfig, so
// the Pool can tell whether a previously-created Instance still matches
// a model's current configuration.
func Fingerprint(cfg config.ModelConfig) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%d|%d|%s|%d|%d|%v",
		cfg.Engine, cfg.Task, cfg.Location, cfg.ContextSize, cfg.BatchSize,
		cfg.Device.GPU, cfg.Device.GPULayers, cfg.Device.CPUThreads, cfg.Device.MemLock)
	return fmt.Sprintf("fp-%x", h.Sum64())
}

// GPU reports whether this instance holds the global GPU lease.
func (i *Instance) GPU() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.gpu
}

// Status returns the instance's current lifecycle state.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// LastUsed returns the monotonic timestamp of the instance's last load,
// task dispatch or release, for TTL and LRU tie-breaking.
func (i *Instance) LastUsed() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsed
}

// ContextIdentity returns the instance's current context digest (empty
// if none has been baked in yet).
func (i *Instance) ContextIdentity() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.contextIdentity
}

// MarkNeedsContextReset flags the instance so its next completion task
// drops the engine's KV state before running (spec §4.3, §4.4's
// "needsContextReset" eviction-from-affinity case).
func (i *Instance) MarkNeedsContextReset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.needsContextReset = true
}

// Load calls the engine's CreateInstance. On success the instance
// becomes idle and its context identity is seeded from the model's
// configured InitialMessages or Prefix. Load honors the instance's own
// shutdown cancel (tripped by Dispose) in addition to the caller's ctx.
func (i *Instance) Load(ctx context.Context) error {
	i.mu.Lock()
	i.status = StatusLoading
	useGPU := i.gpu
	i.mu.Unlock()

	loadCtx, cancel := mergeContexts(ctx, i.shutdownCtx)
	defer cancel()

	handle, err := i.engine.CreateInstance(loadCtx, i.ModelID, useGPU)
	if err != nil {
		i.mu.Lock()
		i.status = StatusError
		i.mu.Unlock()
		i.publishLifecycle(bus.TopicInstanceError)
		return fmt.Errorf("%w: instance %s: %v", engineapi.ErrLoadFailed, i.ID, err)
	}

	i.mu.Lock()
	i.handle = handle
	i.status = StatusIdle
	i.lastUsed = time.Now()
	switch {
	case len(i.cfg.InitialMessages) > 0:
		i.contextIdentity = DigestChatMessages(seedChatMessages(i.cfg.InitialMessages), ChatDigestOptions{})
	case i.cfg.Prefix != "":
		i.contextIdentity = i.cfg.Prefix
	}
	i.mu.Unlock()

	i.publishLifecycle(bus.TopicInstanceLoaded)
	return nil
}

// Lock transitions an idle instance to busy on behalf of requestDesc
// (a short description used for logging; the Pool passes the model id).
// Pool-only.
func (i *Instance) Lock(requestDesc string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != StatusIdle {
		return fmt.Errorf("instance %s: cannot lock from status %s", i.ID, i.status)
	}
	i.status = StatusBusy
	i.currentRequest = requestDesc
	return nil
}

// Unlock returns a busy instance to idle. Pool-only.
func (i *Instance) Unlock() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = StatusIdle
	i.currentRequest = ""
	i.lastUsed = time.Now()
}

// Dispose releases the engine's runtime resources and trips the
// instance's shutdown cancel, which aborts a Load still in progress.
// Tasks already dispatched run on the caller's context and are not
// cancelled by Dispose.
func (i *Instance) Dispose() error {
	i.shutdownCancel()
	i.mu.Lock()
	handle := i.handle
	i.mu.Unlock()
	if handle == nil {
		return nil
	}
	err := i.engine.DisposeInstance(handle)
	i.publishLifecycle(bus.TopicInstanceDisposed)
	return err
}

func (i *Instance) publishLifecycle(topic string) {
	if i.bus == nil {
		return
	}
	i.mu.Lock()
	ev := bus.InstanceEvent{InstanceID: i.ID, ModelID: i.ModelID, Status: string(i.status), GPU: i.gpu}
	i.mu.Unlock()
	i.bus.Publish(topic, ev)
}

// consumeNeedsReset clears and returns the reset flag and, if set,
// clears the stored context identity (spec §4.3: "contextIdentity is
// cleared before dispatch").
func (i *Instance) consumeNeedsReset() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.needsContextReset {
		return false
	}
	i.needsContextReset = false
	i.contextIdentity = ""
	return true
}

func (i *Instance) touch() {
	i.mu.Lock()
	i.lastUsed = time.Now()
	i.mu.Unlock()
}

func (i *Instance) taskContext(taskID string, resetContext bool) engineapi.TaskContext {
	i.mu.Lock()
	handle := i.handle
	i.mu.Unlock()
	return engineapi.TaskContext{
		Handle:       handle,
		Logger:       i.logger.With("task_id", taskID),
		ModelID:      i.ModelID,
		InstanceID:   i.ID,
		TaskID:       taskID,
		ResetContext: resetContext,
	}
}

func (i *Instance) publishTokens(taskID string, usage engineapi.TokenUsage) {
	if i.bus == nil {
		return
	}
	i.bus.Publish(bus.TopicTaskTokens, bus.TaskTokensEvent{
		TaskID:           taskID,
		InstanceID:       i.ID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		ContextTokens:    usage.ContextTokens,
	})
}

func (i *Instance) publishFinishReason(taskID string, reason engineapi.FinishReason) {
	if i.bus == nil {
		return
	}
	i.bus.Publish(bus.TopicTaskFinishReason, bus.TaskFinishReasonEvent{
		TaskID:       taskID,
		InstanceID:   i.ID,
		FinishReason: string(reason),
	})
}

// mergeContexts derives a context that is cancelled when either a or b
// is. The caller must call the returned cancel to release resources.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := make(chan struct{})
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}
