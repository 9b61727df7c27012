// Package pool implements the Instance Pool (spec §4.4, Component D): a
// bounded multi-model worker pool with GPU arbitration, context-aware
// routing, idle eviction, and a FIFO waiting queue with cancellation.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/inferd/internal/bus"
	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/engineapi"
	"github.com/basket/inferd/internal/instance"
	"github.com/basket/inferd/internal/modelstore"
)

// Request is the transient PoolRequest spec §3 describes: a task
// submission to be matched against the pool's live instances.
type Request struct {
	Model string
	Task  engineapi.TaskKind

	// ChatMessages/TextPrompt feed the context-match preference (spec
	// §4.3/§4.4) for chat-completion and text-completion requests
	// respectively. Both are ignored for every other task kind.
	ChatMessages []engineapi.Message
	TextPrompt   string

	// sequence is assigned by the Pool on submission.
	sequence int64
}

// Lease grants exclusive use of a locked, idle-turned-busy instance
// until Release is called.
type Lease struct {
	Instance *instance.Instance

	pool     *Pool
	model    string
	released bool
	mu       sync.Mutex
}

// Release returns the instance to the pool: unlocks it, resolves the
// head of the waiting queue if any, and arms its TTL timer.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.release(l)
}

// Options configures a new Pool.
type Options struct {
	Concurrency int
	Models      map[string]config.ModelConfig
	Engines     map[string]engineapi.Engine
	Store       *modelstore.Store
	Bus         *bus.Bus
	Logger      *slog.Logger
}

type waiter struct {
	ctx      context.Context
	req      Request
	resultCh chan waitResult
}

type waitResult struct {
	lease *Lease
	err   error
}

// Pool holds every live ModelInstance plus the FIFO waiting queue. All
// state is guarded by a single mutex; the genuinely slow operations
// (Store.PrepareModel, engine Load) are performed with the mutex
// released so one model's cold start never blocks scheduling for
// others (spec's locking discipline: "pool lock → instance state,
// never reverse").
type Pool struct {
	concurrency int
	cfg         map[string]config.ModelConfig
	engines     map[string]engineapi.Engine
	store       *modelstore.Store
	bus         *bus.Bus
	logger      *slog.Logger

	mu            sync.Mutex
	instances     map[string]*instance.Instance // by instance id
	pendingCreate map[string]int                // modelID -> in-flight create count
	gpuHolder     string                        // instance id, "" if free
	busyCount     int
	seq           int64
	waiters       []*waiter
	disposed      bool
	ttlTimers     map[string]*time.Timer
}

// New constructs a Pool. Call Init to preallocate minInstances.
func New(opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Pool{
		concurrency:   opts.Concurrency,
		cfg:           opts.Models,
		engines:       opts.Engines,
		store:         opts.Store,
		bus:           opts.Bus,
		logger:        opts.Logger,
		instances:     make(map[string]*instance.Instance),
		pendingCreate: make(map[string]int),
		ttlTimers:     make(map[string]*time.Timer),
	}
}

// Init preallocates MinInstances for every configured model. A failure
// preparing or loading one model is logged and does not abort its peers
// (spec §4.4: "errors here mark the pool partially degraded but do not
// abort peers").
func (p *Pool) Init(ctx context.Context) {
	for id, cfg := range p.cfg {
		for n := 0; n < cfg.MinInstances; n++ {
			if _, err := p.createInstance(ctx, id, cfg); err != nil {
				p.logger.Error("pool init: failed to preallocate instance", "model_id", id, "error", err)
			}
		}
	}
}

// GetStatus returns an inventory of live instances plus the current
// waiting-queue depth.
type StatusEntry struct {
	InstanceID string
	ModelID    string
	Status     instance.Status
	GPU        bool
}

type Status struct {
	Instances  []StatusEntry
	QueueDepth int
}

func (p *Pool) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{QueueDepth: len(p.waiters)}
	for _, inst := range p.instances {
		st.Instances = append(st.Instances, StatusEntry{
			InstanceID: inst.ID,
			ModelID:    inst.ModelID,
			Status:     inst.Status(),
			GPU:        inst.GPU(),
		})
	}
	return st
}

// Dispose rejects every queued waiter and disposes every instance. A
// task already running on a leased instance is not cancelled by it.
func (p *Pool) Dispose() {
	p.mu.Lock()
	p.disposed = true
	waiters := p.waiters
	p.waiters = nil
	instances := make([]*instance.Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	for _, timer := range p.ttlTimers {
		timer.Stop()
	}
	p.ttlTimers = make(map[string]*time.Timer)
	p.mu.Unlock()

	for _, w := range waiters {
		w.resultCh <- waitResult{err: engineapi.ErrPoolShutdown}
	}
	for _, inst := range instances {
		if err := inst.Dispose(); err != nil {
			p.logger.Warn("pool dispose: instance dispose failed", "instance_id", inst.ID, "error", err)
		}
	}
}

// RequestInstance implements spec §4.4's selection algorithm. It
// returns a locked Lease ready for one task, or blocks in the FIFO
// waiting queue until one becomes available, ctx is cancelled, or the
// pool is disposed.
func (p *Pool) RequestInstance(ctx context.Context, req Request) (*Lease, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, engineapi.ErrPoolShutdown
	}
	p.seq++
	req.sequence = p.seq

	outcome, err := p.trySelect(req)
	p.mu.Unlock()

	switch {
	case err != nil:
		return nil, err
	case outcome.lease != nil:
		return outcome.lease, nil
	case outcome.plan != nil:
		return p.executeCreatePlan(ctx, req, outcome.plan)
	default:
		return p.enqueue(ctx, req)
	}
}

func (p *Pool) enqueue(ctx context.Context, req Request) (*Lease, error) {
	w := &waiter{ctx: ctx, req: req, resultCh: make(chan waitResult, 1)}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, engineapi.ErrPoolShutdown
	}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
	if p.bus != nil {
		p.bus.Publish(bus.TopicPoolQueued, req.Model)
	}

	select {
	case res := <-w.resultCh:
		return res.lease, res.err
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:idx], p.waiters[idx+1:]...)
			return
		}
	}
}

// release implements spec §4.4's release path.
func (p *Pool) release(l *Lease) {
	l.Instance.Unlock()

	p.mu.Lock()
	p.busyCount--
	cfg := p.cfg[l.model]
	below := p.countModel(l.model) < cfg.MinInstances
	p.mu.Unlock()

	p.drainQueueHeadFor(l.model)
	p.armTTL(l.Instance, cfg)

	if below {
		go func() {
			if _, err := p.createInstance(context.Background(), l.model, cfg); err != nil {
				p.logger.Error("pool: failed to replenish below minInstances", "model_id", l.model, "error", err)
			}
		}()
	}
}

// drainQueueHeadFor re-runs selection for the oldest waiter whose model
// could now be satisfied, preserving FIFO order within that model's
// equivalence class (spec §4.4, §5).
func (p *Pool) drainQueueHeadFor(model string) {
	for {
		p.mu.Lock()
		if p.disposed {
			p.mu.Unlock()
			return
		}
		idx := -1
		for i, w := range p.waiters {
			if w.req.Model == model {
				idx = i
				break
			}
		}
		if idx == -1 {
			p.mu.Unlock()
			return
		}
		w := p.waiters[idx]
		outcome, err := p.trySelect(w.req)
		if err == nil && outcome.lease == nil && outcome.plan == nil {
			// Still nothing available for this waiter; a vacancy just
			// freed up for `model` but trySelect decided it isn't usable
			// yet (e.g. concurrency cap) — leave it queued.
			p.mu.Unlock()
			return
		}
		p.waiters = append(p.waiters[:idx], p.waiters[idx+1:]...)
		p.mu.Unlock()

		if err != nil {
			// This waiter's request is unservable for good (e.g. its
			// model was removed from config) — pop it and keep scanning
			// for the next same-model waiter rather than leaving it
			// wedged at the head of the queue.
			w.resultCh <- waitResult{err: err}
			continue
		}
		if outcome.lease != nil {
			w.resultCh <- waitResult{lease: outcome.lease}
			return
		}
		// A create plan was chosen for the waiter; run it without
		// holding the pool lock, same as the synchronous path.
		lease, cerr := p.executeCreatePlan(w.ctx, w.req, outcome.plan)
		w.resultCh <- waitResult{lease: lease, err: cerr}
		return
	}
}

func (p *Pool) countModel(modelID string) int {
	n := 0
	for _, inst := range p.instances {
		if inst.ModelID == modelID {
			n++
		}
	}
	return n
}

// decideGPU picks whether a newly-created instance for cfg should
// request the GPU lease: mandatory if the model is pinned, opportunistic
// if the engine declares AutoGPU and the lease is currently free. Must
// be called with p.mu held (see decideGPULocked); use buildCreatePlan
// for any path that creates an instance, since it is the only place
// that turns this decision into a single enforced GPU holder.
func (p *Pool) decideGPU(cfg config.ModelConfig, leaseHeld bool) bool {
	if cfg.Device.GPU == config.GPUOn {
		return true
	}
	if leaseHeld {
		return false
	}
	eng := p.engines[cfg.Engine]
	return eng != nil && eng.AutoGPU()
}

// createInstance prepares (if needed) and loads a brand-new instance for
// model id, outside the selection/queue machinery — used by Init and by
// the below-minInstances replenishment path. It arbitrates the GPU lease
// through buildCreatePlan, the same single-lease decision the on-demand
// create path uses, so these paths can never mint a second GPU holder
// alongside one already held by a busy instance.
func (p *Pool) createInstance(ctx context.Context, id string, cfg config.ModelConfig) (*instance.Instance, error) {
	pinned := cfg.Device.GPU == config.GPUOn

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, engineapi.ErrPoolShutdown
	}
	plan, ok := p.buildCreatePlan(id, cfg, pinned)
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("instance create: model %q: %w", id, engineapi.ErrGPULeaseBusy)
	}
	p.pendingCreate[id]++
	p.mu.Unlock()

	for _, victim := range plan.preempt {
		if err := victim.Dispose(); err != nil {
			p.logger.Warn("pool: preempted instance dispose failed", "instance_id", victim.ID, "error", err)
		}
	}

	releasePending := func() {
		p.mu.Lock()
		p.pendingCreate[id]--
		p.mu.Unlock()
	}

	sm, err := p.store.PrepareModel(ctx, id)
	if err != nil {
		releasePending()
		return nil, fmt.Errorf("instance create: prepare model %q: %w", id, err)
	}
	if sm.Status != modelstore.StatusReady {
		releasePending()
		return nil, fmt.Errorf("instance create: prepare model %q: %w: %v", id, engineapi.ErrPrepareFailed, sm.Err)
	}

	eng := p.engines[cfg.Engine]
	inst := instance.New(id, eng, cfg, plan.useGPU, p.bus, p.logger)
	if err := inst.Load(ctx); err != nil {
		releasePending()
		return nil, err
	}

	p.mu.Lock()
	p.pendingCreate[id]--
	if p.disposed {
		p.mu.Unlock()
		_ = inst.Dispose()
		return nil, engineapi.ErrPoolShutdown
	}
	p.instances[inst.ID] = inst
	if plan.useGPU {
		p.gpuHolder = inst.ID
	}
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(bus.TopicInstanceCreated, bus.InstanceEvent{InstanceID: inst.ID, ModelID: inst.ModelID, Status: string(inst.Status()), GPU: inst.GPU()})
	}
	return inst, nil
}
