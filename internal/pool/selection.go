package pool

import (
	"context"
	"fmt"

	"github.com/basket/inferd/internal/audit"
	"github.com/basket/inferd/internal/bus"
	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/engineapi"
	"github.com/basket/inferd/internal/instance"
	"github.com/basket/inferd/internal/modelstore"
)

// selectionOutcome is trySelect's result: exactly one of lease or plan
// is set, or both are nil meaning "enqueue the caller".
type selectionOutcome struct {
	lease *Lease
	plan  *createPlan
}

// createPlan is a scheduling decision made under the pool lock but
// executed outside it, since it involves the slow operations (model
// preparation, engine load) spec §5 requires to be cancellable
// suspension points rather than lock-held critical sections.
type createPlan struct {
	model  string
	cfg    config.ModelConfig
	useGPU bool
	// preempt lists instances already removed from the pool's
	// bookkeeping under lock (GPU preemption and/or cross-model
	// eviction) whose Dispose() the caller must still run.
	preempt []*instance.Instance
}

// trySelect implements spec §4.4's selection algorithm steps 1–6, minus
// the final enqueue (the caller enqueues when both return values are
// nil). Must be called with p.mu held.
func (p *Pool) trySelect(req Request) (selectionOutcome, error) {
	cfg, ok := p.cfg[req.Model]
	if !ok {
		return selectionOutcome{}, fmt.Errorf("%w: unknown model %q", engineapi.ErrConfigInvalid, req.Model)
	}
	pinned := cfg.Device.GPU == config.GPUOn

	eligible := p.eligibleInstances(req.Model, pinned)

	if inst := p.contextMatch(eligible, req); inst != nil {
		return selectionOutcome{lease: p.lockForRequest(inst, req.Model)}, nil
	}
	if inst := p.anyIdle(eligible); inst != nil {
		return selectionOutcome{lease: p.lockForRequest(inst, req.Model)}, nil
	}

	count := p.countModel(req.Model) + p.pendingCreate[req.Model]
	if count >= cfg.MaxInstances {
		victim := p.findEvictVictim(req.Model)
		if victim == nil {
			return selectionOutcome{}, nil
		}
		if p.busyCount >= p.concurrency {
			return selectionOutcome{}, nil
		}
		plan, ok := p.buildCreatePlan(req.Model, cfg, pinned)
		if !ok {
			return selectionOutcome{}, nil
		}
		p.evictInstance(victim, "evict_for_capacity", req.Model)
		plan.preempt = append(plan.preempt, victim)
		p.pendingCreate[req.Model]++
		return selectionOutcome{plan: plan}, nil
	}

	if p.busyCount >= p.concurrency {
		return selectionOutcome{}, nil
	}
	plan, ok := p.buildCreatePlan(req.Model, cfg, pinned)
	if !ok {
		return selectionOutcome{}, nil
	}
	p.pendingCreate[req.Model]++
	return selectionOutcome{plan: plan}, nil
}

// eligibleInstances filters to instances of req's model satisfying its
// GPU requirement (spec §4.4 step 1).
func (p *Pool) eligibleInstances(modelID string, pinned bool) []*instance.Instance {
	var out []*instance.Instance
	for _, inst := range p.instances {
		if inst.ModelID != modelID {
			continue
		}
		if pinned && !inst.GPU() {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// contextMatch implements spec §4.4 step 2 for chat-completion and
// text-completion requests; every other task kind has no context
// concept and always falls through to anyIdle.
func (p *Pool) contextMatch(eligible []*instance.Instance, req Request) *instance.Instance {
	switch req.Task {
	case engineapi.TaskChatCompletion:
		digest := instance.DigestChatMessages(req.ChatMessages, instance.ChatDigestOptions{DropLastUserMessage: true})
		if digest == "" {
			return nil
		}
		var best *instance.Instance
		for _, inst := range eligible {
			if inst.Status() != instance.StatusIdle || inst.ContextIdentity() != digest {
				continue
			}
			if best == nil || inst.LastUsed().After(best.LastUsed()) {
				best = inst
			}
		}
		return best
	case engineapi.TaskTextCompletion:
		if req.TextPrompt == "" {
			return nil
		}
		var best *instance.Instance
		bestLen := 0
		for _, inst := range eligible {
			if inst.Status() != instance.StatusIdle {
				continue
			}
			id := inst.ContextIdentity()
			if id == "" {
				continue
			}
			n := instance.LargestCommonPrefixLen(id, req.TextPrompt)
			if n == 0 {
				continue
			}
			if best == nil || n > bestLen || (n == bestLen && inst.LastUsed().After(best.LastUsed())) {
				best, bestLen = inst, n
			}
		}
		return best
	default:
		return nil
	}
}

// anyIdle implements spec §4.4 step 3: any idle eligible instance,
// tie-broken most-recently-used.
func (p *Pool) anyIdle(eligible []*instance.Instance) *instance.Instance {
	var best *instance.Instance
	for _, inst := range eligible {
		if inst.Status() != instance.StatusIdle {
			continue
		}
		if best == nil || inst.LastUsed().After(best.LastUsed()) {
			best = inst
		}
	}
	return best
}

// findEvictVictim looks for an idle instance of a model OTHER than
// excludeModel whose disposal would not violate its own MinInstances
// (spec §4.4 step 5). Ties broken by least-recently-used, since an
// eviction victim should be the instance least likely to be reused
// soon (spec §9's LRU-by-lastUsed note).
func (p *Pool) findEvictVictim(excludeModel string) *instance.Instance {
	var victim *instance.Instance
	for _, inst := range p.instances {
		if inst.ModelID == excludeModel || inst.Status() != instance.StatusIdle {
			continue
		}
		cfg := p.cfg[inst.ModelID]
		if p.countModel(inst.ModelID) <= cfg.MinInstances {
			continue
		}
		if victim == nil || inst.LastUsed().Before(victim.LastUsed()) {
			victim = inst
		}
	}
	return victim
}

// buildCreatePlan decides whether a new instance for modelID should
// request the GPU and, if it must preempt an idle GPU holder to do so,
// removes that holder from the pool's bookkeeping. Returns ok=false if
// the model is GPU-pinned and the lease is held by a busy instance,
// meaning the caller must enqueue instead (spec §4.4 step 4, GPU
// arbitration: "it may never preempt a busy instance").
func (p *Pool) buildCreatePlan(modelID string, cfg config.ModelConfig, pinned bool) (*createPlan, bool) {
	useGPU := p.decideGPULocked(cfg)
	plan := &createPlan{model: modelID, cfg: cfg, useGPU: useGPU}

	if useGPU && p.gpuHolder != "" {
		holder := p.instances[p.gpuHolder]
		if holder == nil {
			p.gpuHolder = ""
			return plan, true
		}
		if holder.Status() != instance.StatusIdle {
			if pinned {
				return nil, false
			}
			plan.useGPU = false
			return plan, true
		}
		p.evictInstance(holder, "gpu_preempt", modelID)
		plan.preempt = append(plan.preempt, holder)
	}
	return plan, true
}

// decideGPULocked is decideGPU's lock-held variant, used from within
// trySelect/buildCreatePlan where p.mu is already held and reading
// p.gpuHolder directly is safe.
func (p *Pool) decideGPULocked(cfg config.ModelConfig) bool {
	return p.decideGPU(cfg, p.gpuHolder != "")
}

// evictInstance removes inst from the pool's live bookkeeping (but does
// not call Dispose — that happens outside the lock) and records the
// decision to the audit trail (spec's SPEC_FULL §4.4 audit addendum).
func (p *Pool) evictInstance(inst *instance.Instance, reason, beneficiaryModel string) {
	delete(p.instances, inst.ID)
	if p.gpuHolder == inst.ID {
		p.gpuHolder = ""
	}
	if timer, ok := p.ttlTimers[inst.ID]; ok {
		timer.Stop()
		delete(p.ttlTimers, inst.ID)
	}
	audit.Record("pool_evict", inst.ModelID, inst.ID, fmt.Sprintf("beneficiary=%s", beneficiaryModel), reason)
	if p.bus != nil {
		p.bus.Publish(bus.TopicPoolEvicted, bus.EvictedEvent{InstanceID: inst.ID, ModelID: inst.ModelID, Reason: reason})
		if reason == "gpu_preempt" {
			p.bus.Publish(bus.TopicPoolGPULease, bus.GPULeaseEvent{PreemptedFrom: inst.ID})
		}
	}
}

// lockForRequest locks an idle instance on behalf of model and, if the
// instance holds the GPU, publishes a GPU-lease event. Must be called
// with p.mu held.
func (p *Pool) lockForRequest(inst *instance.Instance, model string) *Lease {
	_ = inst.Lock(model)
	p.busyCount++
	if inst.GPU() {
		p.bus.Publish(bus.TopicPoolGPULease, bus.GPULeaseEvent{GrantedTo: inst.ID})
	}
	return &Lease{Instance: inst, pool: p, model: model}
}

// executeCreatePlan runs a createPlan's slow operations outside the pool
// lock: dispose any preempted/evicted instances, prepare the model,
// create and load the new instance, then register it and return a
// locked Lease. On any failure the plan's pending-create reservation is
// released so a later request can retry.
func (p *Pool) executeCreatePlan(ctx context.Context, req Request, plan *createPlan) (*Lease, error) {
	for _, victim := range plan.preempt {
		if err := victim.Dispose(); err != nil {
			p.logger.Warn("pool: preempted instance dispose failed", "instance_id", victim.ID, "error", err)
		}
	}

	releasePending := func() {
		p.mu.Lock()
		p.pendingCreate[plan.model]--
		p.mu.Unlock()
	}

	sm, err := p.store.PrepareModel(ctx, plan.model)
	if err != nil {
		releasePending()
		return nil, fmt.Errorf("instance create: prepare model %q: %w", plan.model, err)
	}
	if sm.Status != modelstore.StatusReady {
		releasePending()
		return nil, fmt.Errorf("instance create: prepare model %q: %w: %v", plan.model, engineapi.ErrPrepareFailed, sm.Err)
	}

	eng := p.engines[plan.cfg.Engine]
	inst := instance.New(plan.model, eng, plan.cfg, plan.useGPU, p.bus, p.logger)
	if err := inst.Load(ctx); err != nil {
		releasePending()
		return nil, err
	}

	p.mu.Lock()
	p.pendingCreate[plan.model]--
	if p.disposed {
		p.mu.Unlock()
		_ = inst.Dispose()
		return nil, engineapi.ErrPoolShutdown
	}
	p.instances[inst.ID] = inst
	if plan.useGPU {
		p.gpuHolder = inst.ID
	}
	lease := p.lockForRequest(inst, req.Model)
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(bus.TopicInstanceCreated, bus.InstanceEvent{InstanceID: inst.ID, ModelID: inst.ModelID, Status: string(inst.Status()), GPU: inst.GPU()})
	}
	return lease, nil
}

