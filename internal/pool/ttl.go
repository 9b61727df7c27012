package pool

import (
	"time"

	"github.com/basket/inferd/internal/audit"
	"github.com/basket/inferd/internal/bus"
	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/instance"
)

// armTTL starts (or restarts) the idle-eviction timer for inst per spec
// §4.4's release path: "after ttl seconds of continuous idleness, if
// count(modelId) > minInstances, dispose the instance. ttl = 0 disposes
// immediately on release."
func (p *Pool) armTTL(inst *instance.Instance, cfg config.ModelConfig) {
	if cfg.TTLSeconds <= 0 {
		p.expireTTL(inst, cfg)
		return
	}

	p.mu.Lock()
	if old, ok := p.ttlTimers[inst.ID]; ok {
		old.Stop()
	}
	if p.disposed {
		p.mu.Unlock()
		return
	}
	d := time.Duration(cfg.TTLSeconds) * time.Second
	p.ttlTimers[inst.ID] = time.AfterFunc(d, func() {
		p.expireTTL(inst, cfg)
	})
	p.mu.Unlock()
}

// expireTTL disposes inst if it is still idle and the model is still
// above MinInstances; otherwise it is a no-op (the instance was reused,
// or another eviction already claimed it).
func (p *Pool) expireTTL(inst *instance.Instance, cfg config.ModelConfig) {
	p.mu.Lock()
	delete(p.ttlTimers, inst.ID)
	if _, live := p.instances[inst.ID]; !live {
		p.mu.Unlock()
		return
	}
	if inst.Status() != instance.StatusIdle {
		p.mu.Unlock()
		return
	}
	if p.countModel(inst.ModelID) <= cfg.MinInstances {
		p.mu.Unlock()
		return
	}
	delete(p.instances, inst.ID)
	if p.gpuHolder == inst.ID {
		p.gpuHolder = ""
	}
	p.mu.Unlock()

	audit.Record("pool_evict", inst.ModelID, inst.ID, "", "ttl")
	if p.bus != nil {
		p.bus.Publish(bus.TopicPoolEvicted, bus.EvictedEvent{InstanceID: inst.ID, ModelID: inst.ModelID, Reason: "ttl"})
	}
	if err := inst.Dispose(); err != nil {
		p.logger.Warn("pool: ttl dispose failed", "instance_id", inst.ID, "error", err)
	}
}
