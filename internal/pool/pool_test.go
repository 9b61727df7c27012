package pool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/inferd/internal/bus"
	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/engineapi"
	"github.com/basket/inferd/internal/modelstore"
	"github.com/basket/inferd/internal/policy"
)

// fakeEngine is a no-op engine for pool tests: CreateInstance/Dispose
// succeed instantly, and chat-completion takes a configurable delay so
// tests can exercise busy/idle transitions deterministically.
type fakeEngine struct {
	name      string
	autoGPU   bool
	chatDelay time.Duration
	createErr error

	mu      sync.Mutex
	created int
}

func (e *fakeEngine) PrepareModel(ctx context.Context, model string, onProgress func(engineapi.PrepareProgress)) (engineapi.ModelMeta, error) {
	return engineapi.ModelMeta{}, nil
}

func (e *fakeEngine) CreateInstance(ctx context.Context, model string, useGPU bool) (engineapi.InstanceHandle, error) {
	if e.createErr != nil {
		return nil, e.createErr
	}
	e.mu.Lock()
	e.created++
	e.mu.Unlock()
	return "handle-" + model, nil
}

func (e *fakeEngine) DisposeInstance(handle engineapi.InstanceHandle) error { return nil }
func (e *fakeEngine) Capabilities() []engineapi.TaskKind {
	return []engineapi.TaskKind{engineapi.TaskChatCompletion, engineapi.TaskTextCompletion}
}
func (e *fakeEngine) AutoGPU() bool { return e.autoGPU }

func (e *fakeEngine) ProcessChatCompletionTask(ctx context.Context, args engineapi.ChatCompletionArgs, tc engineapi.TaskContext) (engineapi.ChatCompletionResult, error) {
	select {
	case <-time.After(e.chatDelay):
	case <-ctx.Done():
		return engineapi.ChatCompletionResult{}, ctx.Err()
	}
	return engineapi.ChatCompletionResult{
		Message:      engineapi.Message{Role: "assistant", Content: "ok"},
		FinishReason: engineapi.FinishEOGToken,
	}, nil
}

func (e *fakeEngine) ProcessTextCompletionTask(ctx context.Context, args engineapi.TextCompletionArgs, tc engineapi.TaskContext) (engineapi.TextCompletionResult, error) {
	return engineapi.TextCompletionResult{Text: " more", FinishReason: engineapi.FinishMaxTokens}, nil
}

// newTestStore builds a Store backed by a fresh temp cache dir, with a
// pre-created directory artifact for every model (so PrepareModel's
// validation step succeeds without any real download).
func newTestStore(t *testing.T, models map[string]config.ModelConfig, engines map[string]engineapi.Engine) *modelstore.Store {
	t.Helper()
	cachePath := t.TempDir()
	for id, m := range models {
		if err := os.MkdirAll(filepath.Join(cachePath, "models", m.Location), 0o755); err != nil {
			t.Fatalf("seed artifact dir for %s: %v", id, err)
		}
	}
	st, err := modelstore.New(modelstore.Options{
		CachePath: cachePath,
		Models:    models,
		Engines:   engines,
		Policy:    policy.Default(),
		Bus:       bus.New(),
		Logger:    slog.Default(),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func chatModelCfg(id string, min, max int, gpu config.GPUMode) config.ModelConfig {
	zero := 0
	return config.ModelConfig{
		ID:            id,
		Engine:        "fake",
		Task:          string(engineapi.TaskChatCompletion),
		MinInstances:  min,
		MaxInstances:  max,
		TTLSecondsRaw: &zero,
		Location:      id,
		Device:        config.DeviceConfig{GPU: gpu},
	}
}

func newTestPool(t *testing.T, models map[string]config.ModelConfig, engines map[string]engineapi.Engine, concurrency int) *Pool {
	t.Helper()
	store := newTestStore(t, models, engines)
	p := New(Options{
		Concurrency: concurrency,
		Models:      models,
		Engines:     engines,
		Store:       store,
		Bus:         bus.New(),
		Logger:      slog.Default(),
	})
	t.Cleanup(p.Dispose)
	return p
}

func TestPool_RequestInstance_CreatesOnDemand(t *testing.T) {
	eng := &fakeEngine{}
	models := map[string]config.ModelConfig{"m1": chatModelCfg("m1", 0, 2, config.GPUOff)}
	p := newTestPool(t, models, map[string]engineapi.Engine{"fake": eng}, 4)

	lease, err := p.RequestInstance(context.Background(), Request{Model: "m1", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("request instance: %v", err)
	}
	if lease.Instance.ModelID != "m1" {
		t.Fatalf("unexpected model id: %s", lease.Instance.ModelID)
	}
	lease.Release()
}

func TestPool_RequestInstance_UnknownModel(t *testing.T) {
	p := newTestPool(t, map[string]config.ModelConfig{}, map[string]engineapi.Engine{}, 4)
	_, err := p.RequestInstance(context.Background(), Request{Model: "ghost", Task: engineapi.TaskChatCompletion})
	if !errors.Is(err, engineapi.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

// TestPool_GPUPreemption verifies a pinned request preempts an idle
// opportunistic GPU holder (the busy case is covered by
// TestPool_GPUPreemption_NeverPreemptsBusy).
func TestPool_GPUPreemption(t *testing.T) {
	engA := &fakeEngine{autoGPU: true}
	engB := &fakeEngine{}
	models := map[string]config.ModelConfig{
		"auto":   chatModelCfg("auto", 0, 1, config.GPUAuto),
		"pinned": chatModelCfg("pinned", 0, 1, config.GPUOn),
	}
	engines := map[string]engineapi.Engine{"auto-eng": engA, "pinned-eng": engB}
	autoCfg := withEngine(models["auto"], "auto-eng")
	autoCfg.TTLSeconds = 300 // keep the released auto holder idle so the pinned request must preempt it
	models["auto"] = autoCfg
	models["pinned"] = withEngine(models["pinned"], "pinned-eng")
	p := newTestPool(t, models, engines, 4)

	autoLease, err := p.RequestInstance(context.Background(), Request{Model: "auto", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("auto request: %v", err)
	}
	if !autoLease.Instance.GPU() {
		t.Fatal("expected opportunistic instance to have grabbed the free GPU lease")
	}
	autoLease.Release()

	pinnedLease, err := p.RequestInstance(context.Background(), Request{Model: "pinned", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("pinned request: %v", err)
	}
	if !pinnedLease.Instance.GPU() {
		t.Fatal("expected pinned instance to hold the GPU lease after preempting the idle auto holder")
	}
	pinnedLease.Release()

	st := p.GetStatus()
	for _, e := range st.Instances {
		if e.ModelID == "auto" {
			t.Fatal("expected the idle auto-GPU instance to have been preempted and disposed")
		}
	}
}

// TestPool_GPUPreemption_NeverPreemptsBusy verifies a pinned request
// enqueues rather than preempting a busy GPU holder.
func TestPool_GPUPreemption_NeverPreemptsBusy(t *testing.T) {
	engA := &fakeEngine{chatDelay: 150 * time.Millisecond}
	models := map[string]config.ModelConfig{
		"pinned": withEngine(chatModelCfg("pinned", 0, 1, config.GPUOn), "pinned-eng"),
	}
	engines := map[string]engineapi.Engine{"pinned-eng": engA}
	p := newTestPool(t, models, engines, 4)

	lease, err := p.RequestInstance(context.Background(), Request{Model: "pinned", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("first request: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := lease.Instance.ProcessChatCompletionTask(context.Background(), engineapi.ChatCompletionArgs{
			Messages: []engineapi.Message{{Role: "user", Content: "hi"}},
		})
		if err != nil {
			t.Errorf("process chat: %v", err)
		}
		lease.Release()
	}()

	// Give the busy instance time to actually be mid-task before the
	// second request arrives; MaxInstances=1 forces the second caller to
	// queue behind it rather than create a sibling.
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	second, err := p.RequestInstance(ctx, Request{Model: "pinned", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("second request should have queued and then succeeded: %v", err)
	}
	second.Release()
	<-done
}

func withEngine(cfg config.ModelConfig, engine string) config.ModelConfig {
	cfg.Engine = engine
	return cfg
}

// TestPool_TTLZeroDisposesImmediately verifies spec's "ttl=0 disposes on
// release" behavior.
func TestPool_TTLZeroDisposesImmediately(t *testing.T) {
	eng := &fakeEngine{}
	models := map[string]config.ModelConfig{"m1": chatModelCfg("m1", 0, 2, config.GPUOff)}
	p := newTestPool(t, models, map[string]engineapi.Engine{"fake": eng}, 4)

	lease, err := p.RequestInstance(context.Background(), Request{Model: "m1", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	id := lease.Instance.ID
	lease.Release()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st := p.GetStatus()
		found := false
		for _, e := range st.Instances {
			if e.InstanceID == id {
				found = true
			}
		}
		if !found {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected instance to be evicted immediately after release with ttl=0")
}

// TestPool_TTLPositive_SurvivesUntilExpiry checks a positive TTL keeps
// the instance around for reuse right after release; it does not wait
// for the TTL to expire.
func TestPool_TTLPositive_SurvivesUntilExpiry(t *testing.T) {
	eng := &fakeEngine{}
	one := 1
	cfg := chatModelCfg("m1", 0, 2, config.GPUOff)
	cfg.TTLSecondsRaw = &one
	cfg.TTLSeconds = one
	models := map[string]config.ModelConfig{"m1": cfg}
	p := newTestPool(t, models, map[string]engineapi.Engine{"fake": eng}, 4)

	lease, err := p.RequestInstance(context.Background(), Request{Model: "m1", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	id := lease.Instance.ID
	lease.Release()

	st := p.GetStatus()
	found := false
	for _, e := range st.Instances {
		if e.InstanceID == id {
			found = true
		}
	}
	if !found {
		t.Fatal("expected instance to survive immediately after release with a positive ttl")
	}
}

// TestPool_QueueFairness verifies spec scenario S5: queued requests for a
// capacity-bound model are served in FIFO order.
func TestPool_QueueFairness(t *testing.T) {
	eng := &fakeEngine{chatDelay: 30 * time.Millisecond}
	models := map[string]config.ModelConfig{"m1": chatModelCfg("m1", 0, 1, config.GPUOff)}
	p := newTestPool(t, models, map[string]engineapi.Engine{"fake": eng}, 1)

	lease, err := p.RequestInstance(context.Background(), Request{Model: "m1", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("first request: %v", err)
	}

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l, err := p.RequestInstance(context.Background(), Request{Model: "m1", Task: engineapi.TaskChatCompletion})
			if err != nil {
				t.Errorf("queued request %d: %v", n, err)
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			l.Release()
		}(i)
		time.Sleep(5 * time.Millisecond) // preserve submission order
	}

	time.Sleep(10 * time.Millisecond)
	lease.Release()
	wg.Wait()

	if len(order) != 3 {
		t.Fatalf("expected all 3 queued requests to complete, got %d", len(order))
	}
	for i, n := range order {
		if i != n {
			t.Fatalf("expected FIFO order 0,1,2; got %v", order)
		}
	}
}

// TestPool_CancelWhileQueued verifies a waiter removed by context
// cancellation doesn't block or corrupt the queue for others.
func TestPool_CancelWhileQueued(t *testing.T) {
	eng := &fakeEngine{chatDelay: 50 * time.Millisecond}
	models := map[string]config.ModelConfig{"m1": chatModelCfg("m1", 0, 1, config.GPUOff)}
	p := newTestPool(t, models, map[string]engineapi.Engine{"fake": eng}, 1)

	lease, err := p.RequestInstance(context.Background(), Request{Model: "m1", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("first request: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.RequestInstance(ctx, Request{Model: "m1", Task: engineapi.TaskChatCompletion})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never resolved")
	}

	lease.Release()

	second, err := p.RequestInstance(context.Background(), Request{Model: "m1", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("subsequent request after cancellation: %v", err)
	}
	second.Release()
}

// TestPool_ContextReuse_PrefersMatchingInstance verifies spec scenario
// S1: a request whose prior chat turns match a specific idle instance's
// context identity is routed there instead of another idle instance.
func TestPool_ContextReuse_PrefersMatchingInstance(t *testing.T) {
	eng := &fakeEngine{}
	cfg := chatModelCfg("m1", 0, 2, config.GPUOff)
	cfg.TTLSeconds = 300 // keep released instances idle so the follow-up has two to choose from
	models := map[string]config.ModelConfig{"m1": cfg}
	p := newTestPool(t, models, map[string]engineapi.Engine{"fake": eng}, 4)

	firstMsgs := []engineapi.Message{{Role: "user", Content: "remember the number 7"}}
	l1, err := p.RequestInstance(context.Background(), Request{Model: "m1", Task: engineapi.TaskChatCompletion, ChatMessages: firstMsgs})
	if err != nil {
		t.Fatalf("lease 1: %v", err)
	}
	result, err := l1.Instance.ProcessChatCompletionTask(context.Background(), engineapi.ChatCompletionArgs{Messages: firstMsgs})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	firstID := l1.Instance.ID

	// Requested while l1 is still held, so it lands on a second instance;
	// releasing it last makes it the most recently used idle instance.
	l2, err := p.RequestInstance(context.Background(), Request{Model: "m1", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("lease 2: %v", err)
	}
	l1.Release()
	l2.Release()

	followup := append(append([]engineapi.Message{}, firstMsgs...), result.Message, engineapi.Message{Role: "user", Content: "what number?"})
	l3, err := p.RequestInstance(context.Background(), Request{Model: "m1", Task: engineapi.TaskChatCompletion, ChatMessages: followup})
	if err != nil {
		t.Fatalf("lease 3: %v", err)
	}
	if l3.Instance.ID != firstID {
		t.Fatalf("expected context-match to route back to instance %s, got %s", firstID, l3.Instance.ID)
	}
	l3.Release()
}

// TestPool_EvictForCapacity verifies a capacity-bound model evicts an
// idle instance of a different model to make room for a new one.
func TestPool_EvictForCapacity(t *testing.T) {
	engA := &fakeEngine{}
	engB := &fakeEngine{}
	models := map[string]config.ModelConfig{
		"a": withEngine(chatModelCfg("a", 0, 1, config.GPUOff), "engA"),
		"b": withEngine(chatModelCfg("b", 0, 1, config.GPUOff), "engB"),
	}
	engines := map[string]engineapi.Engine{"engA": engA, "engB": engB}
	p := newTestPool(t, models, engines, 4)

	la, err := p.RequestInstance(context.Background(), Request{Model: "a", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("request a: %v", err)
	}
	la.Release()

	lb, err := p.RequestInstance(context.Background(), Request{Model: "b", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("request b: %v", err)
	}
	lb.Release()

	st := p.GetStatus()
	for _, e := range st.Instances {
		if e.ModelID == "a" {
			t.Fatal("expected idle instance of model a to have been evicted for model b's capacity")
		}
	}
}

// TestPool_TTLZeroKeepsMinInstances verifies that releasing an instance
// with ttl=0 does not dispose it when that would take its model below
// MinInstances.
func TestPool_TTLZeroKeepsMinInstances(t *testing.T) {
	eng := &fakeEngine{}
	one := 0
	cfg := chatModelCfg("m1", 1, 2, config.GPUOff)
	cfg.TTLSecondsRaw = &one
	models := map[string]config.ModelConfig{"m1": cfg}
	p := newTestPool(t, models, map[string]engineapi.Engine{"fake": eng}, 4)
	p.Init(context.Background())

	st := p.GetStatus()
	if len(st.Instances) != 1 {
		t.Fatalf("expected Init to preallocate 1 instance, got %d", len(st.Instances))
	}

	lease, err := p.RequestInstance(context.Background(), Request{Model: "m1", Task: engineapi.TaskChatCompletion})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	lease.Release()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st := p.GetStatus()
		if len(st.Instances) >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected pool to keep minInstances after a ttl=0 release")
}
