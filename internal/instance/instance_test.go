package instance

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/inferd/internal/bus"
	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/engineapi"
)

// stubEngine is a minimal in-memory engine used to exercise Instance
// without a real runtime.
type stubEngine struct {
	caps        []engineapi.TaskKind
	createErr   error
	chatDelay   time.Duration
	chatReply   string
	failNextRun bool
}

func (e *stubEngine) PrepareModel(ctx context.Context, model string, onProgress func(engineapi.PrepareProgress)) (engineapi.ModelMeta, error) {
	return nil, nil
}

func (e *stubEngine) CreateInstance(ctx context.Context, model string, useGPU bool) (engineapi.InstanceHandle, error) {
	if e.createErr != nil {
		return nil, e.createErr
	}
	return "handle-" + model, nil
}

func (e *stubEngine) DisposeInstance(handle engineapi.InstanceHandle) error { return nil }
func (e *stubEngine) Capabilities() []engineapi.TaskKind                   { return e.caps }
func (e *stubEngine) AutoGPU() bool                                        { return false }

func (e *stubEngine) ProcessChatCompletionTask(ctx context.Context, args engineapi.ChatCompletionArgs, tc engineapi.TaskContext) (engineapi.ChatCompletionResult, error) {
	if e.failNextRun {
		return engineapi.ChatCompletionResult{}, errors.New("boom")
	}
	select {
	case <-time.After(e.chatDelay):
	case <-ctx.Done():
		return engineapi.ChatCompletionResult{}, ctx.Err()
	}
	reply := e.chatReply
	if reply == "" {
		reply = "ok"
	}
	return engineapi.ChatCompletionResult{
		Message:      engineapi.Message{Role: "assistant", Content: reply},
		FinishReason: engineapi.FinishEOGToken,
		Usage:        engineapi.TokenUsage{PromptTokens: 5, CompletionTokens: 2},
	}, nil
}

func (e *stubEngine) ProcessTextCompletionTask(ctx context.Context, args engineapi.TextCompletionArgs, tc engineapi.TaskContext) (engineapi.TextCompletionResult, error) {
	return engineapi.TextCompletionResult{Text: " continued", FinishReason: engineapi.FinishMaxTokens}, nil
}

func newTestInstance(t *testing.T, eng engineapi.Engine) *Instance {
	t.Helper()
	cfg := config.ModelConfig{ID: "m1", Engine: "stub", Task: "chat-completion"}
	b := bus.New()
	inst := New("m1", eng, cfg, false, b, slog.Default())
	if err := inst.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return inst
}

func TestInstance_LoadTransitionsToIdle(t *testing.T) {
	eng := &stubEngine{caps: []engineapi.TaskKind{engineapi.TaskChatCompletion}}
	inst := newTestInstance(t, eng)
	if inst.Status() != StatusIdle {
		t.Fatalf("expected idle after load, got %s", inst.Status())
	}
}

func TestInstance_LoadFailurePropagatesLoadFailed(t *testing.T) {
	eng := &stubEngine{createErr: errors.New("native init failed")}
	cfg := config.ModelConfig{ID: "m1", Engine: "stub"}
	inst := New("m1", eng, cfg, false, bus.New(), slog.Default())
	err := inst.Load(context.Background())
	if err == nil {
		t.Fatal("expected load error")
	}
	if !errors.Is(err, engineapi.ErrLoadFailed) {
		t.Fatalf("expected ErrLoadFailed, got %v", err)
	}
	if inst.Status() != StatusError {
		t.Fatalf("expected error status, got %s", inst.Status())
	}
}

func TestInstance_LockRequiresIdle(t *testing.T) {
	eng := &stubEngine{caps: []engineapi.TaskKind{engineapi.TaskChatCompletion}}
	inst := newTestInstance(t, eng)
	if err := inst.Lock("chat"); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := inst.Lock("chat"); err == nil {
		t.Fatal("expected second lock on a busy instance to fail")
	}
	inst.Unlock()
	if inst.Status() != StatusIdle {
		t.Fatalf("expected idle after unlock, got %s", inst.Status())
	}
}

func TestInstance_ChatCompletion_UpdatesContextIdentity(t *testing.T) {
	eng := &stubEngine{caps: []engineapi.TaskKind{engineapi.TaskChatCompletion}, chatReply: "hi there"}
	inst := newTestInstance(t, eng)

	if inst.ContextIdentity() != "" {
		t.Fatalf("expected empty context identity before any task, got %q", inst.ContextIdentity())
	}

	args := engineapi.ChatCompletionArgs{Messages: []engineapi.Message{{Role: "user", Content: "hello"}}}
	result, err := inst.ProcessChatCompletionTask(context.Background(), args)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Message.Content != "hi there" {
		t.Fatalf("unexpected result: %+v", result)
	}

	want := DigestChatMessages([]engineapi.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}, ChatDigestOptions{})
	if inst.ContextIdentity() != want {
		t.Fatalf("context identity not updated: got %s want %s", inst.ContextIdentity(), want)
	}
}

func TestInstance_ChatCompletion_EngineUnsupported(t *testing.T) {
	eng := &stubEngine{caps: nil}
	inst := newTestInstance(t, eng)
	_, err := inst.ProcessChatCompletionTask(context.Background(), engineapi.ChatCompletionArgs{
		Messages: []engineapi.Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, engineapi.ErrEngineUnsupported) {
		t.Fatalf("expected ErrEngineUnsupported, got %v", err)
	}
}

func TestInstance_ChatCompletion_EmptyMessagesRejected(t *testing.T) {
	eng := &stubEngine{caps: []engineapi.TaskKind{engineapi.TaskChatCompletion}}
	inst := newTestInstance(t, eng)
	_, err := inst.ProcessChatCompletionTask(context.Background(), engineapi.ChatCompletionArgs{})
	if !errors.Is(err, engineapi.ErrInputInvalid) {
		t.Fatalf("expected ErrInputInvalid, got %v", err)
	}
}

func TestInstance_ChatCompletion_Timeout(t *testing.T) {
	eng := &stubEngine{caps: []engineapi.TaskKind{engineapi.TaskChatCompletion}, chatDelay: time.Second}
	inst := newTestInstance(t, eng)

	args := engineapi.ChatCompletionArgs{
		Messages: []engineapi.Message{{Role: "user", Content: "hi"}},
		Timeout:  20 * time.Millisecond,
	}
	result, err := inst.ProcessChatCompletionTask(context.Background(), args)
	if err != nil {
		t.Fatalf("expected a resolved result, not an error: %v", err)
	}
	if result.FinishReason != engineapi.FinishTimeout {
		t.Fatalf("expected finishReason timeout, got %s", result.FinishReason)
	}
}

func TestInstance_ChatCompletion_CallerCancel(t *testing.T) {
	eng := &stubEngine{caps: []engineapi.TaskKind{engineapi.TaskChatCompletion}, chatDelay: time.Second}
	inst := newTestInstance(t, eng)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	args := engineapi.ChatCompletionArgs{Messages: []engineapi.Message{{Role: "user", Content: "hi"}}}
	start := time.Now()
	result, err := inst.ProcessChatCompletionTask(ctx, args)
	if err != nil {
		t.Fatalf("expected a resolved result, not an error: %v", err)
	}
	if result.FinishReason != engineapi.FinishCancel {
		t.Fatalf("expected finishReason cancel, got %s", result.FinishReason)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("expected cancellation to resolve promptly")
	}
}

func TestInstance_ChatCompletion_GenuineErrorPropagates(t *testing.T) {
	eng := &stubEngine{caps: []engineapi.TaskKind{engineapi.TaskChatCompletion}, failNextRun: true}
	inst := newTestInstance(t, eng)
	_, err := inst.ProcessChatCompletionTask(context.Background(), engineapi.ChatCompletionArgs{
		Messages: []engineapi.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected genuine engine error to propagate")
	}
}

func TestInstance_TextCompletion_StoresVerbatimPrefix(t *testing.T) {
	eng := &stubEngine{caps: []engineapi.TaskKind{engineapi.TaskTextCompletion}}
	inst := newTestInstance(t, eng)

	result, err := inst.ProcessTextCompletionTask(context.Background(), engineapi.TextCompletionArgs{Prompt: "once upon a time"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := "once upon a time" + result.Text
	if inst.ContextIdentity() != want {
		t.Fatalf("expected verbatim stored identity %q, got %q", want, inst.ContextIdentity())
	}
}

func TestInstance_NeedsContextResetClearsIdentity(t *testing.T) {
	eng := &stubEngine{caps: []engineapi.TaskKind{engineapi.TaskChatCompletion}}
	inst := newTestInstance(t, eng)
	inst.mu.Lock()
	inst.contextIdentity = "stale-digest"
	inst.mu.Unlock()
	inst.MarkNeedsContextReset()

	if _, err := inst.ProcessChatCompletionTask(context.Background(), engineapi.ChatCompletionArgs{
		Messages: []engineapi.Message{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// After a successful completion the identity is recomputed from this
	// request, so it must no longer equal the stale pre-reset value.
	if inst.ContextIdentity() == "stale-digest" {
		t.Fatal("expected stale context identity to have been cleared and recomputed")
	}
}
