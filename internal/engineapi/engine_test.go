package engineapi

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type stubEngine struct {
	caps []TaskKind
}

func (s stubEngine) PrepareModel(ctx context.Context, model string, onProgress func(PrepareProgress)) (ModelMeta, error) {
	return ModelMeta{"format": "stub"}, nil
}

func (s stubEngine) CreateInstance(ctx context.Context, model string, useGPU bool) (InstanceHandle, error) {
	return "handle", nil
}

func (s stubEngine) DisposeInstance(handle InstanceHandle) error { return nil }
func (s stubEngine) Capabilities() []TaskKind                    { return s.caps }
func (s stubEngine) AutoGPU() bool                               { return false }

func TestSupports(t *testing.T) {
	eng := stubEngine{caps: []TaskKind{TaskChatCompletion, TaskEmbedding}}
	if !Supports(eng, TaskChatCompletion) {
		t.Fatal("expected chat-completion to be supported")
	}
	if Supports(eng, TaskTextToImage) {
		t.Fatal("expected text-to-image to be unsupported")
	}
}

func TestIsAbort(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrCancelled, true},
		{ErrTimedOut, true},
		{fmt.Errorf("task %s: %w", "t-1", ErrCancelled), true},
		{ErrInputInvalid, false},
		{errors.New("some other failure"), false},
	}
	for _, tc := range cases {
		if got := IsAbort(tc.err); got != tc.want {
			t.Errorf("IsAbort(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestErrorWrapping_PreservesIs(t *testing.T) {
	wrapped := fmt.Errorf("model %s: %w", "llama-3-8b", ErrPrepareFailed)
	if !errors.Is(wrapped, ErrPrepareFailed) {
		t.Fatal("expected errors.Is to see through fmt.Errorf wrapping")
	}
}
