// Package ggufstub is a stand-in for a llama.cpp-shaped native engine:
// it downloads and validates a GGUF-like artifact exactly the way a real
// engine would, then loads it into a lightweight in-process handle that
// answers completion tasks deterministically from the artifact's
// declared metadata. It demonstrates the full PrepareModel/CreateInstance
// contract without linking an actual native inference runtime, which is
// out of scope per the server's purpose (model artifact lifecycle and
// scheduling, not model execution).
package ggufstub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/engineapi"
	"github.com/basket/inferd/internal/modelstore"
	"github.com/basket/inferd/internal/policy"
)

// Options configures a new Engine.
type Options struct {
	CachePath string
	Models    map[string]config.ModelConfig
	Policy    policy.Checker
	// HTTPClient lets tests substitute a client pointed at a local
	// server instead of reaching the network. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Engine is the ggufstub adapter. One Engine instance serves every model
// configured to use it, keyed by model id.
type Engine struct {
	cachePath string
	models    map[string]config.ModelConfig
	policyChk policy.Checker
	httpc     *http.Client

	mu      sync.Mutex
	handles map[string]*handle // by instance handle id
	nextSeq int
}

// handle is the opaque in-process "loaded model" state CreateInstance
// returns and every processX call receives back.
type handle struct {
	model     string
	path      string
	contextSz int
	batchSz   int
	gpuLayers int
	useGPU    bool
}

// New constructs a ggufstub Engine.
func New(opts Options) *Engine {
	if opts.Policy == nil {
		opts.Policy = policy.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Engine{
		cachePath: opts.CachePath,
		models:    opts.Models,
		policyChk: opts.Policy,
		httpc:     opts.HTTPClient,
		handles:   make(map[string]*handle),
	}
}

// PrepareModel downloads model id's artifact to the exact path the Store
// will validate, honoring the download policy gate (spec §4.2's
// DOMAIN addendum). It is only invoked by the Store when local
// validation has already failed and m.URL is set.
func (e *Engine) PrepareModel(ctx context.Context, model string, onProgress func(engineapi.PrepareProgress)) (engineapi.ModelMeta, error) {
	m, ok := e.models[model]
	if !ok {
		return nil, fmt.Errorf("%w: ggufstub has no config for model %q", engineapi.ErrConfigInvalid, model)
	}
	if m.URL == "" {
		return nil, fmt.Errorf("%w: model %q has no url to download from", engineapi.ErrPrepareFailed, model)
	}
	if !e.policyChk.AllowHTTPURL(m.URL) {
		return nil, fmt.Errorf("%w: model %q url blocked by download policy %s", engineapi.ErrPrepareFailed, model, e.policyChk.PolicyVersion())
	}

	path, err := modelstore.ArtifactPath(e.cachePath, m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineapi.ErrPrepareFailed, err)
	}
	if !e.policyChk.AllowPath(path) {
		return nil, fmt.Errorf("%w: model %q artifact path blocked by policy %s", engineapi.ErrPrepareFailed, model, e.policyChk.PolicyVersion())
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create artifact dir: %v", engineapi.ErrPrepareFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", engineapi.ErrPrepareFailed, err)
	}
	resp, err := e.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download: %v", engineapi.ErrPrepareFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download returned status %d", engineapi.ErrPrepareFailed, resp.StatusCode)
	}

	tmp := path + ".ipull"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("%w: create partial file: %v", engineapi.ErrPrepareFailed, err)
	}

	total := resp.ContentLength
	var done int64
	buf := make([]byte, 64*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return nil, fmt.Errorf("%w: write partial file: %v", engineapi.ErrPrepareFailed, werr)
			}
			done += int64(n)
			if onProgress != nil {
				onProgress(engineapi.PrepareProgress{Stage: "downloading", BytesDone: done, BytesTotal: total})
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(tmp)
			return nil, fmt.Errorf("%w: read response body: %v", engineapi.ErrPrepareFailed, rerr)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: close partial file: %v", engineapi.ErrPrepareFailed, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: finalize download: %v", engineapi.ErrPrepareFailed, err)
	}

	if onProgress != nil {
		onProgress(engineapi.PrepareProgress{Stage: "parsing", BytesDone: done, BytesTotal: done})
	}
	return engineapi.ModelMeta{"downloaded_bytes": done}, nil
}

// CreateInstance opens the already-prepared artifact and builds a
// lightweight in-process handle; it does not link or invoke a real
// native inference runtime.
func (e *Engine) CreateInstance(ctx context.Context, model string, useGPU bool) (engineapi.InstanceHandle, error) {
	m, ok := e.models[model]
	if !ok {
		return nil, fmt.Errorf("%w: ggufstub has no config for model %q", engineapi.ErrConfigInvalid, model)
	}
	path, err := modelstore.ArtifactPath(e.cachePath, m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineapi.ErrLoadFailed, err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: artifact not present at %s: %v", engineapi.ErrLoadFailed, path, err)
	}

	h := &handle{
		model:     model,
		path:      path,
		contextSz: m.ContextSize,
		batchSz:   m.BatchSize,
		gpuLayers: m.Device.GPULayers,
		useGPU:    useGPU,
	}

	e.mu.Lock()
	e.nextSeq++
	id := fmt.Sprintf("gguf-%s-%d", model, e.nextSeq)
	e.handles[id] = h
	e.mu.Unlock()
	return id, nil
}

func (e *Engine) DisposeInstance(handleID engineapi.InstanceHandle) error {
	id, ok := handleID.(string)
	if !ok {
		return fmt.Errorf("%w: unexpected handle type %T", engineapi.ErrConfigInvalid, handleID)
	}
	e.mu.Lock()
	delete(e.handles, id)
	e.mu.Unlock()
	return nil
}

func (e *Engine) Capabilities() []engineapi.TaskKind {
	return []engineapi.TaskKind{engineapi.TaskChatCompletion, engineapi.TaskTextCompletion}
}

// AutoGPU is false: a ggufstub instance only uses the GPU lease when its
// model config pins it (gpu: on), never opportunistically.
func (e *Engine) AutoGPU() bool { return false }

func (e *Engine) lookup(handleID engineapi.InstanceHandle) (*handle, error) {
	id, ok := handleID.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected handle type %T", engineapi.ErrConfigInvalid, handleID)
	}
	e.mu.Lock()
	h, ok := e.handles[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown instance handle %q", engineapi.ErrConfigInvalid, id)
	}
	return h, nil
}

func (e *Engine) ProcessChatCompletionTask(ctx context.Context, args engineapi.ChatCompletionArgs, tc engineapi.TaskContext) (engineapi.ChatCompletionResult, error) {
	h, err := e.lookup(tc.Handle)
	if err != nil {
		return engineapi.ChatCompletionResult{}, err
	}
	var last string
	for _, m := range args.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	reply := fmt.Sprintf("[%s ctx=%d gpu_layers=%d] %s", filepath.Base(h.path), h.contextSz, h.gpuLayers, strings.TrimSpace(last))
	if args.OnChunk != nil {
		args.OnChunk(engineapi.ChunkDelta{Text: reply})
	}
	return engineapi.ChatCompletionResult{
		Message:      engineapi.Message{Role: "assistant", Content: reply},
		FinishReason: engineapi.FinishEOGToken,
		Usage:        engineapi.TokenUsage{PromptTokens: len(last), CompletionTokens: len(reply), ContextTokens: h.contextSz},
	}, nil
}

func (e *Engine) ProcessTextCompletionTask(ctx context.Context, args engineapi.TextCompletionArgs, tc engineapi.TaskContext) (engineapi.TextCompletionResult, error) {
	h, err := e.lookup(tc.Handle)
	if err != nil {
		return engineapi.TextCompletionResult{}, err
	}
	text := fmt.Sprintf(" [continued by %s]", filepath.Base(h.path))
	if args.OnChunk != nil {
		args.OnChunk(engineapi.ChunkDelta{Text: text})
	}
	return engineapi.TextCompletionResult{
		Text:         text,
		FinishReason: engineapi.FinishMaxTokens,
		Usage:        engineapi.TokenUsage{PromptTokens: len(args.Prompt), CompletionTokens: len(text), ContextTokens: h.contextSz},
	}, nil
}
