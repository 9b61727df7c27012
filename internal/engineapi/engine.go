package engineapi

import (
	"context"
	"log/slog"
)

// PrepareProgress reports download/validation progress during
// PrepareModel, for the CLI's progress display.
type PrepareProgress struct {
	Stage      string // "validating", "downloading", "parsing"
	BytesDone  int64
	BytesTotal int64 // 0 if unknown
}

// ModelMeta is the engine-returned metadata attached to a StoredModel on
// successful preparation. Fields are opaque to the core and forwarded
// verbatim to callers that ask for model info.
type ModelMeta map[string]any

// InstanceHandle is an opaque reference to one loaded runtime, returned
// by CreateInstance and passed back on every subsequent call for that
// instance.
type InstanceHandle any

// TaskContext is threaded through every processX call: the loaded
// handle, the model's configuration, a sub-logger scoped to this
// instance and task, and the completion-specific resetContext flag
// (spec §4.3).
type TaskContext struct {
	Handle InstanceHandle
	Logger *slog.Logger

	ModelID    string
	InstanceID string
	TaskID     string

	// ResetContext is true when the Model Instance determined the
	// engine's KV/context state no longer matches what the caller
	// expects and must be dropped before running this task.
	ResetContext bool
}

// Engine is the capability set every adapter must implement. Prepare,
// Create, and Dispose are mandatory; the processX methods are optional —
// an adapter that does not support a task kind simply does not implement
// it, and Capabilities() must not list it. All operations honor ctx
// cancellation.
type Engine interface {
	// PrepareModel idempotently brings a model's artifacts to a state
	// where CreateInstance can succeed from local disk. onProgress may
	// be nil.
	PrepareModel(ctx context.Context, model string, onProgress func(PrepareProgress)) (ModelMeta, error)

	// CreateInstance loads the runtime. useGPU reflects the Pool's
	// final decision and must be honored even when the model's own
	// config normally requests GPU.
	CreateInstance(ctx context.Context, model string, useGPU bool) (InstanceHandle, error)

	// DisposeInstance releases all runtime resources held by handle.
	DisposeInstance(handle InstanceHandle) error

	// Capabilities lists the task kinds this engine implements a
	// processor for. The Pool/Instance layer consults this instead of
	// attempting a call and catching ErrEngineUnsupported, so an
	// unsupported task kind never reaches the engine at all.
	Capabilities() []TaskKind

	// AutoGPU reports whether the engine can opportunistically use the
	// GPU lease when available, even for a model not pinned to GPU.
	AutoGPU() bool
}

// Starter is implemented by engines that need a one-shot initialization
// hook with references to the Pool and Store (e.g. a pipeline engine
// that recursively requests instances of other models). Ctrl is an
// engineapi.Controller so engines never import internal/pool or
// internal/modelstore directly.
type Starter interface {
	Start(ctx context.Context, ctrl Controller) error
}

// Controller is the narrow surface of the Pool and Store an engine's
// Start hook is allowed to see.
type Controller interface {
	RequestInstance(ctx context.Context, model string, task TaskKind) (any, error)
}

// ChatCompletionProcessor is implemented by engines supporting
// TaskChatCompletion.
type ChatCompletionProcessor interface {
	ProcessChatCompletionTask(ctx context.Context, args ChatCompletionArgs, tc TaskContext) (ChatCompletionResult, error)
}

// TextCompletionProcessor is implemented by engines supporting
// TaskTextCompletion.
type TextCompletionProcessor interface {
	ProcessTextCompletionTask(ctx context.Context, args TextCompletionArgs, tc TaskContext) (TextCompletionResult, error)
}

// EmbeddingProcessor is implemented by engines supporting TaskEmbedding.
type EmbeddingProcessor interface {
	ProcessEmbeddingTask(ctx context.Context, args EmbeddingArgs, tc TaskContext) (EmbeddingResult, error)
}

// ImageToTextProcessor is implemented by engines supporting
// TaskImageToText.
type ImageToTextProcessor interface {
	ProcessImageToTextTask(ctx context.Context, args ImageToTextArgs, tc TaskContext) (ImageToTextResult, error)
}

// TextToImageProcessor is implemented by engines supporting
// TaskTextToImage.
type TextToImageProcessor interface {
	ProcessTextToImageTask(ctx context.Context, args TextToImageArgs, tc TaskContext) (TextToImageResult, error)
}

// ImageToImageProcessor is implemented by engines supporting
// TaskImageToImage.
type ImageToImageProcessor interface {
	ProcessImageToImageTask(ctx context.Context, args ImageToImageArgs, tc TaskContext) (ImageToImageResult, error)
}

// SpeechToTextProcessor is implemented by engines supporting
// TaskSpeechToText.
type SpeechToTextProcessor interface {
	ProcessSpeechToTextTask(ctx context.Context, args SpeechToTextArgs, tc TaskContext) (SpeechToTextResult, error)
}

// TextToSpeechProcessor is implemented by engines supporting
// TaskTextToSpeech.
type TextToSpeechProcessor interface {
	ProcessTextToSpeechTask(ctx context.Context, args TextToSpeechArgs, tc TaskContext) (TextToSpeechResult, error)
}

// ObjectDetectionProcessor is implemented by engines supporting
// TaskObjectDetection.
type ObjectDetectionProcessor interface {
	ProcessObjectDetectionTask(ctx context.Context, args ObjectDetectionArgs, tc TaskContext) (ObjectDetectionResult, error)
}

// TextClassificationProcessor is implemented by engines supporting
// TaskTextClassification.
type TextClassificationProcessor interface {
	ProcessTextClassificationTask(ctx context.Context, args TextClassificationArgs, tc TaskContext) (TextClassificationResult, error)
}

// Supports reports whether eng declares cap in its capability table.
func Supports(eng Engine, cap TaskKind) bool {
	for _, c := range eng.Capabilities() {
		if c == cap {
			return true
		}
	}
	return false
}
