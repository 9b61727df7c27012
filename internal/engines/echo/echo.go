// Package echo implements a zero-dependency engine adapter: it loads
// instantly, never touches the filesystem or network, and answers every
// task kind deterministically. It is the server's safe default and the
// adapter the internal/inferd tests run against, modeled on the teacher's
// EchoProcessor (internal/engine/engine.go) — a minimal processor that
// exists so the surrounding machinery is exercisable without a real
// backend.
package echo

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/inferd/internal/engineapi"
)

// Engine is the echo adapter. It carries no state; every instance shares
// the same zero value.
type Engine struct{}

// New constructs an echo Engine.
func New() *Engine { return &Engine{} }

func (e *Engine) PrepareModel(ctx context.Context, model string, onProgress func(engineapi.PrepareProgress)) (engineapi.ModelMeta, error) {
	if onProgress != nil {
		onProgress(engineapi.PrepareProgress{Stage: "validating", BytesDone: 1, BytesTotal: 1})
	}
	return engineapi.ModelMeta{"engine": "echo"}, nil
}

func (e *Engine) CreateInstance(ctx context.Context, model string, useGPU bool) (engineapi.InstanceHandle, error) {
	return "echo:" + model, nil
}

func (e *Engine) DisposeInstance(handle engineapi.InstanceHandle) error { return nil }

func (e *Engine) Capabilities() []engineapi.TaskKind {
	return []engineapi.TaskKind{
		engineapi.TaskChatCompletion,
		engineapi.TaskTextCompletion,
		engineapi.TaskEmbedding,
		engineapi.TaskImageToText,
		engineapi.TaskTextToImage,
		engineapi.TaskImageToImage,
		engineapi.TaskSpeechToText,
		engineapi.TaskTextToSpeech,
		engineapi.TaskObjectDetection,
		engineapi.TaskTextClassification,
	}
}

func (e *Engine) AutoGPU() bool { return false }

func (e *Engine) ProcessChatCompletionTask(ctx context.Context, args engineapi.ChatCompletionArgs, tc engineapi.TaskContext) (engineapi.ChatCompletionResult, error) {
	var last engineapi.Message
	for _, m := range args.Messages {
		if m.Role == "user" {
			last = m
		}
	}
	reply := "echo: " + last.Content
	if args.OnChunk != nil {
		args.OnChunk(engineapi.ChunkDelta{Tokens: strings.Fields(reply), Text: reply})
	}
	return engineapi.ChatCompletionResult{
		Message:      engineapi.Message{Role: "assistant", Content: reply},
		FinishReason: engineapi.FinishEOGToken,
		Usage:        engineapi.TokenUsage{PromptTokens: len(last.Content), CompletionTokens: len(reply)},
	}, nil
}

func (e *Engine) ProcessTextCompletionTask(ctx context.Context, args engineapi.TextCompletionArgs, tc engineapi.TaskContext) (engineapi.TextCompletionResult, error) {
	text := " " + args.Prompt
	if args.OnChunk != nil {
		args.OnChunk(engineapi.ChunkDelta{Text: text})
	}
	return engineapi.TextCompletionResult{
		Text:         text,
		FinishReason: engineapi.FinishEOGToken,
		Usage:        engineapi.TokenUsage{PromptTokens: len(args.Prompt), CompletionTokens: len(text)},
	}, nil
}

func (e *Engine) ProcessEmbeddingTask(ctx context.Context, args engineapi.EmbeddingArgs, tc engineapi.TaskContext) (engineapi.EmbeddingResult, error) {
	return engineapi.EmbeddingResult{Vector: hashEmbed(args.Input, 8)}, nil
}

func (e *Engine) ProcessImageToTextTask(ctx context.Context, args engineapi.ImageToTextArgs, tc engineapi.TaskContext) (engineapi.ImageToTextResult, error) {
	return engineapi.ImageToTextResult{Text: fmt.Sprintf("echo: image of %d bytes", len(args.ImageData))}, nil
}

func (e *Engine) ProcessTextToImageTask(ctx context.Context, args engineapi.TextToImageArgs, tc engineapi.TaskContext) (engineapi.TextToImageResult, error) {
	return engineapi.TextToImageResult{ImageData: []byte(args.Prompt), MimeType: "text/plain"}, nil
}

func (e *Engine) ProcessImageToImageTask(ctx context.Context, args engineapi.ImageToImageArgs, tc engineapi.TaskContext) (engineapi.ImageToImageResult, error) {
	return engineapi.ImageToImageResult{ImageData: args.ImageData, MimeType: "application/octet-stream"}, nil
}

func (e *Engine) ProcessSpeechToTextTask(ctx context.Context, args engineapi.SpeechToTextArgs, tc engineapi.TaskContext) (engineapi.SpeechToTextResult, error) {
	return engineapi.SpeechToTextResult{Text: fmt.Sprintf("echo: audio of %d bytes", len(args.AudioData))}, nil
}

func (e *Engine) ProcessTextToSpeechTask(ctx context.Context, args engineapi.TextToSpeechArgs, tc engineapi.TaskContext) (engineapi.TextToSpeechResult, error) {
	return engineapi.TextToSpeechResult{AudioData: []byte(args.Text), MimeType: "text/plain"}, nil
}

func (e *Engine) ProcessObjectDetectionTask(ctx context.Context, args engineapi.ObjectDetectionArgs, tc engineapi.TaskContext) (engineapi.ObjectDetectionResult, error) {
	if len(args.ImageData) == 0 {
		return engineapi.ObjectDetectionResult{}, nil
	}
	return engineapi.ObjectDetectionResult{Objects: []engineapi.DetectedObject{
		{Label: "object", Confidence: 1, X: 0, Y: 0, W: 1, H: 1},
	}}, nil
}

func (e *Engine) ProcessTextClassificationTask(ctx context.Context, args engineapi.TextClassificationArgs, tc engineapi.TaskContext) (engineapi.TextClassificationResult, error) {
	label := "neutral"
	lower := strings.ToLower(args.Text)
	switch {
	case strings.Contains(lower, "great") || strings.Contains(lower, "love"):
		label = "positive"
	case strings.Contains(lower, "bad") || strings.Contains(lower, "hate"):
		label = "negative"
	}
	return engineapi.TextClassificationResult{Labels: []engineapi.ClassificationLabel{{Label: label, Score: 1}}}, nil
}

// hashEmbed produces a deterministic fixed-width vector from input so
// embedding-similarity tests have something stable to compare against.
func hashEmbed(input string, dims int) []float32 {
	out := make([]float32, dims)
	for i, r := range input {
		out[i%dims] += float32(r)
	}
	return out
}
