package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/inferd/internal/engineapi"
	"github.com/basket/inferd/internal/shared"
)

// newTaskID mints a task id and stamps ctx with it and the instance's
// model id, so downstream logging/errors can correlate back to this
// dispatch without threading extra arguments through every call site.
func (i *Instance) newTaskID(ctx context.Context) (context.Context, string) {
	taskID := shared.NewTaskID(i.ID)
	ctx = shared.WithTaskID(ctx, taskID)
	ctx = shared.WithModelID(ctx, i.ModelID)
	return ctx, taskID
}

// ProcessChatCompletionTask runs a chat completion task to completion,
// implementing the common dispatch contract (spec §4.3) plus the
// completion-specific context-identity update. ctx carries the caller's
// own cancellation; args.Timeout, if positive, bounds the task
// independently.
func (i *Instance) ProcessChatCompletionTask(ctx context.Context, args engineapi.ChatCompletionArgs) (engineapi.ChatCompletionResult, error) {
	proc, ok := i.engine.(engineapi.ChatCompletionProcessor)
	if !ok || !engineapi.Supports(i.engine, engineapi.TaskChatCompletion) {
		return engineapi.ChatCompletionResult{}, fmt.Errorf("%w: chat-completion", engineapi.ErrEngineUnsupported)
	}
	if len(args.Messages) == 0 {
		return engineapi.ChatCompletionResult{}, fmt.Errorf("%w: messages must not be empty", engineapi.ErrInputInvalid)
	}

	ctx, taskID := i.newTaskID(ctx)
	ctrl := newController(ctx, args.Timeout)
	defer ctrl.Stop()

	i.touch()
	resetContext := i.consumeNeedsReset()
	tc := i.taskContext(taskID, resetContext)

	result, err := proc.ProcessChatCompletionTask(ctrl.Ctx(), args, tc)
	if err != nil {
		if reason, aborted := ctrl.FinishReason(); aborted {
			i.publishFinishReason(taskID, reason)
			return engineapi.ChatCompletionResult{FinishReason: reason}, nil
		}
		return engineapi.ChatCompletionResult{}, fmt.Errorf("instance %s task %s: %w", i.ID, taskID, err)
	}

	if reason, aborted := ctrl.FinishReason(); aborted {
		result.FinishReason = reason
	}
	i.updateChatContextIdentity(args.Messages, result)
	i.publishTokens(taskID, result.Usage)
	i.publishFinishReason(taskID, result.FinishReason)
	return result, nil
}

// updateChatContextIdentity implements spec §4.3's "on successful task
// completion, contextIdentity is updated deterministically from the
// task's inputs + outputs": the new digest is computed over the request
// messages plus the assistant's reply, without dropping the final user
// message (that option is only for matching an *incoming* request).
func (i *Instance) updateChatContextIdentity(requestMessages []engineapi.Message, result engineapi.ChatCompletionResult) {
	full := make([]engineapi.Message, 0, len(requestMessages)+1)
	full = append(full, requestMessages...)
	if result.Message.Content != "" {
		full = append(full, result.Message)
	}
	digest := DigestChatMessages(full, ChatDigestOptions{})
	i.mu.Lock()
	i.contextIdentity = digest
	i.mu.Unlock()
}

// ProcessTextCompletionTask runs a text completion task. The context
// identity is the verbatim concatenation of prompt and generated text
// (spec §4.3), not a hash.
func (i *Instance) ProcessTextCompletionTask(ctx context.Context, args engineapi.TextCompletionArgs) (engineapi.TextCompletionResult, error) {
	proc, ok := i.engine.(engineapi.TextCompletionProcessor)
	if !ok || !engineapi.Supports(i.engine, engineapi.TaskTextCompletion) {
		return engineapi.TextCompletionResult{}, fmt.Errorf("%w: text-completion", engineapi.ErrEngineUnsupported)
	}
	if args.Prompt == "" {
		return engineapi.TextCompletionResult{}, fmt.Errorf("%w: prompt must not be empty", engineapi.ErrInputInvalid)
	}

	ctx, taskID := i.newTaskID(ctx)
	ctrl := newController(ctx, args.Timeout)
	defer ctrl.Stop()

	i.touch()
	resetContext := i.consumeNeedsReset()
	tc := i.taskContext(taskID, resetContext)

	result, err := proc.ProcessTextCompletionTask(ctrl.Ctx(), args, tc)
	if err != nil {
		if reason, aborted := ctrl.FinishReason(); aborted {
			i.publishFinishReason(taskID, reason)
			return engineapi.TextCompletionResult{FinishReason: reason}, nil
		}
		return engineapi.TextCompletionResult{}, fmt.Errorf("instance %s task %s: %w", i.ID, taskID, err)
	}

	if reason, aborted := ctrl.FinishReason(); aborted {
		result.FinishReason = reason
	}
	i.mu.Lock()
	i.contextIdentity = args.Prompt + result.Text
	i.mu.Unlock()
	i.publishTokens(taskID, result.Usage)
	i.publishFinishReason(taskID, result.FinishReason)
	return result, nil
}

// ProcessEmbeddingTask runs an embedding task. Embeddings carry no
// context identity or resetContext concept (spec §4.3: "non-completion
// tasks follow the same skeleton minus context tracking").
func (i *Instance) ProcessEmbeddingTask(ctx context.Context, args engineapi.EmbeddingArgs) (engineapi.EmbeddingResult, error) {
	proc, ok := i.engine.(engineapi.EmbeddingProcessor)
	if !ok || !engineapi.Supports(i.engine, engineapi.TaskEmbedding) {
		return engineapi.EmbeddingResult{}, fmt.Errorf("%w: embedding", engineapi.ErrEngineUnsupported)
	}
	if args.Input == "" {
		return engineapi.EmbeddingResult{}, fmt.Errorf("%w: input must not be empty", engineapi.ErrInputInvalid)
	}
	return dispatchNonCompletion(i, ctx, 0, func(ctx context.Context, tc engineapi.TaskContext) (engineapi.EmbeddingResult, error) {
		return proc.ProcessEmbeddingTask(ctx, args, tc)
	})
}

// ProcessImageToTextTask runs an image-to-text (captioning) task.
func (i *Instance) ProcessImageToTextTask(ctx context.Context, args engineapi.ImageToTextArgs) (engineapi.ImageToTextResult, error) {
	proc, ok := i.engine.(engineapi.ImageToTextProcessor)
	if !ok || !engineapi.Supports(i.engine, engineapi.TaskImageToText) {
		return engineapi.ImageToTextResult{}, fmt.Errorf("%w: image-to-text", engineapi.ErrEngineUnsupported)
	}
	if len(args.ImageData) == 0 {
		return engineapi.ImageToTextResult{}, fmt.Errorf("%w: image data must not be empty", engineapi.ErrInputInvalid)
	}
	return dispatchNonCompletion(i, ctx, 0, func(ctx context.Context, tc engineapi.TaskContext) (engineapi.ImageToTextResult, error) {
		return proc.ProcessImageToTextTask(ctx, args, tc)
	})
}

// ProcessTextToImageTask runs a text-to-image generation task.
func (i *Instance) ProcessTextToImageTask(ctx context.Context, args engineapi.TextToImageArgs) (engineapi.TextToImageResult, error) {
	proc, ok := i.engine.(engineapi.TextToImageProcessor)
	if !ok || !engineapi.Supports(i.engine, engineapi.TaskTextToImage) {
		return engineapi.TextToImageResult{}, fmt.Errorf("%w: text-to-image", engineapi.ErrEngineUnsupported)
	}
	if args.Prompt == "" {
		return engineapi.TextToImageResult{}, fmt.Errorf("%w: prompt must not be empty", engineapi.ErrInputInvalid)
	}
	return dispatchNonCompletion(i, ctx, 0, func(ctx context.Context, tc engineapi.TaskContext) (engineapi.TextToImageResult, error) {
		return proc.ProcessTextToImageTask(ctx, args, tc)
	})
}

// ProcessImageToImageTask runs an image-to-image task.
func (i *Instance) ProcessImageToImageTask(ctx context.Context, args engineapi.ImageToImageArgs) (engineapi.ImageToImageResult, error) {
	proc, ok := i.engine.(engineapi.ImageToImageProcessor)
	if !ok || !engineapi.Supports(i.engine, engineapi.TaskImageToImage) {
		return engineapi.ImageToImageResult{}, fmt.Errorf("%w: image-to-image", engineapi.ErrEngineUnsupported)
	}
	if len(args.ImageData) == 0 {
		return engineapi.ImageToImageResult{}, fmt.Errorf("%w: image data must not be empty", engineapi.ErrInputInvalid)
	}
	return dispatchNonCompletion(i, ctx, 0, func(ctx context.Context, tc engineapi.TaskContext) (engineapi.ImageToImageResult, error) {
		return proc.ProcessImageToImageTask(ctx, args, tc)
	})
}

// ProcessSpeechToTextTask runs a speech-to-text (transcription) task.
func (i *Instance) ProcessSpeechToTextTask(ctx context.Context, args engineapi.SpeechToTextArgs) (engineapi.SpeechToTextResult, error) {
	proc, ok := i.engine.(engineapi.SpeechToTextProcessor)
	if !ok || !engineapi.Supports(i.engine, engineapi.TaskSpeechToText) {
		return engineapi.SpeechToTextResult{}, fmt.Errorf("%w: speech-to-text", engineapi.ErrEngineUnsupported)
	}
	if len(args.AudioData) == 0 {
		return engineapi.SpeechToTextResult{}, fmt.Errorf("%w: audio data must not be empty", engineapi.ErrInputInvalid)
	}
	return dispatchNonCompletion(i, ctx, args.Timeout, func(ctx context.Context, tc engineapi.TaskContext) (engineapi.SpeechToTextResult, error) {
		return proc.ProcessSpeechToTextTask(ctx, args, tc)
	})
}

// ProcessTextToSpeechTask runs a text-to-speech (synthesis) task.
func (i *Instance) ProcessTextToSpeechTask(ctx context.Context, args engineapi.TextToSpeechArgs) (engineapi.TextToSpeechResult, error) {
	proc, ok := i.engine.(engineapi.TextToSpeechProcessor)
	if !ok || !engineapi.Supports(i.engine, engineapi.TaskTextToSpeech) {
		return engineapi.TextToSpeechResult{}, fmt.Errorf("%w: text-to-speech", engineapi.ErrEngineUnsupported)
	}
	if args.Text == "" {
		return engineapi.TextToSpeechResult{}, fmt.Errorf("%w: text must not be empty", engineapi.ErrInputInvalid)
	}
	return dispatchNonCompletion(i, ctx, args.Timeout, func(ctx context.Context, tc engineapi.TaskContext) (engineapi.TextToSpeechResult, error) {
		return proc.ProcessTextToSpeechTask(ctx, args, tc)
	})
}

// ProcessObjectDetectionTask runs an object detection task.
func (i *Instance) ProcessObjectDetectionTask(ctx context.Context, args engineapi.ObjectDetectionArgs) (engineapi.ObjectDetectionResult, error) {
	proc, ok := i.engine.(engineapi.ObjectDetectionProcessor)
	if !ok || !engineapi.Supports(i.engine, engineapi.TaskObjectDetection) {
		return engineapi.ObjectDetectionResult{}, fmt.Errorf("%w: object-detection", engineapi.ErrEngineUnsupported)
	}
	if len(args.ImageData) == 0 {
		return engineapi.ObjectDetectionResult{}, fmt.Errorf("%w: image data must not be empty", engineapi.ErrInputInvalid)
	}
	return dispatchNonCompletion(i, ctx, 0, func(ctx context.Context, tc engineapi.TaskContext) (engineapi.ObjectDetectionResult, error) {
		return proc.ProcessObjectDetectionTask(ctx, args, tc)
	})
}

// ProcessTextClassificationTask runs a text classification task.
func (i *Instance) ProcessTextClassificationTask(ctx context.Context, args engineapi.TextClassificationArgs) (engineapi.TextClassificationResult, error) {
	proc, ok := i.engine.(engineapi.TextClassificationProcessor)
	if !ok || !engineapi.Supports(i.engine, engineapi.TaskTextClassification) {
		return engineapi.TextClassificationResult{}, fmt.Errorf("%w: text-classification", engineapi.ErrEngineUnsupported)
	}
	if args.Text == "" {
		return engineapi.TextClassificationResult{}, fmt.Errorf("%w: text must not be empty", engineapi.ErrInputInvalid)
	}
	return dispatchNonCompletion(i, ctx, 0, func(ctx context.Context, tc engineapi.TaskContext) (engineapi.TextClassificationResult, error) {
		return proc.ProcessTextClassificationTask(ctx, args, tc)
	})
}

// dispatchNonCompletion is the shared skeleton for the eight non-completion
// task kinds: no context-identity tracking, no resetContext, no
// FinishReason rewrite (spec §4.3: "non-completion tasks follow the same
// skeleton minus context tracking and minus resetContext"). On an abort
// (caller cancel or, if ever configured, timeout) it returns the zero
// result and propagates ErrCancelled/ErrTimedOut rather than resolving
// silently, since these task kinds have no FinishReason field to record
// the outcome in.
func dispatchNonCompletion[R any](i *Instance, ctx context.Context, timeout time.Duration, run func(context.Context, engineapi.TaskContext) (R, error)) (R, error) {
	var zero R
	ctx, taskID := i.newTaskID(ctx)
	ctrl := newController(ctx, timeout)
	defer ctrl.Stop()

	i.touch()
	tc := i.taskContext(taskID, false)

	result, err := run(ctrl.Ctx(), tc)
	if err != nil {
		if reason, aborted := ctrl.FinishReason(); aborted {
			abortErr := engineapi.ErrCancelled
			if reason == engineapi.FinishTimeout {
				abortErr = engineapi.ErrTimedOut
			}
			return zero, fmt.Errorf("instance %s task %s: %w", i.ID, taskID, abortErr)
		}
		return zero, fmt.Errorf("instance %s task %s: %w", i.ID, taskID, err)
	}
	return result, nil
}
