package inferd

import (
	"context"

	"github.com/basket/inferd/internal/engineapi"
	"github.com/basket/inferd/internal/pool"
)

// acquire resolves model's config, validates it against kind, and
// blocks in the Pool's FIFO queue until a lease is granted, ctx is
// cancelled, or the pool is disposed. req carries whatever
// context-match hint (chat messages / text prompt) applies to kind;
// every other task kind leaves it zero.
func (s *Server) acquire(ctx context.Context, model string, kind engineapi.TaskKind, req pool.Request) (*pool.Lease, error) {
	if _, err := s.modelForTask(model, kind); err != nil {
		return nil, err
	}
	req.Model = model
	req.Task = kind
	return s.pool.RequestInstance(ctx, req)
}

// ProcessChatCompletionTask implements spec §4.5: acquire, dispatch,
// release.
func (s *Server) ProcessChatCompletionTask(ctx context.Context, args engineapi.ChatCompletionArgs) (engineapi.ChatCompletionResult, error) {
	lease, err := s.acquire(ctx, args.Model, engineapi.TaskChatCompletion, pool.Request{ChatMessages: args.Messages})
	if err != nil {
		return engineapi.ChatCompletionResult{}, err
	}
	defer lease.Release()
	return lease.Instance.ProcessChatCompletionTask(ctx, args)
}

func (s *Server) ProcessTextCompletionTask(ctx context.Context, args engineapi.TextCompletionArgs) (engineapi.TextCompletionResult, error) {
	lease, err := s.acquire(ctx, args.Model, engineapi.TaskTextCompletion, pool.Request{TextPrompt: args.Prompt})
	if err != nil {
		return engineapi.TextCompletionResult{}, err
	}
	defer lease.Release()
	return lease.Instance.ProcessTextCompletionTask(ctx, args)
}

func (s *Server) ProcessEmbeddingTask(ctx context.Context, args engineapi.EmbeddingArgs) (engineapi.EmbeddingResult, error) {
	lease, err := s.acquire(ctx, args.Model, engineapi.TaskEmbedding, pool.Request{})
	if err != nil {
		return engineapi.EmbeddingResult{}, err
	}
	defer lease.Release()
	return lease.Instance.ProcessEmbeddingTask(ctx, args)
}

func (s *Server) ProcessImageToTextTask(ctx context.Context, args engineapi.ImageToTextArgs) (engineapi.ImageToTextResult, error) {
	lease, err := s.acquire(ctx, args.Model, engineapi.TaskImageToText, pool.Request{})
	if err != nil {
		return engineapi.ImageToTextResult{}, err
	}
	defer lease.Release()
	return lease.Instance.ProcessImageToTextTask(ctx, args)
}

func (s *Server) ProcessTextToImageTask(ctx context.Context, args engineapi.TextToImageArgs) (engineapi.TextToImageResult, error) {
	lease, err := s.acquire(ctx, args.Model, engineapi.TaskTextToImage, pool.Request{})
	if err != nil {
		return engineapi.TextToImageResult{}, err
	}
	defer lease.Release()
	return lease.Instance.ProcessTextToImageTask(ctx, args)
}

func (s *Server) ProcessImageToImageTask(ctx context.Context, args engineapi.ImageToImageArgs) (engineapi.ImageToImageResult, error) {
	lease, err := s.acquire(ctx, args.Model, engineapi.TaskImageToImage, pool.Request{})
	if err != nil {
		return engineapi.ImageToImageResult{}, err
	}
	defer lease.Release()
	return lease.Instance.ProcessImageToImageTask(ctx, args)
}

func (s *Server) ProcessSpeechToTextTask(ctx context.Context, args engineapi.SpeechToTextArgs) (engineapi.SpeechToTextResult, error) {
	lease, err := s.acquire(ctx, args.Model, engineapi.TaskSpeechToText, pool.Request{})
	if err != nil {
		return engineapi.SpeechToTextResult{}, err
	}
	defer lease.Release()
	return lease.Instance.ProcessSpeechToTextTask(ctx, args)
}

func (s *Server) ProcessTextToSpeechTask(ctx context.Context, args engineapi.TextToSpeechArgs) (engineapi.TextToSpeechResult, error) {
	lease, err := s.acquire(ctx, args.Model, engineapi.TaskTextToSpeech, pool.Request{})
	if err != nil {
		return engineapi.TextToSpeechResult{}, err
	}
	defer lease.Release()
	return lease.Instance.ProcessTextToSpeechTask(ctx, args)
}

func (s *Server) ProcessObjectDetectionTask(ctx context.Context, args engineapi.ObjectDetectionArgs) (engineapi.ObjectDetectionResult, error) {
	lease, err := s.acquire(ctx, args.Model, engineapi.TaskObjectDetection, pool.Request{})
	if err != nil {
		return engineapi.ObjectDetectionResult{}, err
	}
	defer lease.Release()
	return lease.Instance.ProcessObjectDetectionTask(ctx, args)
}

func (s *Server) ProcessTextClassificationTask(ctx context.Context, args engineapi.TextClassificationArgs) (engineapi.TextClassificationResult, error) {
	lease, err := s.acquire(ctx, args.Model, engineapi.TaskTextClassification, pool.Request{})
	if err != nil {
		return engineapi.TextClassificationResult{}, err
	}
	defer lease.Release()
	return lease.Instance.ProcessTextClassificationTask(ctx, args)
}
