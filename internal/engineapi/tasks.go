package engineapi

import "time"

// TaskKind names one of the ten task kinds a model may be configured for
// and an engine may implement a processor for.
type TaskKind string

const (
	TaskChatCompletion     TaskKind = "chat-completion"
	TaskTextCompletion     TaskKind = "text-completion"
	TaskEmbedding          TaskKind = "embedding"
	TaskImageToText        TaskKind = "image-to-text"
	TaskTextToImage        TaskKind = "text-to-image"
	TaskImageToImage       TaskKind = "image-to-image"
	TaskSpeechToText       TaskKind = "speech-to-text"
	TaskTextToSpeech       TaskKind = "text-to-speech"
	TaskObjectDetection    TaskKind = "object-detection"
	TaskTextClassification TaskKind = "text-classification"
)

// FinishReason classifies how a completion-like task ended.
type FinishReason string

const (
	FinishEOGToken      FinishReason = "eogToken"
	FinishMaxTokens     FinishReason = "maxTokens"
	FinishStopTrigger   FinishReason = "stopTrigger"
	FinishFunctionCalls FinishReason = "functionCalls"
	FinishTimeout       FinishReason = "timeout"
	FinishCancel        FinishReason = "cancel"
	FinishAbort         FinishReason = "abort"
)

// TokenUsage is the accounting attached to every completion-like result.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	ContextTokens    int
}

// ChunkDelta is delivered to a streaming completion's OnChunk callback,
// in generation order, never after the final result resolves.
type ChunkDelta struct {
	Tokens []string
	Text   string
}

// Message is one chat turn.
type Message struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
}

// ChatCompletionArgs is the argument shape for TaskChatCompletion.
type ChatCompletionArgs struct {
	Model    string
	Messages []Message
	Tools    []string

	Timeout time.Duration
	OnChunk func(ChunkDelta)
}

// ChatCompletionResult is the result shape for TaskChatCompletion.
type ChatCompletionResult struct {
	Message      Message
	FinishReason FinishReason
	Usage        TokenUsage
}

// TextCompletionArgs is the argument shape for TaskTextCompletion.
type TextCompletionArgs struct {
	Model  string
	Prompt string

	Timeout time.Duration
	OnChunk func(ChunkDelta)
}

// TextCompletionResult is the result shape for TaskTextCompletion.
type TextCompletionResult struct {
	Text         string
	FinishReason FinishReason
	Usage        TokenUsage
}

// EmbeddingArgs is the argument shape for TaskEmbedding.
type EmbeddingArgs struct {
	Model string
	Input string
}

// EmbeddingResult is the result shape for TaskEmbedding.
type EmbeddingResult struct {
	Vector []float32
}

// ImageToTextArgs is the argument shape for TaskImageToText.
type ImageToTextArgs struct {
	Model     string
	ImageData []byte
	Prompt    string
}

// ImageToTextResult is the result shape for TaskImageToText.
type ImageToTextResult struct {
	Text string
}

// TextToImageArgs is the argument shape for TaskTextToImage.
type TextToImageArgs struct {
	Model  string
	Prompt string
}

// TextToImageResult is the result shape for TaskTextToImage.
type TextToImageResult struct {
	ImageData []byte
	MimeType  string
}

// ImageToImageArgs is the argument shape for TaskImageToImage.
type ImageToImageArgs struct {
	Model     string
	ImageData []byte
	Prompt    string
}

// ImageToImageResult is the result shape for TaskImageToImage.
type ImageToImageResult struct {
	ImageData []byte
	MimeType  string
}

// SpeechToTextArgs is the argument shape for TaskSpeechToText. Like the
// completion task kinds, it is completion-like per spec §6: it accepts a
// timeout and an incremental OnChunk callback.
type SpeechToTextArgs struct {
	Model     string
	AudioData []byte

	Timeout time.Duration
	OnChunk func(ChunkDelta)
}

// SpeechToTextResult is the result shape for TaskSpeechToText.
type SpeechToTextResult struct {
	Text string
}

// TextToSpeechArgs is the argument shape for TaskTextToSpeech. Like the
// completion task kinds, it is completion-like per spec §6.
type TextToSpeechArgs struct {
	Model string
	Text  string

	Timeout time.Duration
	OnChunk func(ChunkDelta)
}

// TextToSpeechResult is the result shape for TaskTextToSpeech.
type TextToSpeechResult struct {
	AudioData []byte
	MimeType  string
}

// ObjectDetectionArgs is the argument shape for TaskObjectDetection.
type ObjectDetectionArgs struct {
	Model     string
	ImageData []byte
}

// DetectedObject is one bounding-box detection.
type DetectedObject struct {
	Label      string
	Confidence float32
	X, Y, W, H float32
}

// ObjectDetectionResult is the result shape for TaskObjectDetection.
type ObjectDetectionResult struct {
	Objects []DetectedObject
}

// TextClassificationArgs is the argument shape for TaskTextClassification.
type TextClassificationArgs struct {
	Model string
	Text  string
}

// ClassificationLabel is one scored label.
type ClassificationLabel struct {
	Label string
	Score float32
}

// TextClassificationResult is the result shape for TaskTextClassification.
type TextClassificationResult struct {
	Labels []ClassificationLabel
}
