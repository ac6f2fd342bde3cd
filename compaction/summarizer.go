package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// Summarizer produces a summary of a flat conversation transcript with one
// blocking request. The interface exists so the compactor can be exercised
// without a live completion service.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// AnthropicSummarizer implements Summarizer on the Anthropic streaming
// API, accumulating the stream into a single message. The request is
// independent of the main conversation context.
type AnthropicSummarizer struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicSummarizer creates a summarizer for the given client and model.
func NewAnthropicSummarizer(client *anthropic.Client, model string, maxTokens int64) *AnthropicSummarizer {
	return &AnthropicSummarizer{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Summarize sends the transcript and returns the summary text.
func (s *AnthropicSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	stream := s.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: SummarizationSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildSummarizationUserPrompt(transcript))),
		},
	})

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return "", fmt.Errorf("%w: accumulating stream: %v", ErrSummarizationFailed, err)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}

	var summary strings.Builder
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			summary.WriteString(text.Text)
		}
	}
	return summary.String(), nil
}
