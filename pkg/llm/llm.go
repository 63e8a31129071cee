// Package llm wraps chat completion for the reflection job. Only a
// summarization surface is exposed; when no provider is configured the
// scheduler falls back to an extractive summary.
package llm

import (
	"context"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
)

// Summarizer condenses a set of recent memories into a short reflection.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) (string, error)
}

// OpenAI implements Summarizer over the chat completions API.
type OpenAI struct {
	client *goopenai.Client
	model  string
}

// NewOpenAI builds a summarizer; model "" selects GPT4oMini.
func NewOpenAI(apiKey, model string) *OpenAI {
	if model == "" {
		model = goopenai.GPT4oMini
	}
	return &OpenAI{client: goopenai.NewClient(apiKey), model: model}
}

const reflectionPrompt = `Summarize the following notes into a single short paragraph
capturing recurring themes, stated preferences and open tasks. Answer with
the paragraph only.`

// Summarize implements Summarizer.
func (o *OpenAI) Summarize(ctx context.Context, texts []string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: o.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: reflectionPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: strings.Join(texts, "\n- ")},
		},
		MaxTokens: 256,
	})
	if err != nil {
		return "", fmt.Errorf("Summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("Summarize: empty completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Extractive is the fallback Summarizer used when no API key is
// configured. It keeps the first sentence of each input up to a budget.
type Extractive struct {
	// MaxItems caps how many inputs contribute; zero means 5.
	MaxItems int
}

// Summarize implements Summarizer.
func (e *Extractive) Summarize(_ context.Context, texts []string) (string, error) {
	max := e.MaxItems
	if max <= 0 {
		max = 5
	}
	var parts []string
	for _, t := range texts {
		if len(parts) >= max {
			break
		}
		s := firstSentence(strings.TrimSpace(t))
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " "), nil
}

func firstSentence(s string) string {
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			return s[:i+1]
		}
	}
	if len(s) > 140 {
		return s[:140]
	}
	return s
}
