package answer

import (
	"context"
	"fmt"
	"strings"

	"github.com/knowgraph/knowgraph/helper"
	"github.com/knowgraph/knowgraph/model"
	openai "github.com/sashabaranov/go-openai"
)

// Generator produces a natural-language answer grounded in retrieved chunks.
type Generator interface {
	Generate(ctx context.Context, query string, results []*model.RetrievalResult) (string, error)
}

const systemPrompt = `You answer questions using only the numbered context excerpts provided.
Cite excerpts by number, like [1]. If the context does not contain the answer, say so.`

// OpenAIGenerator generates answers with an OpenAI chat model.
type OpenAIGenerator struct {
	client    *openai.Client
	chatModel string
}

// NewOpenAIGenerator creates a generator backed by the OpenAI chat API. An
// empty chat model defaults to GPT-4o mini.
func NewOpenAIGenerator(apiKey string, chatModel string) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, helper.NewError("generator validation", fmt.Errorf("api key must not be empty"))
	}
	if chatModel == "" {
		chatModel = openai.GPT4oMini
	}

	return &OpenAIGenerator{
		client:    openai.NewClient(apiKey),
		chatModel: chatModel,
	}, nil
}

// Generate asks the chat model the query with the retrieved chunks as
// context.
func (g *OpenAIGenerator) Generate(ctx context.Context, query string, results []*model.RetrievalResult) (string, error) {
	response, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(query, results)},
		},
	})
	if err != nil {
		return "", helper.NewError("chat completion", err)
	}
	if len(response.Choices) == 0 {
		return "", helper.NewError("chat completion", fmt.Errorf("response contained no choices"))
	}

	return response.Choices[0].Message.Content, nil
}

// buildPrompt renders the retrieved chunks as numbered excerpts followed by
// the question.
func buildPrompt(query string, results []*model.RetrievalResult) string {
	var b strings.Builder
	if len(results) == 0 {
		b.WriteString("Context: no relevant excerpts were found.\n")
	} else {
		b.WriteString("Context:\n")
		for i, result := range results {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, strings.TrimSpace(result.Chunk.Content))
		}
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}
