package participant

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// Token pricing per 1K tokens, used to attribute a cost to every reply. The
// figures track the default model tier; exact billing reconciliation is out
// of scope, the counters only need to be monotonic and proportional.
const (
	promptCostPer1K     = 0.00015
	completionCostPer1K = 0.0006
)

// OpenAIParticipant is a roster member backed by a chat-completion model. The
// role string becomes the system prompt so each roster seat answers in
// character.
type OpenAIParticipant struct {
	client *openai.Client
	name   string
	role   string
	model  string
}

func NewOpenAIParticipant(client *openai.Client, name, role, model string) *OpenAIParticipant {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIParticipant{client: client, name: name, role: role, model: model}
}

func (p *OpenAIParticipant) Name() string { return p.name }

func (p *OpenAIParticipant) Ask(ctx context.Context, prompt string) (string, float64, error) {
	system := fmt.Sprintf("You are %s. %s Always reply with a single JSON object.", p.name, p.role)
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", 0, fmt.Errorf("chat completion: %w", err)
	}
	cost := float64(resp.Usage.PromptTokens)/1000*promptCostPer1K +
		float64(resp.Usage.CompletionTokens)/1000*completionCostPer1K
	if len(resp.Choices) == 0 {
		return "", cost, fmt.Errorf("chat completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, cost, nil
}
