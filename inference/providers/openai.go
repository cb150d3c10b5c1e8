package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultOpenAIModel is used when a provider does not name a model.
const DefaultOpenAIModel = "gpt-4o"

const defaultOpenAIPrompt = "You are a helpful, creative, and intelligent AI assistant. Provide detailed, accurate, and well-structured responses."

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	HTTPConfig
	BaseURL string
}

// OpenAI calls the chat completions and image generation endpoints.
type OpenAI struct {
	baseURL string
	http    transport
}

// NewOpenAI constructs the adapter.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	return &OpenAI{baseURL: base, http: newTransport(KindOpenAI, cfg.HTTPConfig)}
}

// Invoke routes dall-e models to image generation and everything else to chat.
func (a *OpenAI) Invoke(ctx context.Context, input string, cfg ModelConfig) (Output, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultOpenAIModel
	}
	if strings.Contains(model, "dall-e") {
		return a.generateImage(ctx, input, model)
	}
	prompt := cfg.SystemPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultOpenAIPrompt
	}
	text, err := a.http.chat(ctx, a.baseURL+"/v1/chat/completions", chatRequest{
		Model:       model,
		Messages:    chatMessages(prompt, input),
		Temperature: 0.7,
		MaxTokens:   2000,
	})
	if err != nil {
		return Output{}, err
	}
	return TextOutput(text), nil
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

func (a *OpenAI) generateImage(ctx context.Context, prompt, model string) (Output, error) {
	size := "512x512"
	if model == "dall-e-3" {
		size = "1024x1024"
	}
	data, err := a.http.do(ctx, a.baseURL+"/v1/images/generations", imageRequest{Model: model, Prompt: prompt, N: 1, Size: size})
	if err != nil {
		return Output{}, err
	}
	var resp imageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Output{}, fmt.Errorf("openai: decode image response: %w", err)
	}
	if len(resp.Data) == 0 || strings.TrimSpace(resp.Data[0].URL) == "" {
		return Output{}, fmt.Errorf("openai: no image url returned")
	}
	return MediaOutput(Media{Type: "image", Prompt: prompt, Model: model, URL: resp.Data[0].URL}), nil
}
