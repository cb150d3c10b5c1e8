package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// DefaultHuggingFaceModel is used when a provider does not name a model.
const DefaultHuggingFaceModel = "meta-llama/Meta-Llama-3-8B-Instruct"

// HuggingFaceConfig configures the Hugging Face adapter.
type HuggingFaceConfig struct {
	HTTPConfig
	// ChatURL is the OpenAI-compatible router base.
	ChatURL string
	// InferenceURL hosts task endpoints under /models/{model}.
	InferenceURL string
}

// HuggingFace calls chat completion, text classification and text-to-image tasks.
type HuggingFace struct {
	chatURL      string
	inferenceURL string
	http         transport
}

// NewHuggingFace constructs the adapter.
func NewHuggingFace(cfg HuggingFaceConfig) *HuggingFace {
	chat := strings.TrimRight(strings.TrimSpace(cfg.ChatURL), "/")
	if chat == "" {
		chat = "https://router.huggingface.co/v1"
	}
	inference := strings.TrimRight(strings.TrimSpace(cfg.InferenceURL), "/")
	if inference == "" {
		inference = "https://api-inference.huggingface.co"
	}
	return &HuggingFace{chatURL: chat, inferenceURL: inference, http: newTransport(KindHuggingFace, cfg.HTTPConfig)}
}

// Invoke selects the task from the model name.
func (a *HuggingFace) Invoke(ctx context.Context, input string, cfg ModelConfig) (Output, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultHuggingFaceModel
	}
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "stable-diffusion") || strings.Contains(name, "flux"):
		return a.textToImage(ctx, input, model)
	case strings.Contains(name, "sentiment") || strings.Contains(name, "distilbert"):
		return a.classify(ctx, input, model)
	}
	prompt := cfg.SystemPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultOpenAIPrompt
	}
	text, err := a.http.chat(ctx, a.chatURL+"/chat/completions", chatRequest{
		Model:       model,
		Messages:    chatMessages(prompt, input),
		Temperature: 0.7,
		MaxTokens:   500,
	})
	if err != nil {
		return Output{}, err
	}
	return TextOutput(text), nil
}

type taskRequest struct {
	Inputs string `json:"inputs"`
}

type classification struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

func (a *HuggingFace) modelURL(model string) string {
	segments := strings.Split(model, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return a.inferenceURL + "/models/" + strings.Join(segments, "/")
}

func (a *HuggingFace) classify(ctx context.Context, input, model string) (Output, error) {
	data, err := a.http.do(ctx, a.modelURL(model), taskRequest{Inputs: input})
	if err != nil {
		return Output{}, err
	}
	results, err := decodeClassifications(data)
	if err != nil {
		return Output{}, fmt.Errorf("huggingface: decode classification: %w", err)
	}
	if len(results) == 0 {
		return TextOutput(strings.TrimSpace(string(data))), nil
	}
	var b strings.Builder
	b.WriteString("Sentiment Analysis Results:\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s: %.2f%%\n", i+1, r.Label, r.Score*100)
	}
	return TextOutput(b.String()), nil
}

// decodeClassifications accepts both the flat and the batched response shapes.
func decodeClassifications(data []byte) ([]classification, error) {
	var nested [][]classification
	if err := json.Unmarshal(data, &nested); err == nil {
		if len(nested) == 0 {
			return nil, nil
		}
		return nested[0], nil
	}
	var flat []classification
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, err
	}
	return flat, nil
}

func (a *HuggingFace) textToImage(ctx context.Context, prompt, model string) (Output, error) {
	data, err := a.http.do(ctx, a.modelURL(model), taskRequest{Inputs: prompt})
	if err != nil {
		return Output{}, err
	}
	if len(data) == 0 {
		return Output{}, fmt.Errorf("huggingface: empty image response")
	}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
	return MediaOutput(Media{Type: "image", Prompt: prompt, Model: model, URL: dataURL}), nil
}
