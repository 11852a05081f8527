package llm

import (
	"context"
	"errors"

	"google.golang.org/genai"
)

// callGemini handles provider = "gemini" via the genai SDK. The system
// prompt is folded into the user content; the OpenAI-compatible path sends
// it as a separate system message instead.
func (c *Client) callGemini(ctx context.Context, cfg CallConfig, userText string, shouldStop func() bool) (string, error) {
	if cfg.Model == "" {
		return "", newNetError("LLM model is empty")
	}
	if shouldStop != nil && shouldStop() {
		return "", newError(StatusCancelled, "cancelled before LLM request")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", newNetError("failed to create Gemini client: %v", err)
	}

	temp := float32(cfg.Temperature)
	config := &genai.GenerateContentConfig{Temperature: &temp}

	contents := genai.Text(cfg.SystemPrompt + "\n\n" + userText)
	result, err := client.Models.GenerateContent(ctx, cfg.Model, contents, config)
	if err != nil {
		if shouldStop != nil && shouldStop() {
			return "", newError(StatusCancelled, "cancelled during LLM request")
		}
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code != 0 {
			return "", newError(apiErr.Code, "Gemini API error: %v", err)
		}
		return "", newNetError("Gemini request failed: %v", err)
	}

	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", newNetError("no content generated")
	}

	text := ""
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	return text, nil
}
