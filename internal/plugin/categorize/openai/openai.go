package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chirino/openmemory-service/internal/config"
	registrycategorize "github.com/chirino/openmemory-service/internal/registry/categorize"
)

const systemPrompt = `You label short personal memory statements with categories.
Respond with a JSON object of the form {"categories": ["..."]}.
Prefer broad categories such as personal, work, health, finance, travel,
food, relationships, preferences, technology, education, hobbies.`

func init() {
	registrycategorize.Register(registrycategorize.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycategorize.Categorizer, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai categorizer: OPENMEMORY_OPENAI_API_KEY is required")
	}
	return &OpenAICategorizer{
		apiKey:  cfg.OpenAIAPIKey,
		model:   cfg.OpenAIChatModel,
		baseURL: strings.TrimRight(cfg.OpenAIBaseURL, "/"),
	}, nil
}

type OpenAICategorizer struct {
	apiKey  string
	model   string
	baseURL string
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
	Temperature    float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenAICategorizer) Categorize(ctx context.Context, content string) ([]string, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: content},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai categorize request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai categorize: read response: %w", err)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("openai categorize: parse response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai categorize error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("openai categorize: empty response")
	}

	var parsed struct {
		Categories []string `json:"categories"`
	}
	if err := json.Unmarshal([]byte(result.Choices[0].Message.Content), &parsed); err != nil {
		return nil, fmt.Errorf("openai categorize: parse categories: %w", err)
	}

	out := make([]string, 0, len(parsed.Categories))
	for _, cat := range parsed.Categories {
		cat = strings.ToLower(strings.TrimSpace(cat))
		if cat != "" {
			out = append(out, cat)
		}
	}
	return out, nil
}
