package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/nugget/tether-agent/internal/httpkit"
)

// GeminiClient generates text with Google's Gemini API.
type GeminiClient struct {
	client    *genai.Client
	pingModel string
	logger    *slog.Logger
}

// GeminiConfig configures a GeminiClient. BaseURL is only set to point
// at a proxy or test server.
type GeminiConfig struct {
	APIKey    string
	BaseURL   string
	PingModel string
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &GeminiClient{
		client:    client,
		pingModel: cfg.PingModel,
		logger:    logger.With("provider", "gemini"),
	}, nil
}

// Chat sends a generateContent request.
func (c *GeminiClient) Chat(ctx context.Context, req Request) (*Response, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	system := req.System
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system += "\n\n" + m.Content
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	gc := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	}
	if system != "" {
		gc.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Temperature > 0 {
		gc.Temperature = genai.Ptr(float32(req.Temperature))
	}

	c.logger.Log(ctx, LevelTrace, "request",
		"model", req.Model,
		"contents", len(contents),
		"system_len", len(system),
	)

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, gc)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	out := &Response{
		Model:    req.Model,
		Text:     resp.Text(),
		Duration: time.Since(start),
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}

	c.logger.Debug("chat complete",
		"model", req.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
	)
	return out, nil
}

// Ping fetches the configured model's metadata.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.Get(ctx, c.pingModel, nil); err != nil {
		return fmt.Errorf("gemini ping: %w", err)
	}
	return nil
}
