package xai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"post_bot/internal/config"
	"post_bot/internal/logger"
	"post_bot/internal/poster/models"
	"post_bot/internal/poster/platform"
)

const (
	postSystemPrompt = "You are a concise, technically accurate crypto engineer writing short high-value social posts. " +
		"Constraints: no financial advice, avoid unverifiable claims, output ONLY the post text, <= 220 chars."
	replySystemPrompt = "You are a helpful project engineer replying to a community member. " +
		"Answer the message directly and briefly. Constraints: no financial advice, no promises about price, " +
		"output ONLY the reply text, <= 200 chars."
)

type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func NewClient(cfg config.XAIConfig, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("xai api key is empty")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = config.DefaultXAIBaseURL
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = config.DefaultXAIModel
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

var _ platform.Generator = (*Client)(nil)

type chatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []chatCompletionMessage `json:"messages"`
	Temperature float64                 `json:"temperature"`
	TopP        float64                 `json:"top_p,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Stream      bool                    `json:"stream"`
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate 生成帖子或回复文本，失败时返回 *platform.GenerationError
func (c *Client) Generate(ctx context.Context, kind models.DraftKind, genContext string) (string, error) {
	text, err := c.complete(ctx, buildMessages(kind, genContext))
	if err != nil {
		return "", &platform.GenerationError{Err: err}
	}
	if text == "" {
		return "", &platform.GenerationError{Err: fmt.Errorf("xai returned empty text")}
	}
	return text, nil
}

func buildMessages(kind models.DraftKind, genContext string) []chatCompletionMessage {
	genContext = strings.TrimSpace(genContext)

	if kind == models.DraftKindReply {
		return []chatCompletionMessage{
			{Role: "system", Content: replySystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Reply to this message: %s", genContext)},
		}
	}

	user := "Write a single post about recent project progress."
	if genContext != "" {
		user = fmt.Sprintf("Write a single post about: %s", genContext)
	}
	return []chatCompletionMessage{
		{Role: "system", Content: postSystemPrompt},
		{Role: "user", Content: user},
	}
}

func (c *Client) complete(ctx context.Context, messages []chatCompletionMessage) (string, error) {
	payload := chatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0.6,
		TopP:        0.9,
		MaxTokens:   140,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal xai request failed: %w", err)
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create xai request failed: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request xai api failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read xai response failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.L().Warnf("xAI response: status=%d body=%s", resp.StatusCode, truncate(string(data), 512))
		return "", fmt.Errorf("xai http error: status=%d", resp.StatusCode)
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(data, &completion); err != nil {
		return "", fmt.Errorf("decode xai response failed: %w", err)
	}

	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("xai response has no choices")
	}

	return sanitize(completion.Choices[0].Message.Content), nil
}

// sanitize 去掉首尾空白和引号，换行折叠为空格；不截断，长度交给安全检查
func sanitize(content string) string {
	content = strings.TrimSpace(content)
	content = strings.Trim(content, "\"'“”")
	content = strings.Join(strings.Fields(content), " ")
	return content
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}
