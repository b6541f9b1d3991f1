package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"report-signal-service/llm"
	"report-signal-service/models"

	"github.com/apex/log"
)

const openAIEndpoint = "https://api.openai.com/v1/chat/completions"

const promptSystem = `
You summarize groups of citizen incident reports for municipal reviewers.

Output a single valid JSON object and nothing else, with this schema:
{
  "summary":       "<2-3 neutral sentences describing the situation>",
  "keywords":      ["<keyword>", "..."],
  "severity_hint": "<low | medium | high>",
  "language":      "<ISO 639-1 code of the reports>"
}

Do not invent facts that are not in the reports. Do not judge whether the issue is verified.
`

const (
	summaryTemperature = 0.2
	summaryMaxTokens   = 400
	maxResponseBytes   = 1 << 20
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type ChatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// apiError is the error envelope of the API. Older proxies send a bare string.
type apiError struct {
	Error json.RawMessage `json:"error"`
}

func (e apiError) message() string {
	var detail struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(e.Error, &detail) == nil && detail.Message != "" {
		return detail.Message
	}
	var plain string
	if json.Unmarshal(e.Error, &plain) == nil {
		return plain
	}
	return string(e.Error)
}

// Client summarizes issues with the chat completions API
type Client struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

func NewClient(apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		apiKey:   apiKey,
		model:    model,
		endpoint: openAIEndpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// SourceName identifies this provider in stored summaries
func (c *Client) SourceName() string {
	return "ChatGPT"
}

func (c *Client) Summarize(ctx context.Context, req llm.Request) (*models.IssueSummary, error) {
	if c.apiKey == "" {
		return nil, errors.New("OpenAI API key not set")
	}

	payload, err := json.Marshal(ChatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: promptSystem},
			{Role: "user", Content: req.Prompt()},
		},
		Temperature:    summaryTemperature,
		MaxTokens:      summaryMaxTokens,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion for %q failed: %w", req.IssueType, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read chat completion: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		msg := string(body)
		if json.Unmarshal(body, &apiErr) == nil && len(apiErr.Error) > 0 {
			msg = apiErr.message()
		}
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, msg)
	}

	var chat ChatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, fmt.Errorf("failed to decode chat completion: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}
	choice := chat.Choices[0]
	if choice.FinishReason == "length" {
		log.Warnf("Summary for %q hit the token limit (%d completion tokens)", req.IssueType, chat.Usage.CompletionTokens)
	}
	return llm.ParseSummary(choice.Message.Content)
}
