// Package claude answers and summarizes coaching conversations through the
// Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"couple-talk/internal/domain"
	"couple-talk/internal/prompt"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024
)

// Config controls a Client.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

// Client calls the Anthropic Messages API.
type Client struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// StatusError carries the HTTP status of a failed API call so callers can
// tell rate limiting apart from other upstream failures.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("claude: status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

func New(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("claude: api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Client{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Reply answers the latest user turn in window. A window that opens on a
// coach turn carries that turn in the system prompt, since the Messages API
// requires the first message to come from the user.
func (c *Client) Reply(ctx context.Context, window domain.ContextWindow) (string, error) {
	system := prompt.ReplySystem(window)
	carried, turns := splitLeadingAssistant(prompt.TurnMessages(window.RecentTurns))
	if carried != "" {
		system += "\n\nYour previous message in this conversation:\n" + carried
	}
	return c.complete(ctx, system, toMessages(turns))
}

// splitLeadingAssistant returns the assistant messages that precede the first
// user message, joined, and the remaining messages.
func splitLeadingAssistant(in []domain.ChatMessage) (string, []domain.ChatMessage) {
	var lead []string
	for i, m := range in {
		switch m.Role {
		case prompt.RoleAssistant:
			lead = append(lead, m.Content)
		case prompt.RoleUser:
			return strings.Join(lead, "\n\n"), in[i:]
		}
	}
	return strings.Join(lead, "\n\n"), nil
}

// SummarizeTurns compresses turns into rolling summary prose.
func (c *Client) SummarizeTurns(ctx context.Context, turns []domain.Turn) (string, error) {
	if len(turns) == 0 {
		return "", errors.New("claude: no turns to summarize")
	}
	msgs := prompt.SummaryMessages(turns)
	return c.complete(ctx, msgs[0].Content, toMessages(msgs[1:]))
}

// SummarizeSessionForAnalytics produces the end-of-session insight.
func (c *Client) SummarizeSessionForAnalytics(ctx context.Context, turns []domain.Turn) (domain.SessionInsight, error) {
	msgs := prompt.InsightMessages(turns)
	raw, err := c.complete(ctx, msgs[0].Content, toMessages(msgs[1:]))
	if err != nil {
		return domain.SessionInsight{}, err
	}
	insight, err := prompt.ParseInsight(raw)
	if err != nil {
		return domain.SessionInsight{}, fmt.Errorf("claude: %w", err)
	}
	return insight, nil
}

func (c *Client) complete(ctx context.Context, system string, messages []anthropic.MessageParam) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("claude: no messages to send")
	}
	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages:  messages,
	}
	if system = strings.TrimSpace(system); system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, req)
	if err != nil {
		return "", wrapError(err)
	}
	return textOf(msg), nil
}

func wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &StatusError{StatusCode: apiErr.StatusCode, Err: err}
	}
	return fmt.Errorf("claude: %w", err)
}

// toMessages maps chat messages onto Anthropic params. Consecutive messages
// with the same role are merged and leading assistant messages are dropped,
// so the result alternates and opens with a user message.
func toMessages(in []domain.ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(in))
	var (
		role  string
		batch []string
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		block := anthropic.NewTextBlock(strings.Join(batch, "\n\n"))
		if role == prompt.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
		batch = nil
	}
	for _, m := range in {
		if m.Role == prompt.RoleSystem {
			continue
		}
		if role == "" && m.Role == prompt.RoleAssistant {
			continue
		}
		if m.Role != role {
			flush()
			role = m.Role
		}
		batch = append(batch, m.Content)
	}
	flush()
	return out
}

func textOf(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
