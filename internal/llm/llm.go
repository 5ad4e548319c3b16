// Package llm talks to an OpenAI-compatible chat endpoint on behalf of the
// recovery selector and the audit pipeline.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"

	"github.com/sprite-ai/agmend/internal/audit"
	"github.com/sprite-ai/agmend/internal/model"
	"github.com/sprite-ai/agmend/internal/recovery"
)

const (
	diagnosisTool       = "report_diagnosis"
	recommendationsTool = audit.RecommendTool

	// maxDiffBytes caps how much diff text goes into one prompt.
	maxDiffBytes = 64 * 1024
)

var diagnosisSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "summary": {"type": "string", "description": "One paragraph on why the agent is stuck"},
    "root_cause": {"type": "string"},
    "next_steps": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["summary"]
}`)

var recommendationsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "reason": {"type": "string", "description": "Why recommendations are needed"}
  }
}`)

// Options configures a Client.
type Options struct {
	BaseURL   string
	Model     string
	APIKeyEnv string
	Timeout   time.Duration
}

// Client implements recovery.Diagnoser and audit.Analyst.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a client. The API key is read from opts.APIKeyEnv; local
// endpoints that need no key are allowed.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Model == "" {
		return nil, errors.New("llm: model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	key := ""
	if opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && opts.BaseURL == "" {
		return nil, fmt.Errorf("llm: %s is not set", opts.APIKeyEnv)
	}

	cfg := openai.DefaultConfig(key)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}

	logger.Info("initializing llm client", "model", opts.Model, "base_url", cfg.BaseURL)
	return &Client{
		api:     openai.NewClientWithConfig(cfg),
		model:   opts.Model,
		timeout: opts.Timeout,
		logger:  logger,
	}, nil
}

func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req.Model = c.model

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return openai.ChatCompletionMessage{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, errors.New("chat completion returned no choices")
	}
	c.logger.Debug("chat completion", "model", c.model, "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message, nil
}

// Diagnose asks the model for exactly one structured diagnosis. A response
// without the diagnosis tool call yields (nil, nil).
func (c *Client) Diagnose(ctx context.Context, ec recovery.EnhancedContext) (*recovery.Diagnosis, error) {
	msg, err := c.complete(ctx, openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You diagnose why a coding agent keeps failing. Call " + diagnosisTool + " exactly once."},
			{Role: openai.ChatMessageRoleUser, Content: ec.Prompt()},
		},
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        diagnosisTool,
				Description: "Report the diagnosis of the agent's failures",
				Parameters:  diagnosisSchema,
			},
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: diagnosisTool},
		},
	})
	if err != nil {
		return nil, err
	}

	for _, tc := range msg.ToolCalls {
		if tc.Function.Name != diagnosisTool {
			continue
		}
		var d recovery.Diagnosis
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &d); err != nil {
			return nil, fmt.Errorf("decoding diagnosis: %w", err)
		}
		if strings.TrimSpace(d.Summary) == "" {
			return nil, nil
		}
		return &d, nil
	}
	return nil, nil
}

// Analyze asks for a security analysis of the diff. When the model wants a
// recommendations pass it calls the recommendations tool, which is carried
// over as a ToolCall on the returned message.
func (c *Client) Analyze(ctx context.Context, req audit.ScanRequest) (model.Message, error) {
	diffText := req.Diff
	if len(diffText) > maxDiffBytes {
		diffText = truncateBytes(diffText, maxDiffBytes) + "\n[diff truncated]"
	}

	prompt := fmt.Sprintf("Base branch: %s\nChanged files:\n- %s\n\nDiff:\n```diff\n%s\n```",
		req.BaseBranch, strings.Join(req.Files, "\n- "), diffText)

	msg, err := c.complete(ctx, openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are a security reviewer. Describe each issue with its severity (critical, high, medium, low). If there is anything to fix, call " + recommendationsTool + "."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        recommendationsTool,
				Description: "Ask for a follow-up pass of prioritized recommendations",
				Parameters:  recommendationsSchema,
			},
		}},
	})
	if err != nil {
		return model.Message{}, err
	}

	out := model.Message{Role: model.RoleAgent, Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if strings.TrimSpace(out.Content) == "" && len(out.ToolCalls) == 0 {
		return model.Message{}, errors.New("model returned neither analysis nor tool calls")
	}
	return out, nil
}

// Recommend asks for a numbered list of recommendations.
func (c *Client) Recommend(ctx context.Context, analysis string) (model.Message, error) {
	msg, err := c.complete(ctx, openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "Turn the security analysis into a numbered list of actionable recommendations, most urgent first. Phrase each as \"You should ...\"."},
			{Role: openai.ChatMessageRoleUser, Content: analysis},
		},
	})
	if err != nil {
		return model.Message{}, err
	}
	if strings.TrimSpace(msg.Content) == "" {
		return model.Message{}, errors.New("model returned no recommendations")
	}
	return model.Message{Role: model.RoleAgent, Content: msg.Content}, nil
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
