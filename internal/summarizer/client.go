package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/hearth/internal/config"
	"github.com/stellarlinkco/hearth/internal/memory"
)

// Client implements memory.Summarizer on top of an agentsdk-go model
// provider.
type Client struct {
	provider    model.Provider
	prompts     Prompts
	maxTokens   int
	temperature *float64
	log         zerolog.Logger
}

type Options struct {
	Prompts     Prompts
	MaxTokens   int
	Temperature float64
	Logger      zerolog.Logger
}

func New(provider model.Provider, opts Options) *Client {
	if opts.Prompts == (Prompts{}) {
		opts.Prompts = DefaultPrompts()
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = config.DefaultMaxTokens
	}
	temp := opts.Temperature
	return &Client{
		provider:    provider,
		prompts:     opts.Prompts,
		maxTokens:   opts.MaxTokens,
		temperature: &temp,
		log:         opts.Logger,
	}
}

// NewProvider selects the model provider named by the configuration.
func NewProvider(cfg *config.Config) model.Provider {
	switch cfg.Provider.Type {
	case "openai":
		return &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Summarizer.Model,
			MaxTokens: cfg.Summarizer.MaxTokens,
			CacheTTL:  time.Hour,
		}
	default: // "anthropic" or empty
		return &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Summarizer.Model,
			MaxTokens: cfg.Summarizer.MaxTokens,
			CacheTTL:  time.Hour,
		}
	}
}

// FromConfig builds a Client with the configured provider and prompts.
func FromConfig(cfg *config.Config, log zerolog.Logger) (*Client, error) {
	prompts, err := LoadPrompts(cfg.Summarizer.PromptsPath)
	if err != nil {
		return nil, err
	}
	return New(NewProvider(cfg), Options{
		Prompts:     prompts,
		MaxTokens:   cfg.Summarizer.MaxTokens,
		Temperature: cfg.Summarizer.Temperature,
		Logger:      log,
	}), nil
}

func (c *Client) Condense(ctx context.Context, req memory.Request) (string, error) {
	reply, err := c.complete(ctx, req)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(reply)
	if summary == "" {
		return "", malformed("empty summary")
	}
	return summary, nil
}

func (c *Client) ExtractFacts(ctx context.Context, req memory.Request) ([]memory.FactCandidate, error) {
	reply, err := c.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	facts, err := decodeFacts(reply)
	if err != nil {
		c.log.Debug().Str("task", string(req.Task)).Str("reply", truncate(reply, 200)).Msg("undecodable fact reply")
		return nil, err
	}
	return facts, nil
}

func (c *Client) ExtractCore(ctx context.Context, req memory.Request) ([]memory.CoreCandidate, error) {
	reply, err := c.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	core, err := decodeCore(reply)
	if err != nil {
		c.log.Debug().Str("task", string(req.Task)).Str("reply", truncate(reply, 200)).Msg("undecodable core reply")
		return nil, err
	}
	return core, nil
}

func (c *Client) complete(ctx context.Context, req memory.Request) (string, error) {
	system, err := c.prompts.system(req.Task)
	if err != nil {
		return "", fmt.Errorf("%w: %v", memory.ErrInvalidInput, err)
	}
	if c.provider == nil {
		return "", errors.New("summarizer: no model provider")
	}

	mdl, err := c.provider.Model(ctx)
	if err != nil {
		return "", fmt.Errorf("summarizer model: %w", err)
	}

	start := time.Now()
	resp, err := mdl.Complete(ctx, model.Request{
		System:      system,
		Messages:    []model.Message{{Role: "user", Content: userMessage(req)}},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarizer %s: %w", req.Task, err)
	}
	if resp == nil {
		return "", fmt.Errorf("summarizer %s: nil response", req.Task)
	}

	c.log.Debug().
		Str("task", string(req.Task)).
		Int("inputs", len(req.Inputs)).
		Dur("took", time.Since(start)).
		Msg("summarizer call")
	return resp.Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
