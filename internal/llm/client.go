// Package llm implements domain.Generator on top of chat-completion style
// model APIs, plus a simulator for offline runs.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stormline/internal/config"
	"stormline/internal/domain"
)

var (
	ErrEmptyResponse = errors.New("model returned an empty response")
	ErrEmptyDiagram  = errors.New("model returned an empty diagram")
)

// Completer sends one prompt and returns the raw JSON text of the reply.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// TransientError marks a completer failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Client turns artifacts into prompts, calls the completer with bounded
// retries and parses the replies into domain models.
type Client struct {
	completer  Completer
	language   string
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
	Now        func() time.Time
}

func NewClient(c Completer, cfg config.LLMConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		completer:  c,
		language:   cfg.Language,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

// New builds the generator selected by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (domain.Generator, error) {
	switch cfg.Provider {
	case config.ProviderSimulate:
		return &Simulator{Delay: cfg.SimulateDelay, FailPhase: cfg.SimulateFailPhase}, nil
	case config.ProviderOpenAI:
		c, err := NewOpenAICompleter(cfg)
		if err != nil {
			return nil, err
		}
		return NewClient(c, cfg, logger), nil
	case config.ProviderGemini:
		c, err := NewGeminiCompleter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewClient(c, cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// call runs p with per-attempt timeouts and retries transient failures,
// then decodes the reply into out.
func (c *Client) call(ctx context.Context, p Prompt, out any) error {
	var lastErr error
	delay := c.retryDelay
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying model call", "prompt", p.Name, "attempt", attempt, "error", lastErr)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
				delay *= 2
			}
		}
		started := time.Now()
		raw, err := c.attempt(ctx, p)
		if err == nil {
			c.logger.Debug("model call done", "prompt", p.Name, "elapsed_ms", time.Since(started).Milliseconds())
			if err := decode(raw, out); err != nil {
				return fmt.Errorf("%s: %w", p.Name, err)
			}
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var te *TransientError
		if !errors.As(err, &te) {
			break
		}
	}
	return fmt.Errorf("%s: %w", p.Name, lastErr)
}

func (c *Client) attempt(ctx context.Context, p Prompt) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	raw, err := c.completer.Complete(ctx, p)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", transient(err)
		}
		return "", err
	}
	return raw, nil
}

// decode parses a JSON object reply, tolerating a surrounding code fence.
func decode(raw string, out any) error {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if s == "" {
		return ErrEmptyResponse
	}
	if !strings.HasPrefix(s, "{") {
		return fmt.Errorf("reply is not a JSON object")
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("parse reply: %w", err)
	}
	return nil
}

func (c *Client) EventStorming(ctx context.Context, document string) (domain.EventStorming, error) {
	var es domain.EventStorming
	if err := c.call(ctx, eventStormingPrompt(document, c.language), &es); err != nil {
		return domain.EventStorming{}, err
	}
	if len(es.Events)+len(es.Commands)+len(es.Actors)+len(es.Policies)+len(es.Aggregates) == 0 {
		return domain.EventStorming{}, fmt.Errorf("eventStorming: reply contains no elements")
	}
	es.Diagram = ""
	return es.Normalized(), nil
}

func (c *Client) Diagram(ctx context.Context, es domain.EventStorming) (string, error) {
	var out struct {
		Diagram string `json:"diagram"`
	}
	if err := c.call(ctx, diagramPrompt(es), &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Diagram) == "" {
		return "", ErrEmptyDiagram
	}
	return out.Diagram, nil
}

func (c *Client) Discussion(ctx context.Context, es domain.EventStorming) ([]domain.DiscussionEntry, error) {
	var out struct {
		Discussion []domain.DiscussionEntry `json:"discussion"`
	}
	if err := c.call(ctx, discussionPrompt(es, c.language), &out); err != nil {
		return nil, err
	}
	if len(out.Discussion) == 0 {
		return nil, fmt.Errorf("discussion: reply contains no entries")
	}
	for i, d := range out.Discussion {
		if strings.TrimSpace(d.Author) == "" || strings.TrimSpace(d.Content) == "" {
			return nil, fmt.Errorf("discussion[%d]: author and content are required", i)
		}
	}
	return out.Discussion, nil
}

func (c *Client) ExampleMapping(ctx context.Context, es domain.EventStorming, discussion []domain.DiscussionEntry) (domain.ExampleMapping, error) {
	var out domain.ExampleMapping
	if err := c.call(ctx, exampleMappingPrompt(es, discussion, c.language), &out); err != nil {
		return domain.ExampleMapping{}, err
	}
	return out.Normalized(), nil
}

func (c *Client) UbiquitousLanguage(ctx context.Context, es domain.EventStorming, discussion []domain.DiscussionEntry, mapping domain.ExampleMapping) ([]domain.GlossaryEntry, error) {
	var out struct {
		Entries []domain.GlossaryEntry `json:"ubiquitousLanguage"`
	}
	if err := c.call(ctx, glossaryPrompt(es, discussion, mapping, c.language), &out); err != nil {
		return nil, err
	}
	for i, e := range out.Entries {
		if strings.TrimSpace(e.EnglishName) == "" && strings.TrimSpace(e.KoreanName) == "" {
			return nil, fmt.Errorf("ubiquitousLanguage[%d]: a name is required", i)
		}
	}
	return append([]domain.GlossaryEntry{}, out.Entries...), nil
}

func (c *Client) WorkPlan(ctx context.Context, es domain.EventStorming, mapping domain.ExampleMapping, glossary []domain.GlossaryEntry) (domain.WorkPlan, error) {
	var out domain.WorkPlan
	today := c.now().Format(domain.DateLayout)
	if err := c.call(ctx, workPlanPrompt(es, mapping, glossary, today, c.language), &out); err != nil {
		return domain.WorkPlan{}, err
	}
	if err := out.Validate(); err != nil {
		return domain.WorkPlan{}, fmt.Errorf("workTickets: %w", err)
	}
	return out.Normalized(), nil
}
