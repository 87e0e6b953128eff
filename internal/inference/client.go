// Package inference provides the typed client for one llama-server
// completion endpoint. It is the only layer in the system that retries:
// transient failures are re-attempted with linear backoff inside the
// caller's deadline, fatal failures surface immediately.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/internal/config"
	"github.com/maestro-llm/maestro/pkg/contracts"
	"github.com/maestro-llm/maestro/pkg/models"
)

// Client talks to one inference server.
type Client struct {
	modelID  string
	endpoint string
	policy   config.TierConfig
	http     *http.Client
}

// New creates a client for a model's server with the tier's deadline and
// retry policy.
func New(modelID, endpoint string, tier models.Tier) *Client {
	return NewWithPolicy(modelID, endpoint, config.TierPolicy(tier))
}

// NewWithPolicy creates a client with an explicit deadline and retry policy.
func NewWithPolicy(modelID, endpoint string, policy config.TierConfig) *Client {
	return &Client{
		modelID:  modelID,
		endpoint: strings.TrimRight(endpoint, "/"),
		policy:   policy,
		// Per-attempt timeout is enforced via context; the transport
		// timeout is a backstop only.
		http: &http.Client{Timeout: policy.Deadline + 5*time.Second},
	}
}

// Factory builds clients for the engine, one per (model, port).
func Factory(modelID string, port int, tier models.Tier) contracts.CompletionClient {
	return New(modelID, fmt.Sprintf("http://127.0.0.1:%d", port), tier)
}

// transientError marks a failure worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsTransient reports whether an error is a retryable downstream failure.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
}

type completionResponse struct {
	Content         string `json:"content"`
	TokensPredicted int    `json:"tokens_predicted"`
}

// Complete runs one completion. Attempt deadlines and retry backoffs never
// exceed the caller's outer deadline: when the remaining budget cannot fit
// another attempt, the call abandons early with models.ErrDeadline.
func (c *Client) Complete(ctx context.Context, prompt string, opts models.CompletionOptions) (*models.Completion, error) {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}

	attempts := c.policy.Retries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// Linear backoff: a constant tier-configured delay.
			if !budgetAllows(ctx, c.policy.RetryDelay) {
				return nil, fmt.Errorf("%s retry budget: %w", c.modelID, models.ErrDeadline)
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%s: %w", c.modelID, models.ErrDeadline)
			case <-time.After(c.policy.RetryDelay):
			}
			log.Debug().
				Str("model", c.modelID).
				Int("attempt", attempt+1).
				Msg("Retrying completion")
		}

		if !budgetAllows(ctx, 0) {
			return nil, fmt.Errorf("%s: %w", c.modelID, models.ErrDeadline)
		}

		comp, err := c.attempt(ctx, prompt, opts)
		if err == nil {
			return comp, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: attempts exhausted: %w", c.modelID, lastErr)
}

// attempt runs a single completion call under the tier deadline clamped to
// the caller's remaining budget.
func (c *Client) attempt(ctx context.Context, prompt string, opts models.CompletionOptions) (*models.Completion, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.policy.Deadline)
	defer cancel()

	body, err := json.Marshal(completionRequest{
		Prompt:      prompt,
		NPredict:    opts.MaxTokens,
		Temperature: opts.Temperature,
		Stop:        opts.Stop,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint+"/completion", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Outer deadline expiry is not retryable; a per-attempt timeout
		// with outer budget left is.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", c.modelID, models.ErrDeadline)
		}
		return nil, &transientError{fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", c.modelID, models.ErrDeadline)
		}
		return nil, &transientError{fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &transientError{fmt.Errorf("server status %d: %s", resp.StatusCode, truncate(raw, 200))}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("client status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var cr completionResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}

	tokens := cr.TokensPredicted
	if tokens == 0 {
		tokens = EstimateTokens(cr.Content)
	}
	return &models.Completion{
		Content:    cr.Content,
		TokenCount: tokens,
		Raw:        raw,
	}, nil
}

// EstimateTokens approximates a token count when the server reports none.
// Whitespace words × 4/3 tracks GGUF tokenizers closely enough for budgets.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return words * 4 / 3
}

// budgetAllows reports whether the context has at least `need` left before
// its deadline (always true for contexts without one).
func budgetAllows(ctx context.Context, need time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	dl, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(dl) > need
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
