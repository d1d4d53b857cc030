// Package llama is the gateway to a llama.cpp /completion endpoint.
// Transient failures are retried with exponential backoff; a response whose
// content cannot be located is a malformed API and fails immediately.
package llama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// backoffBase is the first retry delay; each further attempt doubles it.
const backoffBase = 750 * time.Millisecond

// Sampling are the generation parameters sent with every completion call.
type Sampling struct {
	NPredict      int     `json:"n_predict"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	RepeatPenalty float64 `json:"repeat_penalty"`
}

// Result is one successful completion: the extracted text plus whatever
// token accounting the server reported (zero when absent).
type Result struct {
	Content         string
	PromptTokens    int
	PredictedTokens int
	TotalSeconds    float64
}

// Client talks to one completion endpoint.
type Client struct {
	url        string
	sampling   Sampling
	maxRetries int
	client     *http.Client
	logger     *slog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client for the given /completion URL. maxRetries is the
// number of retries after the first attempt.
func New(url string, sampling Sampling, timeout time.Duration, maxRetries int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		url:        url,
		sampling:   sampling,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
		sleep:      sleepCtx,
	}
}

type completionRequest struct {
	Prompt string `json:"prompt"`
	Sampling
}

// Complete posts the prompt and returns the extracted completion text.
// Transport errors, non-2xx statuses and undecodable bodies are retried up
// to maxRetries with exponential backoff; exhausting retries returns the
// last failure. A decoded body with no recognizable content shape is fatal
// and not retried.
func (c *Client) Complete(ctx context.Context, prompt string) (Result, error) {
	var raw map[string]any
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			c.logger.Warn("completion call failed, retrying",
				"attempt", attempt, "of", c.maxRetries, "delay", delay, "error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return Result{}, err
			}
		}

		raw, lastErr = c.call(ctx, prompt)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return Result{}, lastErr
	}

	content, err := extractContent(raw)
	if err != nil {
		return Result{}, err
	}

	res := Result{Content: content}
	res.PromptTokens, res.PredictedTokens, res.TotalSeconds = tokenStats(raw)
	return res, nil
}

func (c *Client) call(ctx context.Context, prompt string) (map[string]any, error) {
	body, err := json.Marshal(completionRequest{Prompt: prompt, Sampling: c.sampling})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("completion endpoint returned status %d: %s", resp.StatusCode, snippet)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	return raw, nil
}

// extractContent locates the completion text; llama.cpp responses vary by
// build and configuration, so common shapes are checked in order.
func extractContent(raw map[string]any) (string, error) {
	if s, ok := raw["content"].(string); ok {
		return s, nil
	}

	if choices, ok := raw["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if s, ok := c0["text"].(string); ok {
				return s, nil
			}
			if msg, ok := c0["message"].(map[string]any); ok {
				if s, ok := msg["content"].(string); ok {
					return s, nil
				}
			}
		}
	}

	if s, ok := raw["text"].(string); ok {
		return s, nil
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	return "", fmt.Errorf("unable to extract content from completion response, keys=%v", keys)
}

// tokenStats pulls prompt/predicted token counts and total time out of the
// response when the server reports them. Field names differ across llama.cpp
// builds.
func tokenStats(raw map[string]any) (promptTok, predTok int, totalSec float64) {
	if t, ok := raw["timings"].(map[string]any); ok {
		pn, pnOK := firstInt(t, "prompt_n", "prompt_tokens", "n_prompt_tokens")
		rn, rnOK := firstInt(t, "predicted_n", "predicted_tokens", "n_predicted_tokens")
		if pnOK && rnOK {
			totalMS := 0.0
			if v, ok := firstFloat(t, "prompt_ms", "prompt_eval_ms", "prompt_eval_time_ms"); ok {
				totalMS += v
			}
			if v, ok := firstFloat(t, "predicted_ms", "eval_ms", "eval_time_ms"); ok {
				totalMS += v
			}
			if totalMS > 0 {
				return pn, rn, totalMS / 1000.0
			}
		}
	}

	pn, pnOK := firstInt(raw, "tokens_evaluated", "prompt_tokens")
	rn, rnOK := firstInt(raw, "tokens_predicted", "predicted_tokens")
	ts, tsOK := firstFloat(raw, "total_time_s", "total_time")
	if pnOK && rnOK && tsOK && ts > 0 {
		return pn, rn, ts
	}

	return 0, 0, 0
}

func firstInt(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return int(f), true
		}
	}
	return 0, false
}

func firstFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return f, true
		}
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
