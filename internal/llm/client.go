package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhu-jl18/novel-proofer/internal/common"
)

// StatusCancelled is the conventional status for cooperative cancellation.
const StatusCancelled = 499

// Error is an LLM call failure carrying the upstream HTTP status when known.
// A nil Code means a network-level failure (retryable).
type Error struct {
	Code    *int
	Message string
}

func (e *Error) Error() string { return e.Message }

// IsCancelled reports whether the error is a cooperative cancellation.
func (e *Error) IsCancelled() bool { return e.Code != nil && *e.Code == StatusCancelled }

func newError(code int, format string, args ...any) *Error {
	return &Error{Code: &code, Message: fmt.Sprintf(format, args...)}
}

func newNetError(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

var retryableStatus = map[int]bool{
	408: true, 409: true, 425: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// RetryableStatus reports whether an upstream status is worth retrying.
func RetryableStatus(code int) bool { return retryableStatus[code] }

// CallOptions carries the cooperative hooks for one call.
type CallOptions struct {
	// ShouldStop is polled between SSE reads and before each backoff sleep.
	ShouldStop func() bool
	// OnRetry is invoked once per backoff, before sleeping. attempt is the
	// 1-based retry number; code is the last upstream status when known.
	OnRetry func(attempt int, code *int, msg string)
}

// Result is the outcome of a successful call.
type Result struct {
	Text    string // after think-tag scrubbing
	RawText string // as streamed
	Retries int
	// Last transient failure observed before success, if any.
	LastCode *int
	LastMsg  string
}

const (
	defaultMaxRetries  = 2
	defaultBackoffBase = time.Second
	streamDebugBytes   = 2048
)

// Client is the process-wide LLM caller. HTTP clients are pooled per
// (proxy-mode, max-connections) pair; an optional global limiter gates the
// aggregate request rate across all jobs.
type Client struct {
	logger      *common.Logger
	limiter     *rate.Limiter
	maxRetries  int
	backoffBase time.Duration
	streamDebug bool
}

// Option configures the client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithGlobalRPS installs a global request limiter. Zero disables it.
func WithGlobalRPS(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithBackoffBase overrides the backoff base delay (tests).
func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) { c.backoffBase = d }
}

// NewClient creates an LLM client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		logger:      common.NewSilentLogger(),
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		streamDebug: common.EnvTruthy("NOVEL_PROOFER_LLM_STREAM_DEBUG"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call runs one resilient LLM exchange: up to maxRetries retries with
// exponential backoff on transient failures, immediate failure on
// non-retryable statuses, and cancellation checked between stream reads and
// before each backoff sleep.
func (c *Client) Call(ctx context.Context, cfg CallConfig, userText string, opts CallOptions) (Result, error) {
	attempts := c.maxRetries + 1

	var lastCode *int
	var lastMsg string

	for i := 0; i < attempts; i++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return Result{}, newError(StatusCancelled, "cancelled while rate limited: %v", err)
			}
		}

		raw, err := c.callOnce(ctx, cfg, userText, opts.ShouldStop)
		if err == nil {
			text := raw
			if cfg.FilterThinkTags {
				text = FilterThinkTags(raw)
			}
			return Result{
				Text:     text,
				RawText:  raw,
				Retries:  i,
				LastCode: lastCode,
				LastMsg:  lastMsg,
			}, nil
		}

		llmErr, ok := err.(*Error)
		if !ok {
			llmErr = newNetError("%v", err)
		}
		if llmErr.IsCancelled() {
			return Result{}, llmErr
		}
		if llmErr.Code != nil && !retryableStatus[*llmErr.Code] {
			return Result{}, llmErr
		}

		lastCode = llmErr.Code
		lastMsg = llmErr.Message

		if i < attempts-1 {
			if opts.OnRetry != nil {
				opts.OnRetry(i+1, lastCode, lastMsg)
			}
			delay := c.backoffBase * (1 << i)
			if err := sleepInterruptible(ctx, delay, opts.ShouldStop); err != nil {
				return Result{}, err
			}
		}
	}

	if lastMsg == "" {
		lastMsg = "LLM failed with unknown error"
	}
	return Result{}, &Error{Code: lastCode, Message: lastMsg}
}

// sleepInterruptible sleeps for d, polling should-stop so cancellation is
// observed promptly. Returns a 499 error when interrupted.
func sleepInterruptible(ctx context.Context, d time.Duration, shouldStop func() bool) error {
	const tick = 50 * time.Millisecond
	deadline := time.Now().Add(d)
	for {
		if shouldStop != nil && shouldStop() {
			return newError(StatusCancelled, "cancelled during retry backoff")
		}
		select {
		case <-ctx.Done():
			return newError(StatusCancelled, "cancelled during retry backoff: %v", ctx.Err())
		default:
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if remaining > tick {
			remaining = tick
		}
		time.Sleep(remaining)
	}
}

func (c *Client) callOnce(ctx context.Context, cfg CallConfig, userText string, shouldStop func() bool) (string, error) {
	if strings.EqualFold(cfg.Provider, "gemini") {
		return c.callGemini(ctx, cfg, userText, shouldStop)
	}
	return c.callOpenAICompatible(ctx, cfg, userText, shouldStop)
}

func (c *Client) callOpenAICompatible(ctx context.Context, cfg CallConfig, userText string, shouldStop func() bool) (string, error) {
	if cfg.BaseURL == "" {
		return "", newNetError("LLM base_url is empty")
	}
	if cfg.Model == "" {
		return "", newNetError("LLM model is empty")
	}

	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions"

	payload := map[string]any{
		"model":       cfg.Model,
		"temperature": cfg.Temperature,
		"stream":      true,
		"messages": []map[string]string{
			{"role": "system", "content": cfg.SystemPrompt},
			{"role": "user", "content": userText},
		},
	}
	for k, v := range cfg.ExtraParams {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", newNetError("marshal request: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	// A blocked stream read can only be interrupted through the request
	// context, so a watcher turns the should-stop poll into a cancel.
	if shouldStop != nil {
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-watchDone:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					if shouldStop() {
						cancel()
						return
					}
				}
			}
		}()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", newNetError("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	httpClient := httpClientFor(endpoint, cfg.MaxConcurrency)

	c.logger.Debug().Str("model", cfg.Model).Str("endpoint", endpoint).Msg("LLM streaming request")

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && shouldStop != nil && shouldStop() {
			return "", newError(StatusCancelled, "cancelled during LLM request")
		}
		return "", newNetError("LLM request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", newError(resp.StatusCode, "HTTP %d from LLM: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return c.consumeSSE(resp.Body, shouldStop)
}

// consumeSSE reads the event stream line by line, concatenating content
// deltas until [DONE] or EOF. Frame boundaries are not assumed to align with
// reads; a partial trailing line is handled at EOF. Non-data lines are
// treated as keep-alives.
func (c *Client) consumeSSE(body io.Reader, shouldStop func() bool) (string, error) {
	var content strings.Builder
	var debugHead, debugTail []byte

	record := func(line string) {
		if !c.streamDebug {
			return
		}
		raw := []byte(line)
		if len(debugHead) < streamDebugBytes {
			n := streamDebugBytes - len(debugHead)
			if n > len(raw) {
				n = len(raw)
			}
			debugHead = append(debugHead, raw[:n]...)
		}
		debugTail = append(debugTail, raw...)
		if len(debugTail) > streamDebugBytes {
			debugTail = debugTail[len(debugTail)-streamDebugBytes:]
		}
	}

	br := bufio.NewReader(body)
	for {
		if shouldStop != nil && shouldStop() {
			return "", newError(StatusCancelled, "cancelled during LLM stream")
		}

		line, err := br.ReadString('\n')
		if line != "" {
			record(line)
			if data, ok := parseSSELine(line); ok {
				if data == "[DONE]" {
					return content.String(), nil
				}
				content.WriteString(extractDelta(data))
			}
		}
		if err == io.EOF {
			if shouldStop != nil && shouldStop() {
				return "", newError(StatusCancelled, "cancelled during LLM stream")
			}
			return content.String(), nil
		}
		if err != nil {
			if shouldStop != nil && shouldStop() {
				return "", newError(StatusCancelled, "cancelled during LLM stream")
			}
			if c.streamDebug {
				c.logger.Warn().
					Str("sse_head", string(debugHead)).
					Str("sse_tail", string(debugTail)).
					Msg("LLM stream aborted")
			}
			return "", newNetError("LLM stream read failed: %v", err)
		}
	}
}

// parseSSELine extracts the data payload from one SSE line.
func parseSSELine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(line[len("data:"):]), true
}

// extractDelta pulls content fragments out of one SSE JSON payload.
// Both the OpenAI delta shape and the Gemini candidates shape are accepted.
func extractDelta(data string) string {
	var obj struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return ""
	}
	var b strings.Builder
	for _, choice := range obj.Choices {
		b.WriteString(choice.Delta.Content)
	}
	for _, cand := range obj.Candidates {
		for _, part := range cand.Content.Parts {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// --- HTTP client pooling ---

type poolKey struct {
	trustEnv bool
	maxConns int
}

var (
	poolMu sync.Mutex
	pool   = make(map[poolKey]*http.Client)
)

// httpClientFor returns a pooled client. Loopback endpoints bypass
// environment proxies so a local model server is reachable regardless of
// HTTP(S)_PROXY settings.
func httpClientFor(endpoint string, maxConns int) *http.Client {
	if maxConns <= 0 {
		maxConns = 20
	}
	key := poolKey{trustEnv: !isLoopbackURL(endpoint), maxConns: maxConns}

	poolMu.Lock()
	defer poolMu.Unlock()

	if c, ok := pool[key]; ok {
		return c
	}

	transport := &http.Transport{
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: maxConns,
		IdleConnTimeout:     90 * time.Second,
	}
	if key.trustEnv {
		transport.Proxy = http.ProxyFromEnvironment
	}

	c := &http.Client{Transport: transport}
	pool[key] = c
	return c
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
