package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/xipher-im/xipher/internal/config"
	"github.com/xipher-im/xipher/internal/logging"
	"go.uber.org/zap"
)

const (
	retryBase   = 500 * time.Millisecond
	retryCap    = 3 * time.Second
	retryJitter = 250 // ms, exclusive upper bound
	maxRetries  = 2   // additional attempts after the first
)

// TokenSource provides the current bearer credential.
type TokenSource interface {
	Token() string
}

// Client issues request/response calls to the server. It is stateless
// across calls; the only loop state is the bounded retry of a single
// in-flight call.
type Client struct {
	cfg    *config.Config
	http   *http.Client
	tokens TokenSource
	logger *zap.Logger

	// test seams
	jitter func(n int) int
	sleep  func(ctx context.Context, d time.Duration)
}

// NewClient creates a request client. httpClient carries the cookie jar
// so cookie-transport auth rides along automatically; if nil, a default
// client is used.
func NewClient(cfg *config.Config, httpClient *http.Client, tokens TokenSource, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		tokens: tokens,
		logger: logger,
		jitter: rand.IntN,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
}

// PostJSON sends a JSON POST to path and returns the parsed response
// object. Transient failures are retried up to two more times with
// exponential backoff and jitter; terminal failures propagate after a
// single attempt.
func (c *Client) PostJSON(ctx context.Context, path string, payload map[string]any) (gjson.Result, *Error) {
	for attempt := 0; ; attempt++ {
		res, apiErr := c.postOnce(ctx, path, payload)
		if apiErr == nil || !apiErr.Transient || attempt >= maxRetries {
			return res, apiErr
		}
		delay := retryDelay(attempt, c.jitter)
		c.logger.Warn("request failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.String("error", apiErr.DebugMessage))
		c.sleep(ctx, delay)
		if ctx.Err() != nil {
			return gjson.Result{}, apiErr
		}
	}
}

func (c *Client) postOnce(ctx context.Context, path string, payload map[string]any) (gjson.Result, *Error) {
	url, err := c.cfg.BuildURL(path)
	if err != nil {
		return gjson.Result{}, &Error{UserMessage: "Invalid base URL", DebugMessage: err.Error()}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, &Error{UserMessage: "Invalid request", DebugMessage: err.Error()}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, &Error{UserMessage: "Invalid request", DebugMessage: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("HTTP POST", zap.String("path", path), zap.Int("payload_bytes", len(body)))
	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, &Error{
			UserMessage:  "Network error",
			DebugMessage: err.Error(),
			NetworkError: true,
			Transient:    true,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, &Error{
			UserMessage:  "Network error",
			DebugMessage: err.Error(),
			NetworkError: true,
			Transient:    true,
		}
	}

	parsed := gjson.ParseBytes(respBody)
	if !gjson.ValidBytes(respBody) || !parsed.IsObject() {
		// The generic message is deliberate: response bytes never reach
		// the user or the logs.
		return gjson.Result{}, &Error{
			HTTPStatus:  resp.StatusCode,
			UserMessage: "Invalid response",
			Transient:   true,
		}
	}

	if apiErr := classify(resp.StatusCode, parsed); apiErr != nil {
		return gjson.Result{}, apiErr
	}
	return parsed, nil
}

// classify builds the error for an application- or HTTP-level failure,
// or nil when the response is a success.
func classify(status int, body gjson.Result) *Error {
	appFailed := body.Get("success").Exists() && !body.Get("success").Bool()
	if status < 400 && !appFailed {
		return nil
	}

	e := &Error{HTTPStatus: status, Transient: IsTransientStatus(status)}
	if appFailed {
		e.UserMessage = body.Get("message").String()
		e.ServerCode = body.Get("code").String()
	}
	if e.UserMessage == "" {
		e.UserMessage = "Request failed"
	}
	return e
}

func retryDelay(attempt int, jitter func(int) int) time.Duration {
	d := retryBase << attempt
	if d > retryCap {
		d = retryCap
	}
	return d + time.Duration(jitter(retryJitter))*time.Millisecond
}

// token returns the current bearer credential, redacted-loggable.
func (c *Client) token() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

func (c *Client) requireToken(op string) (string, *Error) {
	tok := c.token()
	if tok == "" {
		c.logger.Warn("missing token", zap.String("op", op))
		return "", &Error{UserMessage: "Missing token"}
	}
	return tok, nil
}

// logToken is a helper for debug logging without leaking the credential.
func (c *Client) logToken() string {
	return logging.RedactToken(c.token())
}
