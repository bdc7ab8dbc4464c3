// Package graphapi is the HTTP client shared by the Graph API based adapters.
// Every call is gated by the outbound rate limiter, retried with backoff and
// guarded by a circuit breaker.
package graphapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"switchboard/internal/config"
	"switchboard/internal/constants"
	"switchboard/internal/logger"
	"switchboard/internal/ratelimit"
	"switchboard/pkg/circuitbreaker"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/retry"
)

// graph error code for an expired or invalid access token
const codeInvalidToken = 190

type Options struct {
	Name        string
	BaseURL     string
	AccessToken string
	AccountID   string
	Timeout     time.Duration
	MaxRetries  int
	Limiter     *ratelimit.Limiter
	Limits      ratelimit.Limits
	Breaker     config.CircuitBreakerConfig
	HTTPClient  *http.Client
	Logger      logger.Logger
	// TransportError, when set, classifies errors returned by the HTTP client
	// before the default connection error mapping applies.
	TransportError func(error) error
}

type Client struct {
	name      string
	baseURL   string
	token     string
	accountID string
	http      *http.Client
	limiter   *ratelimit.Limiter
	limits    ratelimit.Limits
	breaker   *circuitbreaker.Breaker
	policy    retry.Policy
	logger    logger.Logger
	transport func(error) error
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = constants.DefaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	policy := retry.SendPolicy()
	if opts.MaxRetries > 0 {
		policy.MaxAttempts = opts.MaxRetries + 1
	}

	log := opts.Logger
	if log == nil {
		log = logger.NopLogger()
	}

	var breaker *circuitbreaker.Breaker
	if opts.Breaker.Enabled {
		breaker = circuitbreaker.New(opts.Name+":"+opts.AccountID, opts.Breaker)
	}

	return &Client{
		name:      opts.Name,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		token:     opts.AccessToken,
		accountID: opts.AccountID,
		http:      httpClient,
		limiter:   opts.Limiter,
		limits:    opts.Limits,
		breaker:   breaker,
		policy:    policy,
		logger:    log,
		transport: opts.TransportError,
	}
}

// WithPolicy replaces the retry policy; used by tests to shrink delays.
func (c *Client) WithPolicy(p retry.Policy) *Client {
	c.policy = p
	return c
}

type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}
	// Endpoint names the rate limit bucket, e.g. "messages".
	Endpoint string
}

type graphError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// Do executes req and decodes a successful JSON response into out (which may be nil).
func (c *Client) Do(ctx context.Context, req Request, out interface{}) error {
	var body []byte
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return apperrors.ErrValidation.WithCause(err).WithMessage("failed to encode request body")
		}
		body = raw
	}

	return retry.RetryWithCallback(ctx, c.policy, func() error {
		err := c.attempt(ctx, req, body, out)
		// waits longer than the policy allows go back to the caller
		if wait, ok := apperrors.RetryAfter(err); ok && wait > c.policy.MaxInterval {
			return backoff.Permanent(err)
		}
		return err
	}, func(attempt int, err error, next time.Duration) {
		c.logger.WarnwCtx(ctx, "Graph API call failed, retrying",
			"client", c.name,
			"path", req.Path,
			"attempt", attempt,
			"next_delay", next,
			"error", err,
		)
	})
}

func (c *Client) attempt(ctx context.Context, req Request, body []byte, out interface{}) error {
	if c.limiter != nil {
		endpoint := req.Endpoint
		if endpoint == "" {
			endpoint = "default"
		}
		if _, err := c.limiter.Acquire(ctx, c.accountID, endpoint, c.limits); err != nil {
			return err
		}
	}
	if c.breaker == nil {
		return c.roundTrip(ctx, req, body, out)
	}
	_, err := circuitbreaker.Do(ctx, c.breaker, func() (struct{}, error) {
		return struct{}{}, c.roundTrip(ctx, req, body, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, req Request, body []byte, out interface{}) error {
	endpoint := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, reader)
	if err != nil {
		return apperrors.ErrConfiguration.WithCause(err).WithMessage("failed to build request")
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if c.transport != nil {
			if mapped := c.transport(err); mapped != nil {
				return mapped
			}
		}
		return apperrors.ErrConnection.WithCause(err).WithMessage(fmt.Sprintf("%s request failed", c.name))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return apperrors.ErrConnection.WithCause(err).WithMessage("failed to read response")
	}

	if resp.StatusCode >= constants.HTTPStatusOKMin && resp.StatusCode < constants.HTTPStatusOKMax {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return apperrors.ErrSend.WithCause(err).WithMessage("failed to decode response")
		}
		return nil
	}

	return classifyResponse(resp, payload)
}

func classifyResponse(resp *http.Response, payload []byte) error {
	var gErr graphError
	_ = json.Unmarshal(payload, &gErr)
	msg := gErr.Error.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.ErrRateLimitExceeded.
			WithMessage(msg).
			WithRetryAfter(ParseRetryAfter(resp.Header.Get("Retry-After"))).
			WithDetail("provider_code", gErr.Error.Code)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden, gErr.Error.Code == codeInvalidToken:
		return apperrors.ErrAuthentication.WithMessage(msg).WithDetail("provider_code", gErr.Error.Code)
	case resp.StatusCode >= http.StatusInternalServerError:
		return apperrors.ErrConnection.WithMessage(msg).WithDetail("status", resp.StatusCode)
	default:
		return apperrors.ErrSend.
			WithMessage(msg).
			WithDetail("status", resp.StatusCode).
			WithDetail("provider_code", strconv.Itoa(gErr.Error.Code))
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date, defaulting to constants.DefaultRetryAfter.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return constants.DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return constants.DefaultRetryAfter
}
