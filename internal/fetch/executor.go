// Package fetch issues rate-gated HTTP requests against instance APIs and
// classifies every result into a structured outcome.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/fedigraph/fedigraph/internal/ratelimit"
	"github.com/fedigraph/fedigraph/internal/telemetry"
)

// OutcomeKind classifies the result of one fetch attempt.
type OutcomeKind string

// Outcome kinds. A single attempt yields exactly one kind; there are no
// retries.
const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeHTTPError       OutcomeKind = "http_error"
	OutcomeTimeout         OutcomeKind = "timeout"
	OutcomeConnectionError OutcomeKind = "connection_error"
	OutcomeDecodeError     OutcomeKind = "decode_error"
)

// Request describes one API call against an instance. Body, when non-nil,
// is JSON-encoded and sent with a POST (misskey-style APIs).
type Request struct {
	Method string
	Host   string
	Path   string
	Query  url.Values
	Body   any
}

// Error carries the outcome classification alongside the wrapped cause.
type Error struct {
	Kind       OutcomeKind
	StatusCode int
	URL        string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the outcome kind from an executor error. Unknown errors
// (context cancellation bubbling through the gate) count as connection
// errors for status purposes.
func KindOf(err error) OutcomeKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return OutcomeConnectionError
}

// Config controls Executor behavior.
type Config struct {
	Timeout   time.Duration
	UserAgent string
	// Scheme defaults to https. Tests point it at plain-HTTP servers.
	Scheme string
}

// Executor dispatches requests through the per-host rate gate with a
// per-request timeout. It has no knowledge of graph semantics.
type Executor struct {
	client    *http.Client
	gate      *ratelimit.Gate
	timeout   time.Duration
	userAgent string
	scheme    string
	logger    *zap.Logger
}

// NewExecutor constructs an Executor on top of gate.
func NewExecutor(gate *ratelimit.Gate, cfg Config, logger *zap.Logger) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return &Executor{
		client:    &http.Client{Timeout: timeout},
		gate:      gate,
		timeout:   timeout,
		userAgent: cfg.UserAgent,
		scheme:    scheme,
		logger:    logger,
	}
}

// JSON performs the request and decodes the response body into out. The
// rate gate is acquired before dispatch and released on every path.
func (e *Executor) JSON(ctx context.Context, req Request, out any) error {
	start := time.Now()
	err := e.do(ctx, req, out)
	kind := OutcomeSuccess
	if err != nil {
		kind = KindOf(err)
	}
	telemetry.ObserveFetch(string(kind), time.Since(start))
	return err
}

func (e *Executor) do(ctx context.Context, req Request, out any) error {
	target := e.buildURL(req)

	release, err := e.gate.Acquire(ctx, req.Host)
	if err != nil {
		return &Error{Kind: OutcomeConnectionError, URL: target, Err: err}
	}
	defer release()

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := e.buildHTTPRequest(reqCtx, req, target)
	if err != nil {
		return &Error{Kind: OutcomeConnectionError, URL: target, Err: err}
	}

	e.logger.Debug("fetching", zap.String("url", target), zap.String("method", httpReq.Method))

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return &Error{Kind: classifyTransport(err), URL: target, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: OutcomeHTTPError, StatusCode: resp.StatusCode, URL: target}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &Error{Kind: classifyTransport(err), URL: target, Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: OutcomeDecodeError, URL: target, Err: err}
	}
	return nil
}

// Instance API payloads are small; anything larger is malformed.
const maxBodyBytes = 32 << 20

func (e *Executor) buildURL(req Request) string {
	u := url.URL{Scheme: e.scheme, Host: req.Host, Path: req.Path}
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	return u.String()
}

func (e *Executor) buildHTTPRequest(ctx context.Context, req Request, target string) (*http.Request, error) {
	method := req.Method
	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(payload)
		if method == "" {
			method = http.MethodPost
		}
	}
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if e.userAgent != "" {
		httpReq.Header.Set("User-Agent", e.userAgent)
	}
	return httpReq, nil
}

func classifyTransport(err error) OutcomeKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeConnectionError
}
