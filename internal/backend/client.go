package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"kbchat/internal/core"
	"kbchat/internal/stream"
)

const (
	// DefaultSessionHeader carries the session token on every request.
	DefaultSessionHeader = "X-Session-ID"

	defaultProbeTimeout   = 5 * time.Second
	defaultRequestTimeout = 60 * time.Second
	maxErrorBodyBytes     = 4 * 1024
)

// ErrMissingBaseURL is returned when the client has no backend address.
var ErrMissingBaseURL = errors.New("backend base url is required")

// TokenSource yields the current session token. It is read on every request
// so a session reset takes effect immediately.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

// Token implements TokenSource.
func (f TokenFunc) Token() string { return f() }

// Config configures a Client.
type Config struct {
	BaseURL string
	// HTTPClient serves probes, uploads and non-streaming chat.
	HTTPClient *http.Client
	// StreamClient serves POST /stream and must not carry a timeout.
	StreamClient   *http.Client
	SessionHeader  string
	Tokens         TokenSource
	Logger         *zap.Logger
	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
	Consumer       *stream.Consumer
}

// Client talks to the knowledge/chat backend.
type Client struct {
	baseURL        string
	http           *http.Client
	streamHTTP     *http.Client
	header         string
	tokens         TokenSource
	logger         *zap.Logger
	probeTimeout   time.Duration
	requestTimeout time.Duration
	consumer       *stream.Consumer
}

// New constructs a client with defaults applied.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	streamClient := cfg.StreamClient
	if streamClient == nil {
		streamClient = &http.Client{}
	}
	header := strings.TrimSpace(cfg.SessionHeader)
	if header == "" {
		header = DefaultSessionHeader
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = TokenFunc(func() string { return "" })
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	consumer := cfg.Consumer
	if consumer == nil {
		consumer = stream.New(stream.Config{Logger: logger})
	}

	return &Client{
		baseURL:        baseURL,
		http:           httpClient,
		streamHTTP:     streamClient,
		header:         header,
		tokens:         tokens,
		logger:         logger,
		probeTimeout:   probeTimeout,
		requestTimeout: requestTimeout,
		consumer:       consumer,
	}, nil
}

// Health probes GET /health within the probe timeout.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	resp, err := c.do(ctx, c.http, http.MethodGet, "/health", nil, "health")
	if err != nil {
		return err
	}
	drainClose(resp.Body)
	return nil
}

// KnowledgeStatus reads GET /knowledge/status within the probe timeout.
func (c *Client) KnowledgeStatus(ctx context.Context) (core.KnowledgeStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	var status core.KnowledgeStatus
	if err := c.doJSON(ctx, http.MethodGet, "/knowledge/status", nil, &status, "knowledge status"); err != nil {
		return core.KnowledgeStatus{}, err
	}
	return status, nil
}

// UploadKnowledge posts chunks to the current session. An empty SessionID is
// filled with the live token.
func (c *Client) UploadKnowledge(ctx context.Context, req core.UploadRequest) (core.UploadResponse, error) {
	if len(req.KnowledgeChunks) == 0 {
		return core.UploadResponse{}, fmt.Errorf("%w: upload has no chunks", core.ErrInvalidRequest)
	}
	if req.SessionID == "" {
		req.SessionID = c.tokens.Token()
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var resp core.UploadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/knowledge/upload", req, &resp, "upload knowledge"); err != nil {
		return core.UploadResponse{}, err
	}
	if !resp.Success {
		return resp, &core.ProtocolError{Message: firstNonEmpty(resp.Message, "upload rejected")}
	}
	c.logger.Debug("knowledge uploaded",
		zap.Int("chunks", resp.ChunksProcessed),
		zap.Strings("domains", resp.Domains),
	)
	return resp, nil
}

// Chat performs one non-streaming exchange via POST /chat.
func (c *Client) Chat(ctx context.Context, req core.ChatRequest) (core.ChatResponse, error) {
	if err := c.prepareChat(&req); err != nil {
		return core.ChatResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var resp core.ChatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/chat", req, &resp, "chat"); err != nil {
		return core.ChatResponse{}, err
	}
	if !resp.Success || resp.Error != "" {
		return resp, &core.ProtocolError{Message: firstNonEmpty(resp.Error, resp.Message, "chat failed")}
	}
	return resp, nil
}

// Stream opens POST /stream and returns the consumer's event channel. The
// request has no deadline; cancel ctx to abort. A non-2xx reply is returned
// as an error before any event is produced.
func (c *Client) Stream(ctx context.Context, req core.ChatRequest) (<-chan core.Event, error) {
	if err := c.prepareChat(&req); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, c.streamHTTP, http.MethodPost, "/stream", req, "open stream")
	if err != nil {
		return nil, err
	}
	return c.consumer.Consume(ctx, resp.Body), nil
}

func (c *Client) prepareChat(req *core.ChatRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("%w: message is empty", core.ErrInvalidRequest)
	}
	if req.SessionID == "" {
		req.SessionID = c.tokens.Token()
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, op string) error {
	resp, err := c.do(ctx, c.http, method, path, body, op)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &core.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// do sends one request and returns the response for 2xx replies only.
func (c *Client) do(ctx context.Context, client *http.Client, method, path string, body any, op string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s: %v", core.ErrInvalidRequest, op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidRequest, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token := c.tokens.Token(); token != "" {
		req.Header.Set(c.header, token)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}
		return nil, core.MarkRetryable(&core.TransportError{Op: op, Unreachable: isUnreachable(err), Err: err})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		drainClose(resp.Body)
		transportErr := &core.TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
		c.logger.Debug("backend returned error status",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
		)
		if resp.StatusCode >= 500 {
			return nil, core.MarkRetryable(transportErr)
		}
		return nil, transportErr
	}
	return resp, nil
}

// isUnreachable reports connection-level failures where no HTTP exchange happened.
func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBodyBytes))
	_ = body.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
