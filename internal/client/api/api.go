// Package api is the HTTP client for the SaveSync server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/savesync/savesync/internal/model"
)

// Error kinds. Every error returned by Client wraps exactly one of them.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrBadRequest   = errors.New("bad request")
	ErrTooLarge     = errors.New("payload too large")
	ErrRateLimited  = errors.New("rate limited")
	ErrServer       = errors.New("server error")
	ErrUnreachable  = errors.New("server unreachable")
)

// Response headers set by GET /saves/{emulator}.
const (
	headerLastModified = "X-Save-Last-Modified"
	headerChecksum     = "X-Save-Checksum"
	headerAPIKey       = "X-API-Key"
)

const defaultTimeout = 5 * time.Minute

// Error is a non-2xx response decoded from the server's error envelope.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	kind       error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (HTTP %d)", e.kind, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d %s): %s", e.kind, e.StatusCode, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.kind }

// Download is a fetched bundle.
type Download struct {
	Payload []byte
	Info    model.BundleInfo
}

// Client talks to one server. The API key is passed per call so that the
// caller can rotate it mid-invocation.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
	logger    *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the debug logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New returns a Client for serverURL.
func New(serverURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url %q must include scheme and host", serverURL)
	}

	c := &Client{
		baseURL:   u,
		http:      &http.Client{Timeout: defaultTimeout},
		userAgent: "savesync",
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

// Register issues a new key for nickname and returns it.
func (c *Client) Register(ctx context.Context, nickname string) (string, error) {
	body, err := json.Marshal(model.RegisterRequest{Nickname: nickname})
	if err != nil {
		return "", err
	}

	var resp model.RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint("register"), "", "application/json", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	if resp.APIKey == "" {
		return "", fmt.Errorf("%w: register response without api_key", ErrServer)
	}
	return resp.APIKey, nil
}

// Validate checks key and returns the nickname it belongs to.
func (c *Client) Validate(ctx context.Context, key string) (string, error) {
	var resp model.ValidateResponse
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint("validate"), key, "", nil, &resp); err != nil {
		return "", err
	}
	return resp.Nickname, nil
}

// Info returns metadata for the caller's bundle of emulator.
func (c *Client) Info(ctx context.Context, key, emulator string) (*model.BundleInfo, error) {
	var info model.BundleInfo
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint("saves", emulator, "info"), key, "", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// List returns metadata for all of the caller's bundles.
func (c *Client) List(ctx context.Context, key string) ([]model.BundleInfo, error) {
	var resp model.BundleListResponse
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint("saves"), key, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Saves, nil
}

// Upload replaces the caller's bundle of emulator with payload, sent as the
// "file" field of a multipart form.
func (c *Client) Upload(ctx context.Context, key, emulator string, payload []byte) (*model.BundleInfo, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", emulator+".zip")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(payload); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var info model.BundleInfo
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint("saves", emulator), key, mw.FormDataContentType(), &body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Download fetches the caller's bundle of emulator.
func (c *Client) Download(ctx context.Context, key, emulator string) (*Download, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("saves", emulator), key, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}

	lm, err := time.Parse(time.RFC3339Nano, resp.Header.Get(headerLastModified))
	if err != nil {
		return nil, fmt.Errorf("%w: bad %s header: %v", ErrServer, headerLastModified, err)
	}

	return &Download{
		Payload: payload,
		Info: model.BundleInfo{
			Emulator:     emulator,
			LastModified: lm,
			Size:         int64(len(payload)),
			Checksum:     resp.Header.Get(headerChecksum),
		},
	}, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint, key, contentType string, body io.Reader, out any) error {
	resp, err := c.do(ctx, method, endpoint, key, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrServer, err)
	}
	return nil
}

// do sends the request and converts transport failures and non-2xx
// statuses into errors. On success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, method, endpoint, key, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if key != "" {
		req.Header.Set(headerAPIKey, key)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	c.logger.Debug("api request",
		slog.String("method", method),
		slog.String("url", endpoint),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	return nil, decodeError(resp)
}

func decodeError(resp *http.Response) error {
	e := &Error{StatusCode: resp.StatusCode, kind: kindFor(resp.StatusCode)}

	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &env) == nil {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
	}
	if e.Message == "" && resp.StatusCode == http.StatusTooManyRequests {
		e.Message = "retry after " + strconv.Quote(resp.Header.Get("Retry-After")) + " seconds"
	}
	return e
}

func kindFor(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 400 && status < 500:
		return ErrBadRequest
	default:
		return ErrServer
	}
}
