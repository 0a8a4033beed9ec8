package wares

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
	"os"
	"strings"
	"time"

	"github.com/nugget/wares/internal/httpkit"
)

const (
	// DefaultBaseURL is used when a Source supplies no base URL,
	// matching the marketplace's local development address.
	DefaultBaseURL = "http://localhost:3002"

	// DefaultTimeout bounds each request when Config.Timeout is zero.
	DefaultTimeout = 30 * time.Second

	// DefaultUserID is the placeholder identity sent when no accessor
	// is configured or the accessor returns nothing.
	DefaultUserID = "anonymous"

	// maxErrorBody caps how much of a failure response is read while
	// extracting an error message.
	maxErrorBody = 64 * 1024
)

// Source supplies client settings from a host environment. The client
// itself never inspects the environment it runs in; hosts inject
// whatever Source fits them (process env, an app's settings store, a
// config file section).
type Source interface {
	BaseURL() string
	APIKey() string
	Token() string
}

// EnvSource reads settings from the WARES_URL, WARES_API_KEY, and
// WARES_TOKEN environment variables.
type EnvSource struct{}

func (EnvSource) BaseURL() string { return os.Getenv("WARES_URL") }
func (EnvSource) APIKey() string  { return os.Getenv("WARES_API_KEY") }
func (EnvSource) Token() string   { return os.Getenv("WARES_TOKEN") }

// FromSource builds a Config from src, falling back to DefaultBaseURL
// when the source has no base URL. Callers can adjust the returned
// Config (timeout, identity, logger) before passing it to New.
func FromSource(src Source) Config {
	base := src.BaseURL()
	if base == "" {
		base = DefaultBaseURL
	}
	return Config{
		BaseURL: base,
		APIKey:  src.APIKey(),
		Token:   src.Token(),
	}
}

// Config holds client settings. Configuration is fixed at
// construction; build a new client to change it.
type Config struct {
	// BaseURL is the marketplace root, e.g. "https://market.example.net".
	// Required.
	BaseURL string

	// APIKey authenticates requests via the x-api-key header. When
	// both APIKey and Token are set, APIKey wins.
	APIKey string

	// Token authenticates requests as "Authorization: Bearer <token>"
	// when no API key is configured.
	Token string

	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration

	// UserID returns the identity sent in the x-user-id header. When
	// nil, or when it returns "", DefaultUserID is sent.
	UserID func() string

	// Logger receives debug-level request traces. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Client talks to a wares marketplace. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	token      string
	timeout    time.Duration
	userID     func() string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client from cfg. The base URL is required; a trailing
// slash is trimmed.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("wares: base URL is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		token:   cfg.Token,
		timeout: timeout,
		userID:  cfg.UserID,
		// The per-call context carries the deadline, so the client
		// level timeout stays off: downloads must not be bounded twice.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:     logger,
	}, nil
}

// BaseURL returns the configured marketplace root.
func (c *Client) BaseURL() string { return c.baseURL }

// RequestOption customizes one outbound request. Options run after
// the computed headers are set, so a caller-supplied header replaces
// the default of the same name.
type RequestOption func(*http.Request)

// WithHeader sets a header on the outbound request, overriding any
// computed default with the same name.
func WithHeader(key, value string) RequestOption {
	return func(req *http.Request) { req.Header.Set(key, value) }
}

// apiRequest describes one marketplace call before it is sent.
type apiRequest struct {
	method      string
	path        string // starts with /, identifiers already escaped
	query       url.Values
	body        io.Reader
	contentType string
	fallback    string // error message when the server supplies none
	opts        []RequestOption
}

// do executes a single marketplace request and returns the response
// body. It applies the header policy, bounds the call with the
// configured timeout, and maps failures:
//
//   - deadline exceeded      -> *APIError{"Request timeout", 408}
//   - non-2xx status         -> *APIError from the response body, or
//     the operation fallback when the body has no usable message
//   - other transport errors -> wrapped and returned as-is
func (c *Client) do(ctx context.Context, r apiRequest) ([]byte, error) {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	// Arm the per-call timeout; the deferred cancel releases the
	// timer on every exit path.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.method, u, r.body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("x-user-id", c.identity())
	switch {
	case c.apiKey != "":
		req.Header.Set("x-api-key", c.apiKey)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	// Caller options run last so explicit headers win over the
	// computed defaults.
	for _, opt := range r.opts {
		opt(req)
	}

	c.logger.Debug("marketplace request", "method", r.method, "url", u)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &APIError{Message: "Request timeout", Status: http.StatusRequestTimeout}
		}
		return nil, fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.apiError(resp, r.fallback)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &APIError{Message: "Request timeout", Status: http.StatusRequestTimeout}
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// doJSON executes a JSON request and decodes the response body into
// out when out is non-nil and the body is non-empty. A success
// response that lacks an expected envelope field leaves out's zero
// value in place rather than failing.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body io.Reader, fallback string, out any, opts []RequestOption) error {
	raw, err := c.do(ctx, apiRequest{
		method:      method,
		path:        path,
		query:       query,
		body:        body,
		contentType: "application/json",
		fallback:    fallback,
		opts:        opts,
	})
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// identity resolves the x-user-id header value.
func (c *Client) identity() string {
	if c.userID != nil {
		if id := c.userID(); id != "" {
			return id
		}
	}
	return DefaultUserID
}

// apiError builds the structured error for a non-2xx response. The
// body is parsed as {"error": ..., "code": ...}; when the message is
// missing or the body does not parse, fallback is used. The HTTP
// status is always carried.
func (c *Client) apiError(resp *http.Response, fallback string) error {
	apiErr := &APIError{Message: fallback, Status: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return apiErr
	}

	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return apiErr
	}
	if payload.Error != "" {
		apiErr.Message = payload.Error
	}
	apiErr.Code = payload.Code
	return apiErr
}

// appsEnvelope unwraps list and search responses. An absent apps
// field decodes to nil and is normalized to an empty slice.
type appsEnvelope struct {
	Apps []App `json:"apps"`
}

// ListApps returns marketplace apps matching filter. A nil filter
// lists everything visible to the caller. A response without an apps
// field yields an empty slice, not an error.
func (c *Client) ListApps(ctx context.Context, filter *Filter, opts ...RequestOption) ([]App, error) {
	return c.listApps(ctx, filter.values(), "Failed to fetch apps", opts)
}

// SearchApps merges the free-text query into filter and returns
// matching apps.
func (c *Client) SearchApps(ctx context.Context, query string, filter *Filter, opts ...RequestOption) ([]App, error) {
	v := filter.values()
	v.Set("search", query)
	return c.listApps(ctx, v, "Failed to search apps", opts)
}

func (c *Client) listApps(ctx context.Context, query url.Values, fallback string, opts []RequestOption) ([]App, error) {
	var env appsEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/api/apps", query, nil, fallback, &env, opts); err != nil {
		return nil, err
	}
	if env.Apps == nil {
		return []App{}, nil
	}
	return env.Apps, nil
}

// GetApp fetches a single app by ID.
func (c *Client) GetApp(ctx context.Context, id string, opts ...RequestOption) (App, error) {
	var env struct {
		App App `json:"app"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/apps/"+url.PathEscape(id), nil, nil, "Failed to fetch app", &env, opts)
	return env.App, err
}

// DownloadApp fetches an app's package archive. An empty version
// downloads the latest release. The whole payload is buffered in
// memory; there is no streaming or resume.
func (c *Client) DownloadApp(ctx context.Context, id, version string, opts ...RequestOption) ([]byte, error) {
	var query url.Values
	if version != "" {
		query = url.Values{"version": {version}}
	}
	return c.do(ctx, apiRequest{
		method:      http.MethodGet,
		path:        "/api/apps/" + url.PathEscape(id) + "/download",
		query:       query,
		contentType: "application/json",
		fallback:    "Failed to download app",
		opts:        opts,
	})
}

// GetManifest fetches an app's packaging manifest.
func (c *Client) GetManifest(ctx context.Context, id string, opts ...RequestOption) (Manifest, error) {
	var env struct {
		Manifest Manifest `json:"manifest"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/apps/"+url.PathEscape(id)+"/manifest", nil, nil, "Failed to fetch manifest", &env, opts)
	return env.Manifest, err
}

// UploadApp publishes a package archive to the marketplace. pkg is the
// complete archive content and filename names it in the form. The
// request body is a multipart form with fields "package" and
// "visibility", and carries the form's own content type: a JSON
// content type is never set on uploads.
func (c *Client) UploadApp(ctx context.Context, pkg []byte, filename string, visibility Visibility, opts ...RequestOption) (App, error) {
	if visibility == "" {
		visibility = VisibilityPrivate
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("package", filename)
	if err != nil {
		return App{}, fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(pkg); err != nil {
		return App{}, fmt.Errorf("build form: %w", err)
	}
	if err := w.WriteField("visibility", string(visibility)); err != nil {
		return App{}, fmt.Errorf("build form: %w", err)
	}
	if err := w.Close(); err != nil {
		return App{}, fmt.Errorf("build form: %w", err)
	}

	raw, err := c.do(ctx, apiRequest{
		method:      http.MethodPost,
		path:        "/api/apps/upload",
		body:        &buf,
		contentType: w.FormDataContentType(),
		fallback:    "Upload failed",
		opts:        opts,
	})
	if err != nil {
		return App{}, err
	}

	var env struct {
		App App `json:"app"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return App{}, fmt.Errorf("decode response: %w", err)
		}
	}
	return env.App, nil
}

// GetAppHealth probes a deployed app's health endpoint.
func (c *Client) GetAppHealth(ctx context.Context, id string, opts ...RequestOption) (Health, error) {
	var h Health
	err := c.doJSON(ctx, http.MethodGet, "/api/apps/"+url.PathEscape(id)+"/health", nil, nil, "Failed to check app health", &h, opts)
	return h, err
}

// DeleteApp removes an app the caller owns.
func (c *Client) DeleteApp(ctx context.Context, id string, opts ...RequestOption) error {
	_, err := c.do(ctx, apiRequest{
		method:      http.MethodDelete,
		path:        "/api/apps/" + url.PathEscape(id),
		contentType: "application/json",
		fallback:    "Failed to delete app",
		opts:        opts,
	})
	return err
}

// AddAppToAccount provisions an app for the calling account, returning
// the server record the marketplace created for it, when there is one.
func (c *Client) AddAppToAccount(ctx context.Context, id string, opts ...RequestOption) (AddResult, error) {
	var res AddResult
	err := c.doJSON(ctx, http.MethodPost, "/api/apps/"+url.PathEscape(id)+"/add-to-account", nil, nil, "Failed to add app to account", &res, opts)
	return res, err
}
