package conduit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout bounds a single call when no timeout option is given.
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent is sent with every request unless overridden.
	DefaultUserAgent = "phab-conduit/1.0"

	// RevisionSearchMethod is the Differential revision search endpoint.
	RevisionSearchMethod = "differential.revision.search"
	// WhoAmIMethod returns the user that owns the API token.
	WhoAmIMethod = "user.whoami"

	tokenField        = "api.token"
	requestIDHeader   = "X-Request-Id"
	maxResponseBytes  = 32 << 20
	maxErrorBodyBytes = 512
	tracerName        = "github.com/pdehaan/phab-conduit/pkg/conduit"
)

// Credentials identify the Conduit server and the API token used to call it.
type Credentials struct {
	APIURL   string
	APIToken string
}

// Validate reports a *ConfigError when the URL or token is missing or the URL
// is not an absolute http(s) URL.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return &ConfigError{Field: "api_url", Err: ErrMissingAPIURL}
	}
	u, err := url.Parse(strings.TrimSpace(c.APIURL))
	if err != nil {
		return &ConfigError{Field: "api_url", Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigError{Field: "api_url", Err: fmt.Errorf("%q is not an absolute http(s) URL", c.APIURL)}
	}
	if strings.TrimSpace(c.APIToken) == "" {
		return &ConfigError{Field: "api_token", Err: ErrMissingAPIToken}
	}
	return nil
}

// String masks the token so credentials can be logged.
func (c Credentials) String() string {
	return fmt.Sprintf("{api_url: %s, api_token: %s}", c.APIURL, maskToken(c.APIToken))
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "***" + token[len(token)-4:]
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallInfo describes one finished call and is handed to the observer.
type CallInfo struct {
	Method     string
	RequestID  string
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default otelhttp-instrumented HTTP client.
func WithHTTPClient(doer Doer) Option {
	return func(c *Client) {
		c.httpClient = doer
	}
}

// WithTimeout bounds each call. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithListStyle selects how list parameters are encoded.
func WithListStyle(style ListStyle) Option {
	return func(c *Client) {
		c.listStyle = style
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithObserver registers a callback invoked once per finished call.
func WithObserver(fn func(CallInfo)) Option {
	return func(c *Client) {
		c.observer = fn
	}
}

// WithTracerProvider sets the provider used for call spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// Client calls Conduit methods. It holds no mutable state after construction
// and is safe to share.
type Client struct {
	baseURL    string
	token      string
	httpClient Doer
	timeout    time.Duration
	listStyle  ListStyle
	userAgent  string
	observer   func(CallInfo)
	tracer     trace.Tracer
}

// NewClient validates creds and builds a client. Invalid credentials fail with
// *ConfigError.
func NewClient(creds Credentials, opts ...Option) (*Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(creds.APIURL), "/"),
		token:     strings.TrimSpace(creds.APIToken),
		timeout:   DefaultTimeout,
		listStyle: ListIndexed,
		userAgent: DefaultUserAgent,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return c, nil
}

// BaseURL returns the API base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SearchParams are the arguments shared by *.search endpoints.
type SearchParams struct {
	QueryKey    string
	Constraints map[string]any
	Attachments map[string]bool
	// Order is a builtin order name or a list of column names.
	Order  any
	Limit  int
	After  string
	Before string
}

func (p SearchParams) encode(form url.Values, style ListStyle) error {
	if p.QueryKey != "" {
		form.Set("queryKey", p.QueryKey)
	}
	if err := EncodeConstraints(form, p.Constraints, style); err != nil {
		return err
	}
	if len(p.Attachments) > 0 {
		if err := EncodeForm(form, "attachments", p.Attachments, style); err != nil {
			return err
		}
	}
	if p.Order != nil {
		if err := EncodeForm(form, "order", p.Order, style); err != nil {
			return err
		}
	}
	if p.Limit > 0 {
		form.Set("limit", fmt.Sprint(p.Limit))
	}
	if p.After != "" {
		form.Set("after", p.After)
	}
	if p.Before != "" {
		form.Set("before", p.Before)
	}
	return nil
}

// Search calls a *.search endpoint with the given constraints and returns
// result.data in server order.
func (c *Client) Search(ctx context.Context, endpoint string, constraints map[string]any) ([]Revision, error) {
	res, err := c.SearchWith(ctx, endpoint, SearchParams{Constraints: constraints})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// SearchWith is Search with the full set of search parameters. It also
// returns the paging cursor.
func (c *Client) SearchWith(ctx context.Context, endpoint string, params SearchParams) (*SearchResult, error) {
	form := url.Values{}
	if err := params.encode(form, c.listStyle); err != nil {
		return nil, err
	}

	raw, err := c.call(ctx, endpoint, form)
	if err != nil {
		return nil, err
	}
	return decodeSearchResult(endpoint, raw)
}

// Call invokes any Conduit method and returns the raw result value. Each
// entry of params is encoded under its own key.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	form := url.Values{}
	for key, value := range params {
		if err := EncodeForm(form, key, value, c.listStyle); err != nil {
			return nil, err
		}
	}
	return c.call(ctx, method, form)
}

// WhoAmI returns the user that owns the configured token.
func (c *Client) WhoAmI(ctx context.Context) (*User, error) {
	raw, err := c.Call(ctx, WhoAmIMethod, nil)
	if err != nil {
		return nil, err
	}
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, &DecodeError{Method: WhoAmIMethod, Err: err}
	}
	return &user, nil
}

// RevisionByID fetches revision D<id>. ErrRevisionNotFound is returned when
// the server has no such revision or the token cannot see it.
func (c *Client) RevisionByID(ctx context.Context, id int64) (Revision, error) {
	revs, err := c.Search(ctx, RevisionSearchMethod, map[string]any{"ids": []int64{id}})
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, fmt.Errorf("D%d: %w", id, ErrRevisionNotFound)
	}
	return revs[0], nil
}

func (c *Client) call(ctx context.Context, method string, form url.Values) (json.RawMessage, error) {
	if strings.TrimSpace(method) == "" {
		return nil, ErrEmptyEndpoint
	}

	requestID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "conduit."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("conduit.method", method),
			attribute.String("conduit.request_id", requestID),
		),
	)
	defer span.End()

	start := time.Now()
	status, result, err := c.roundTrip(ctx, method, requestID, form)

	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errorKind(err))
	}
	if c.observer != nil {
		c.observer(CallInfo{
			Method:     method,
			RequestID:  requestID,
			StatusCode: status,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	return result, err
}

func (c *Client) roundTrip(ctx context.Context, method, requestID string, form url.Values) (int, json.RawMessage, error) {
	form.Set(tokenField, c.token)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, &TransportError{Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(requestIDHeader, requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Method: method, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, &TransportError{Method: method, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, nil, &TransportError{
			Method:     method,
			StatusCode: resp.StatusCode,
			Body:       truncate(body, maxErrorBodyBytes),
		}
	}

	result, err := unwrapEnvelope(method, body)
	return resp.StatusCode, result, err
}

type envelope struct {
	Result    json.RawMessage `json:"result"`
	ErrorCode *string         `json:"error_code"`
	ErrorInfo *string         `json:"error_info"`
}

func unwrapEnvelope(method string, body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &DecodeError{Method: method, Err: err}
	}
	if env.ErrorCode != nil && *env.ErrorCode != "" {
		apiErr := &APIError{Method: method, Code: *env.ErrorCode}
		if env.ErrorInfo != nil {
			apiErr.Info = *env.ErrorInfo
		}
		return nil, apiErr
	}
	return env.Result, nil
}

func decodeSearchResult(method string, raw json.RawMessage) (*SearchResult, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, &DecodeError{Method: method, Err: errors.New("missing result")}
	}

	var shape struct {
		Data   *[]json.RawMessage `json:"data"`
		Cursor Cursor             `json:"cursor"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, &DecodeError{Method: method, Err: err}
	}
	if shape.Data == nil {
		return nil, &DecodeError{Method: method, Err: errors.New("missing result.data")}
	}

	out := &SearchResult{
		Data:   make([]Revision, 0, len(*shape.Data)),
		Cursor: shape.Cursor,
	}
	for i, item := range *shape.Data {
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		var rev Revision
		if err := dec.Decode(&rev); err != nil {
			return nil, &DecodeError{Method: method, Err: fmt.Errorf("result.data[%d]: %w", i, err)}
		}
		if rev == nil {
			return nil, &DecodeError{Method: method, Err: fmt.Errorf("result.data[%d] is not an object", i)}
		}
		out.Data = append(out.Data, rev)
	}
	return out, nil
}

func errorKind(err error) string {
	var (
		configErr    *ConfigError
		transportErr *TransportError
		apiErr       *APIError
		decodeErr    *DecodeError
	)
	switch {
	case errors.As(err, &configErr):
		return "config"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.As(err, &apiErr):
		return "api"
	case errors.As(err, &decodeErr):
		return "decode"
	default:
		return "other"
	}
}

// ErrorKind classifies err as config, transport, api, decode or other. It is
// used as a low-cardinality metric label.
func ErrorKind(err error) string {
	if err == nil {
		return "none"
	}
	return errorKind(err)
}

// truncate returns at most n bytes of b, cut on a rune boundary, with invalid
// UTF-8 replaced so the snippet is safe to log as JSON.
func truncate(b []byte, n int) string {
	s := strings.ToValidUTF8(strings.TrimSpace(string(b)), "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
