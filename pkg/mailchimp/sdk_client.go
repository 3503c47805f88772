package mailchimp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"go.miloapis.com/email-provider-mailchimp/pkg/version"
)

const (
	// MailChimp ignores the basic auth username but requires it to be set.
	basicAuthUser = "username"

	debugLevel = 1
)

// Client is the MailChimp API client.
type Client struct {
	apiKey     string
	baseURL    string
	listID     string
	httpClient *http.Client
	logger     logr.Logger
	validator  EmailValidator

	mu   sync.Mutex
	last Outcome
}

// Outcome is the status code and raw body of one API call.
type Outcome struct {
	StatusCode int
	Body       string
}

// Err converts a non-2xx response into an *Error. It returns nil for
// successful responses and for calls that never got a response.
func (o Outcome) Err() error {
	if o.StatusCode == 0 || (o.StatusCode >= 200 && o.StatusCode < 300) {
		return nil
	}
	return &Error{StatusCode: o.StatusCode, Body: o.Body}
}

// ClientOption defines a functional option for configuring the Client.
type ClientOption func(*Client)

// WithBaseURL sets the API root. It must end with a slash, e.g.
// https://us6.api.mailchimp.com/3.0/.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithListID sets the list member operations act on.
func WithListID(listID string) ClientOption {
	return func(c *Client) {
		c.listID = listID
	}
}

// WithLogger sets the logger used when the request context carries none.
func WithLogger(logger logr.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithEmailValidator replaces the default email validator.
func WithEmailValidator(v EmailValidator) ClientOption {
	return func(c *Client) {
		c.validator = v
	}
}

// NewSDK creates a new MailChimp API client. Unless overridden, the base
// URL is derived from the data center suffix of apiKey.
//
// A missing API key or base URL is not an error here; CheckConfig reports
// it, and every call made in that state logs a warning.
func NewSDK(apiKey string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DataCenterURL(apiKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logr.Discard(),
		validator:  NewEmailValidator(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if c.validator == nil {
		return nil, fmt.Errorf("email validator is required")
	}
	if c.baseURL != "" {
		if _, err := url.Parse(c.baseURL); err != nil {
			return nil, fmt.Errorf("invalid base url: %w", err)
		}
	}

	return c, nil
}

// DataCenterURL returns the API root for the data center named by the
// suffix of a MailChimp API key ("<key>-us6"), or "" if there is none.
func DataCenterURL(apiKey string) string {
	i := strings.LastIndex(apiKey, "-")
	if i < 0 || i == len(apiKey)-1 {
		return ""
	}
	return fmt.Sprintf("https://%s.api.mailchimp.com/3.0/", apiKey[i+1:])
}

// CheckConfig reports settings that will make calls fail upstream.
func (c *Client) CheckConfig() error {
	var errs []error
	if c.baseURL == "" {
		errs = append(errs, &ConfigurationError{
			Setting: "base url",
			Message: "not defined; expected https://<dc>.api.mailchimp.com/3.0/",
		})
	} else if !strings.HasSuffix(c.baseURL, "/") {
		errs = append(errs, &ConfigurationError{
			Setting: "base url",
			Message: fmt.Sprintf("%q must end with a slash", c.baseURL),
		})
	}
	if c.apiKey == "" {
		errs = append(errs, &ConfigurationError{
			Setting: "api key",
			Message: "not defined",
		})
	}
	return errors.Join(errs...)
}

// SetListID changes the list subsequent operations act on.
func (c *Client) SetListID(listID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listID = listID
}

// ForList returns a client bound to listID. It shares the HTTP client and
// settings of c but keeps its own last outcome.
func (c *Client) ForList(listID string) *Client {
	return &Client{
		apiKey:     c.apiKey,
		baseURL:    c.baseURL,
		listID:     listID,
		httpClient: c.httpClient,
		logger:     c.logger,
		validator:  c.validator,
	}
}

// List implements Lists.
func (c *Client) List(listID string) API {
	return c.ForList(listID)
}

// LastOutcome returns the status and body of the most recent call.
func (c *Client) LastOutcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Status returns the HTTP status code of the most recent call.
func (c *Client) Status() int {
	return c.LastOutcome().StatusCode
}

// ResponseDetails returns the raw response body of the most recent call.
func (c *Client) ResponseDetails() string {
	return c.LastOutcome().Body
}

func (c *Client) record(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = o
}

func (c *Client) currentListID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listID
}

func (c *Client) loggerFor(ctx context.Context) logr.Logger {
	if log, err := logr.FromContext(ctx); err == nil {
		return log.WithName("mailchimp")
	}
	return c.logger
}

// pendingRequest is the request assembled by one operation.
type pendingRequest struct {
	method  string
	url     string
	payload []byte
}

// execute performs req and records its outcome. Only a failure to get a
// response at all is returned as an error; any HTTP status is an outcome.
func (c *Client) execute(ctx context.Context, req pendingRequest) (Outcome, error) {
	if req.method == "" {
		return Outcome{}, &RequestError{Message: "request method must be defined"}
	}

	log := c.loggerFor(ctx)
	if c.baseURL == "" {
		log.Info("MailChimp base URL is not defined", "url", req.url)
	}
	if c.apiKey == "" {
		log.Info("MailChimp API key is not defined")
	}

	attach := req.method == http.MethodPost || len(req.payload) > 0
	var body io.Reader
	if attach {
		body = bytes.NewReader(req.payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return Outcome{}, &RequestError{Message: "failed to create request", Err: err}
	}

	httpReq.SetBasicAuth(basicAuthUser, c.apiKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if attach {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.record(Outcome{})
		return Outcome{}, &TransportError{Method: req.method, URL: req.url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, readErr := io.ReadAll(resp.Body)
	outcome := Outcome{StatusCode: resp.StatusCode, Body: string(data)}
	c.record(outcome)

	log.V(debugLevel).Info("MailChimp response status", "status", outcome.StatusCode)
	log.V(debugLevel).Info("MailChimp response body", "body", outcome.Body)

	if readErr != nil {
		return outcome, &TransportError{
			Method: req.method,
			URL:    req.url,
			Err:    fmt.Errorf("failed to read response body: %w", readErr),
		}
	}

	return outcome, nil
}
