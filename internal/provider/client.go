// Package provider binds the hosting provider's repository API: create or
// adopt repositories, re-assert team permissions and the template flag, and
// rebuild remote repository state.
package provider

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
)

// Sentinel errors callers branch on.
var (
	// ErrRepositoryExists signals that a create hit a name that is already
	// taken. Callers treat it as adoption, not failure.
	ErrRepositoryExists = errors.New("repository already exists")
	// ErrNotFound signals a 404 from the provider.
	ErrNotFound = errors.New("not found")
)

// APIError is a structured error response from the provider.
type APIError struct {
	StatusCode int            `json:"-"`
	Message    string         `json:"message"`
	Errors     []APIErrorItem `json:"errors"`
}

// APIErrorItem is one entry of the provider's errors array.
type APIErrorItem struct {
	Resource string `json:"resource"`
	Field    string `json:"field"`
	Code     string `json:"code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// nameTaken reports whether the errors array blames the repository name
// field, the structured signal for a name collision on create.
func (e *APIError) nameTaken() bool {
	for _, item := range e.Errors {
		if item.Field == "name" {
			return true
		}
	}
	return false
}

// Config configures the provider client.
type Config struct {
	BaseURL    string
	WebBaseURL string
	Org        string
	Token      string
	Visibility string
	Timeout    time.Duration
	// RateLimit bounds in-flight API requests across all workers sharing
	// this client.
	RateLimit int
}

// Client is an HTTP client for the hosting provider API. One Client is
// shared by all workers of a batch run; its rate budget is the fleet-wide
// budget.
type Client struct {
	baseURL    string
	webBaseURL string
	org        string
	token      string
	visibility string
	http       *http.Client
	sem        chan struct{}
}

// NewClient creates a provider client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 4
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		webBaseURL: strings.TrimRight(cfg.WebBaseURL, "/"),
		org:        cfg.Org,
		token:      cfg.Token,
		visibility: cfg.Visibility,
		http:       &http.Client{Timeout: timeout},
		sem:        make(chan struct{}, limit),
	}
}

// Org returns the owning organization.
func (c *Client) Org() string { return c.org }

// do performs one API request under the shared rate budget and decodes the
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.sem
}

// checkResponse maps non-2xx responses to errors. Name collisions on create
// are detected from the response status and error fields, never from
// message text.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode}
	_ = json.Unmarshal(body, apiErr)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w (%d)", ErrNotFound, resp.StatusCode)
	case http.StatusUnprocessableEntity:
		if apiErr.nameTaken() || len(apiErr.Errors) == 0 {
			return ErrRepositoryExists
		}
	}

	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// WebURL returns the browser URL of a fleet repository.
func (c *Client) WebURL(name string) string {
	return c.webBaseURL + "/" + c.org + "/" + name
}

// HTTPCloneURL returns the HTTPS clone/push URL of a fleet repository.
func (c *Client) HTTPCloneURL(name string) string {
	return c.WebURL(name) + ".git"
}

// SSHCloneURL returns the SSH push URL of a fleet repository.
func (c *Client) SSHCloneURL(name string) string {
	host := c.webBaseURL
	if u, err := url.Parse(c.webBaseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return "git@" + host + ":" + c.org + "/" + name + ".git"
}

// TemplateConsoleURL returns the provider console link that creates a new
// repository from the template.
func (c *Client) TemplateConsoleURL(name string) string {
	return c.webBaseURL + "/new?template_name=" + url.QueryEscape(name) +
		"&template_owner=" + url.QueryEscape(c.org)
}
