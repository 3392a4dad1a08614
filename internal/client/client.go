package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultRetries     = 3
	defaultBackoffBase = 250 * time.Millisecond
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// FileInfo is one entry of the server's file listing.
type FileInfo struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is returned by Register and Login.
type Session struct {
	Token     string    `json:"session"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Client talks to a SaltVault server over HTTP.
type Client struct {
	baseURL     string
	http        *http.Client
	token       string
	retries     uint64
	backoffBase time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the session token sent as a bearer header.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithRetries sets how often requests refused with 429 or 503 are retried.
func WithRetries(n uint64, base time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.backoffBase = base
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: 5 * time.Minute},
		retries:     defaultRetries,
		backoffBase: defaultBackoffBase,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the current session token.
func (c *Client) Token() string {
	return c.token
}

// Register creates an account and keeps the issued session.
func (c *Client) Register(ctx context.Context, username, password string) (*Session, error) {
	return c.startSession(ctx, "/api/register", username, password)
}

// Login authenticates and keeps the issued session.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	return c.startSession(ctx, "/api/login", username, password)
}

func (c *Client) startSession(ctx context.Context, path, username, password string) (*Session, error) {
	form := url.Values{"username": {username}, "password": {password}}

	var s Session
	err := c.do(ctx, func() (*http.Request, error) {
		return c.formRequest(ctx, path, form)
	}, func(body io.Reader) error {
		return json.NewDecoder(body).Decode(&s)
	})
	if err != nil {
		return nil, err
	}
	c.token = s.Token
	return &s, nil
}

// Upload stores contents under name, encrypted with password.
func (c *Client) Upload(ctx context.Context, name string, contents []byte, password string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := fw.Write(contents); err != nil {
		return err
	}
	if err := w.WriteField("pwd", password); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	body := buf.Bytes()

	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload_file", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil
	}, nil)
}

// Download returns the decrypted contents of name.
func (c *Client) Download(ctx context.Context, name, password string) (string, error) {
	form := url.Values{"file_name": {name}, "pwd": {password}}

	var contents string
	err := c.do(ctx, func() (*http.Request, error) {
		return c.formRequest(ctx, "/api/download_file", form)
	}, func(body io.Reader) error {
		data, err := io.ReadAll(body)
		contents = string(data)
		return err
	})
	return contents, err
}

// List returns the caller's files.
func (c *Client) List(ctx context.Context) ([]FileInfo, error) {
	var out struct {
		Files []FileInfo `json:"files"`
	}
	err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/files", nil)
	}, func(body io.Reader) error {
		return json.NewDecoder(body).Decode(&out)
	})
	return out.Files, err
}

// Delete removes name from the caller's files.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/files/"+url.PathEscape(name), nil)
	}, nil)
}

func (c *Client) formRequest(ctx context.Context, path string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// do sends the request built by newReq, retrying when the server is
// throttling or unavailable, and hands a 2xx body to decode.
func (c *Client) do(ctx context.Context, newReq func() (*http.Request, error), decode func(io.Reader) error) error {
	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoffBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := newReq()
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := readAPIError(resp)
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}

		if decode == nil {
			return nil
		}
		return decode(resp.Body)
	})
}

func readAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	return apiErr
}
