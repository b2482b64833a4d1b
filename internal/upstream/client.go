package upstream

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

	"github.com/google/uuid"
)

// DefaultTimeout applies to every upstream call unless the client is built with another one.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a non-2xx body is kept on a StatusError.
const maxErrorBody = 64 << 10

// Request describes one upstream call. It is plain data so it can be queued
// and re-sent after a token refresh; the body is encoded on every send.
type Request struct {
	ID     string
	Method string
	Path   string
	Query  url.Values
	Body   any
	Form   url.Values
}

// Get builds a GET descriptor.
func Get(path string, query url.Values) Request {
	return Request{ID: uuid.NewString(), Method: http.MethodGet, Path: path, Query: query}
}

// PostJSON builds a POST descriptor with a JSON body.
func PostJSON(path string, body any) Request {
	return Request{ID: uuid.NewString(), Method: http.MethodPost, Path: path, Body: body}
}

// PostForm builds a POST descriptor with a form-encoded body.
func PostForm(path string, form url.Values) Request {
	return Request{ID: uuid.NewString(), Method: http.MethodPost, Path: path, Form: form}
}

// DeleteJSON builds a DELETE descriptor with a JSON body.
func DeleteJSON(path string, body any) Request {
	return Request{ID: uuid.NewString(), Method: http.MethodDelete, Path: path, Body: body}
}

// Client talks to the AreaPulse API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient constructs a Client with the given per-request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{Timeout: timeout}}
}

// NewClientWithHTTP constructs a Client around an existing http.Client (for tests).
func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: hc}
}

// Send issues the request with an optional bearer token and returns the raw
// body of a 2xx response.
func (c *Client) Send(ctx context.Context, r Request, bearer string) ([]byte, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	endpoint := c.baseURL + r.Path
	if len(r.Query) > 0 {
		endpoint += "?" + r.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case r.Form != nil:
		body = strings.NewReader(r.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.Body != nil:
		b, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding body for %s %s: %w", method, r.Path, err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s %s: %w", method, r.Path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", r.ID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Method: method, Path: r.Path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Method: method, Path: r.Path, Status: resp.StatusCode, Body: string(raw)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: method, Path: r.Path, Err: err}
	}
	return raw, nil
}

// Do sends the request and decodes the JSON response into dst. A nil dst
// discards the body.
func (c *Client) Do(ctx context.Context, r Request, bearer string, dst any) error {
	raw, err := c.Send(ctx, r, bearer)
	if err != nil {
		return err
	}
	return Decode(raw, dst)
}

// Decode unmarshals a response body, reporting mismatches as *DecodingError.
func Decode(raw []byte, dst any) error {
	if dst == nil {
		return nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return &DecodingError{Err: errors.New("empty response body")}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &DecodingError{Err: err}
	}
	return nil
}
