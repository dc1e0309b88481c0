// Package client is a Go client for the statebus introspection server.
//
// Every method maps to one server route. Request bodies are JSON; responses
// are decoded with the codec named by the response Content-Type, so the
// client works against servers configured for JSON or CBOR alike.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/jpalmerr/statebus/codec"
	"github.com/jpalmerr/statebus/framing"
)

const maxErrorBodySize = 1 << 16 // 64KB

// connection pooling limits; a CLI talks to one server at a time
const (
	defaultMaxIdleConns        = 10
	defaultMaxIdleConnsPerHost = 4
	defaultMaxConnsPerHost     = 8
	defaultIdleConnTimeout     = 60 * time.Second
)

// Entry is the state of one field as reported by the server.
type Entry struct {
	Value      any   `json:"value"`
	UpdateTime int64 `json:"updateTime"`
}

// Change is one frame of a subscription stream.
type Change struct {
	Current  Entry `json:"curr"`
	Previous Entry `json:"prev"`
}

// StatusRow is [module, status, statusMessage].
type StatusRow [3]string

// StatusError is returned when the server answers with a non-200 status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Client talks to one introspection server.
//
// Client uses per-request contexts rather than a global timeout so that
// subscription streams can stay open indefinitely.
type Client struct {
	baseURL    string
	auth       string
	httpClient *http.Client
}

// Option configures a [Client].
type Option func(*Client)

// WithAuth sets the "user:pass" basic-auth credential sent with every
// request.
func WithAuth(credential string) Option {
	return func(c *Client) {
		c.auth = credential
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithH2C talks HTTP/2 over cleartext with prior knowledge instead of
// HTTP/1.1. The server accepts both.
func WithH2C() Option {
	return func(c *Client) {
		c.httpClient = &http.Client{Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}}
	}
}

// New creates a [Client] for server, given as "host:port" or as a URL.
//
// The default transport pools connections:
//   - MaxIdleConns: 10 total idle connections
//   - MaxIdleConnsPerHost: 4 idle connections per host
//   - MaxConnsPerHost: 8 concurrent connections per host
//   - IdleConnTimeout: 60 seconds before closing idle connections
func New(server string, opts ...Option) *Client {
	base := strings.TrimRight(server, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := &Client{
		baseURL: base,
		httpClient: &http.Client{
			// no default timeout - subscriptions are long-lived
			Transport: &http.Transport{
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes idle connections. The client remains usable.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	c.httpClient.CloseIdleConnections()
}

// do POSTs body to path and returns the response after checking its status.
// The caller must close the response body.
func (c *Client) do(ctx context.Context, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user, pass, ok := strings.Cut(c.auth, ":"); ok {
		req.SetBasicAuth(user, pass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// call POSTs a JSON request and decodes the response into out.
func (c *Client) call(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	resp, err := c.do(ctx, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	cd, err := codec.ForContentType(resp.Header.Get("Content-Type"))
	if err != nil {
		return err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := cd.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", cd.Name(), err)
	}
	return nil
}

type stateRequest struct {
	Module string         `json:"module,omitempty"`
	State  string         `json:"state,omitempty"`
	Update map[string]any `json:"update,omitempty"`
}

// Status returns the status row of every module sorted by module name.
func (c *Client) Status(ctx context.Context) ([]StatusRow, error) {
	var rows []StatusRow
	err := c.call(ctx, "/status", struct{}{}, &rows)
	return rows, err
}

// DumpAll returns every field of every module.
func (c *Client) DumpAll(ctx context.Context) (map[string]map[string]Entry, error) {
	var out map[string]map[string]Entry
	err := c.call(ctx, "/dumpState", struct{}{}, &out)
	return out, err
}

// DumpModule returns every field of one module.
func (c *Client) DumpModule(ctx context.Context, module string) (map[string]Entry, error) {
	var out map[string]Entry
	err := c.call(ctx, "/dumpState", stateRequest{Module: module}, &out)
	return out, err
}

// Dump returns one field.
func (c *Client) Dump(ctx context.Context, module, state string) (Entry, error) {
	var out Entry
	err := c.call(ctx, "/dumpState", stateRequest{Module: module, State: state}, &out)
	return out, err
}

// Set writes each key of update into module.
func (c *Client) Set(ctx context.Context, module string, update map[string]any) error {
	var out map[string]string
	if err := c.call(ctx, "/setState", stateRequest{Module: module, Update: update}, &out); err != nil {
		return err
	}
	if out["result"] != "ok" {
		return fmt.Errorf("unexpected setState result %q", out["result"])
	}
	return nil
}

// Subscribe streams changes of one field to fn until ctx is cancelled, the
// server ends the stream, or fn returns an error.
//
// Returns nil when the server closes the stream cleanly, ctx.Err() on
// cancellation, and fn's error otherwise.
func (c *Client) Subscribe(ctx context.Context, module, state string, fn func(Change) error) error {
	payload, err := json.Marshal(stateRequest{Module: module, State: state})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	resp, err := c.do(ctx, "/subscribeState", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	cd, err := codec.ForContentType(resp.Header.Get("Content-Type"))
	if err != nil {
		return err
	}

	frames := framing.NewReader(resp.Body)
	for {
		msg, err := frames.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("subscription stream: %w", err)
		}
		var change Change
		if err := cd.Unmarshal(msg, &change); err != nil {
			return fmt.Errorf("failed to decode %s frame: %w", cd.Name(), err)
		}
		if err := fn(change); err != nil {
			return err
		}
	}
}

// Call runs the extension name with body as its input and copies its output
// to w as it streams in.
func (c *Client) Call(ctx context.Context, name string, body io.Reader, w io.Writer) error {
	if body == nil {
		body = http.NoBody
	}
	resp, err := c.do(ctx, "/call/"+name, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if _, err := io.Copy(w, resp.Body); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to read extension output: %w", err)
	}
	return nil
}
