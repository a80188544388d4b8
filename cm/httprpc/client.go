package httprpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rocketbitz/verbs-go/cm"
)

// RemoteError is returned when the server answers with a non-200 status.
type RemoteError struct {
	Procedure  cm.Procedure
	StatusCode int
	Message    string
	RequestID  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("httprpc: %s failed with status %d (request %s): %s",
		e.Procedure, e.StatusCode, e.RequestID, e.Message)
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
			cl.owned = false
		}
	}
}

// Client calls procedures on one Server. It implements cm.Caller.
type Client struct {
	base  string
	http  *http.Client
	owned bool
}

var _ cm.Caller = (*Client)(nil)

// NewClient returns a Client for addr ("host:port" or an http URL).
func NewClient(addr string, opts ...ClientOption) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	c := &Client{
		base:  strings.TrimSuffix(base, "/"),
		http:  &http.Client{Timeout: 30 * time.Second},
		owned: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dialer adapts NewClient to cm.Dialer.
func Dialer(opts ...ClientOption) cm.Dialer {
	return func(_ context.Context, addr string) (cm.Caller, error) {
		return NewClient(addr, opts...), nil
	}
}

// Call posts payload to proc and returns the response body.
func (c *Client) Call(ctx context.Context, proc cm.Procedure, payload []byte) ([]byte, error) {
	url := c.base + rpcPath + strconv.FormatUint(uint64(proc), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerRequestID, reqID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("httprpc: read %s response: %w", proc, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RemoteError{
			Procedure:  proc,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			RequestID:  reqID,
		}
	}
	if len(body) > MaxPayload {
		return nil, fmt.Errorf("httprpc: %s response exceeds %d bytes", proc, MaxPayload)
	}
	return body, nil
}

// Close releases idle connections. A client supplied with WithHTTPClient is
// left alone since other callers may share its pool.
func (c *Client) Close() error {
	if c.owned {
		c.http.CloseIdleConnections()
	}
	return nil
}
