package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ResponseInfo carries response details.
type ResponseInfo struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client wraps HTTP and websocket requests for the console.
type Client struct {
	baseURL       string
	timeout       time.Duration
	tokenProvider func() string
}

func New(baseURL string, timeout time.Duration, tokenProvider func() string) *Client {
	return &Client{
		baseURL:       baseURL,
		timeout:       timeout,
		tokenProvider: tokenProvider,
	}
}

func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

func (c *Client) Do(ctx context.Context, method, path string, headers map[string]string, body []byte) (ResponseInfo, error) {
	var info ResponseInfo
	client := &http.Client{Timeout: c.timeout}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s%s", c.baseURL, path), reader)
	if err != nil {
		return info, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	c.setAuthHeader(req.Header)

	start := time.Now()
	resp, err := client.Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	info.Headers = resp.Header
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return info, fmt.Errorf("read response body failed: %w", err)
	}
	info.Body = bodyBytes
	return info, nil
}

// Stream opens the websocket feed at path and hands every text message to
// handle until the context deadline passes or the peer closes the
// connection. A deadline-driven stop is not an error.
func (c *Client) Stream(ctx context.Context, path string, handle func([]byte)) error {
	header := http.Header{}
	c.setAuthHeader(header)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, websocketURL(c.baseURL)+path, header)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return fmt.Errorf("stream dial failed: HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("stream dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil
			}
			return fmt.Errorf("stream read failed: %w", err)
		}
		handle(message)
	}
}

func (c *Client) setAuthHeader(header http.Header) {
	if c.tokenProvider == nil {
		return
	}
	if token := c.tokenProvider(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
}

func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}
