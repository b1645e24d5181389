// Package transport issues the requests virtual users send.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"

	"surgeq/internal/clock"
	"surgeq/internal/runner"
)

// MaxBodyBytes is how much of a response body is kept for checks. The rest
// is read and discarded so the connection can be reused.
const MaxBodyBytes = 1 << 20

// HTTP implements runner.Transport over net/http. One call is one attempt.
type HTTP struct {
	client *http.Client
	clock  clock.Clock
}

type Options struct {
	// Insecure skips TLS certificate verification.
	Insecure bool
	// MaxConnsPerHost caps the connection pool. Zero keeps the default.
	MaxConnsPerHost int
	Clock           clock.Clock
}

func NewHTTP(opts Options) *HTTP {
	conns := opts.MaxConnsPerHost
	if conns <= 0 {
		conns = 2000
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = conns
	t.MaxConnsPerHost = conns
	t.MaxIdleConnsPerHost = conns
	if opts.Insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	// Deadlines come from the caller's context, not the client.
	return &HTTP{client: &http.Client{Transport: t}, clock: clk}
}

func (h *HTTP) Do(ctx context.Context, req runner.Request) (*runner.Response, error) {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}
	if req.Body != "" && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}

	start := h.clock.Now()
	resp, err := h.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	kept, err := io.Copy(&buf, io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	rest, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &runner.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       buf.Bytes(),
		Duration:   h.clock.Since(start),
		Bytes:      kept + rest,
	}, nil
}

// CloseIdle releases pooled connections.
func (h *HTTP) CloseIdle() {
	h.client.CloseIdleConnections()
}
