// Package httpproxy performs one-shot HTTP requests on behalf of the gateway.
package httpproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AtDexters-Lab/nexus-node-agent/internal/hostnames"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/iface"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/logsink"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/protocol"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultMaxResponseBytes = 16 << 20
	defaultContentType      = "application/octet-stream"
	maxRedirects            = 10
)

var (
	// ErrResponseTooLarge is reported when a response body exceeds the limit.
	ErrResponseTooLarge = errors.New("response body too large")
	// ErrInvalidURL is reported for URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid request url")
)

var knownMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
}

// Options tunes the executor. Zero values select defaults.
type Options struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	Deny             *hostnames.DenyList
	Transport        http.RoundTripper
}

// Executor runs each request on its own goroutine and reports exactly one
// http-response per request id.
type Executor struct {
	client *http.Client
	sender iface.Sender
	logger *logsink.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an executor that reports through sender.
func New(sender iface.Sender, logger *logsink.Logger, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = defaultMaxResponseBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
			// Every hop is held to the same deny list as the first.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return opts.Deny.Check(req.URL.Hostname())
			},
		},
		sender: sender,
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Execute starts the request described by msg. It returns false once the
// executor has been closed.
func (e *Executor) Execute(msg protocol.Message) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.handle(msg)
	}()
	return true
}

// Close cancels every in-flight request. Cancelled requests send nothing.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
}

// Wait blocks until every request goroutine has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) handle(msg protocol.Message) {
	start := time.Now()
	status, headers, body, err := e.do(msg)
	if e.ctx.Err() != nil {
		e.logger.Printf("DEBUG: [HTTP] Request %s cancelled", msg.RequestID)
		return
	}
	if err != nil {
		e.logger.Printf("WARN: [HTTP] Request %s %s failed: %v", msg.RequestID, msg.URL, err)
		e.sender.Send(protocol.HTTPError(msg.RequestID, err))
		return
	}
	e.logger.Printf("INFO: [HTTP] Request %s %s -> %d (%d bytes, %s)",
		msg.RequestID, msg.URL, status, len(body), time.Since(start).Round(time.Millisecond))
	e.sender.Send(protocol.HTTPResponse(msg.RequestID, status, headers, body))
}

func (e *Executor) do(msg protocol.Message) (int, protocol.Header, string, error) {
	req, err := e.buildRequest(msg)
	if err != nil {
		return 0, nil, "", err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()

	limit := e.opts.MaxResponseBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return 0, nil, "", fmt.Errorf("read response body: %w", err)
	}
	if int64(len(data)) > limit {
		return 0, nil, "", fmt.Errorf("%w: limit is %d bytes", ErrResponseTooLarge, limit)
	}
	return resp.StatusCode, protocol.Header(resp.Header), string(data), nil
}

func (e *Executor) buildRequest(msg protocol.Message) (*http.Request, error) {
	u, err := url.Parse(msg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, msg.URL)
	}
	if err := e.opts.Deny.Check(u.Hostname()); err != nil {
		return nil, err
	}

	method := normalizeMethod(msg.Method)
	var body io.Reader
	hasBody := method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
	if hasBody {
		text := ""
		if msg.Body != nil {
			text = *msg.Body
		}
		body = strings.NewReader(text)
	}

	req, err := http.NewRequestWithContext(e.ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	for name, values := range msg.Headers {
		switch {
		case strings.EqualFold(name, "Host"):
			if len(values) > 0 {
				req.Host = values[0]
			}
		case strings.EqualFold(name, "Content-Length"):
		default:
			for _, v := range values {
				req.Header.Add(name, v)
			}
		}
	}
	if hasBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", defaultContentType)
	}
	return req, nil
}

func normalizeMethod(m string) string {
	m = strings.ToUpper(strings.TrimSpace(m))
	if _, ok := knownMethods[m]; ok {
		return m
	}
	return http.MethodGet
}
