package poller

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jpalmerr/restadapter/config"
	"github.com/jpalmerr/restadapter/internal/metrics"
)

const maxResponseBodySize = 1 << 20 // 1MB

const defaultRequestTimeout = 10 * time.Second

// connection pooling limits to prevent resource exhaustion when polling many endpoints
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 10
	defaultIdleConnTimeout     = 60 * time.Second // conservative: matches common ALB defaults
)

var (
	// ErrNotStarted is returned by [Client.Request] before [Client.Start]
	// or after [Client.Close].
	ErrNotStarted = errors.New("poller: client not started")

	// ErrHTTPStatus matches every [StatusError].
	ErrHTTPStatus = errors.New("poller: HTTP error status")
)

// StatusError reports a response with a status code of 400 or above.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("poller: %s returned HTTP %d", e.URL, e.StatusCode)
}

// Is reports whether target is [ErrHTTPStatus].
func (e *StatusError) Is(target error) bool { return target == ErrHTTPStatus }

// Response holds a successful poll result.
type Response struct {
	// Body contains the HTTP response body, limited to 1MB.
	Body []byte

	// ContentType is the Content-Type header of the response.
	ContentType string

	// StatusCode is the HTTP status code, always below 400.
	StatusCode int

	// Latency is the total time taken for the request.
	Latency time.Duration
}

// Requester issues one poll request for an endpoint of a service.
type Requester interface {
	Request(ctx context.Context, svc config.Service, ep config.Endpoint) (Response, error)
}

// Client is the HTTP client used to poll REST services.
//
// Client must be started before use. Every request reports request,
// success and failure events to the dispatcher it was built with.
type Client struct {
	tlsConfig *tls.Config
	timeout   time.Duration
	events    *metrics.Dispatcher

	mu         sync.RWMutex
	httpClient *http.Client
}

// NewClient creates a polling [Client]. tlsConfig, which may be nil, is used
// for secure services. A timeout <= 0 selects a 10 second default.
//
// Connection pooling configuration:
//   - MaxIdleConns: 100 total idle connections
//   - MaxIdleConnsPerHost: 10 idle connections per host
//   - MaxConnsPerHost: 10 concurrent connections per host
//   - IdleConnTimeout: 60 seconds before closing idle connections
func NewClient(tlsConfig *tls.Config, timeout time.Duration, events *metrics.Dispatcher) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		tlsConfig: tlsConfig,
		timeout:   timeout,
		events:    events,
	}
}

// Start builds the underlying HTTP client. Start is idempotent.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient != nil {
		return
	}

	c.httpClient = &http.Client{
		// no default timeout - we use per-request timeouts via context
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     c.tlsConfig,
			MaxIdleConns:        defaultMaxIdleConns,
			MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
			MaxConnsPerHost:     defaultMaxConnsPerHost,
			IdleConnTimeout:     defaultIdleConnTimeout,
		},
	}
}

// Close releases idle connections. Requests made after Close fail with
// [ErrNotStarted] until the client is started again. Safe to call multiple
// times and on a nil client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	hc := c.httpClient
	c.httpClient = nil
	c.mu.Unlock()

	if hc == nil {
		return
	}
	if transport, ok := hc.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// URL returns the request URL for ep of svc.
func URL(svc config.Service, ep config.Endpoint) string {
	return svc.Scheme() + "://" + net.JoinHostPort(svc.Host, strconv.Itoa(svc.Port)) + ep.URL
}

// Request polls ep of svc. Responses with status 400 or above fail with a
// *[StatusError]. Cancelling ctx aborts the request.
func (c *Client) Request(ctx context.Context, svc config.Service, ep config.Endpoint) (Response, error) {
	c.mu.RLock()
	hc := c.httpClient
	c.mu.RUnlock()
	if hc == nil {
		return Response{}, ErrNotStarted
	}

	url := URL(svc, ep)
	event := metrics.PollEvent{Service: svc.Name, Endpoint: ep.Name, URL: url}

	event.Phase = metrics.PhaseRequest
	c.events.Poll(event)

	resp, err := c.do(ctx, hc, svc, url)
	if err != nil {
		event.Phase = metrics.PhaseFailure
		event.Status = resp.StatusCode
		event.Latency = resp.Latency
		event.Err = err
		c.events.Poll(event)
		return Response{}, err
	}

	event.Phase = metrics.PhaseSuccess
	event.Status = resp.StatusCode
	event.Bytes = len(resp.Body)
	event.Latency = resp.Latency
	c.events.Poll(event)
	return resp, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, svc config.Service, url string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{Latency: time.Since(start)}, fmt.Errorf("failed to create request: %w", err)
	}
	if svc.Security != nil && svc.Security.Basic != nil {
		req.SetBasicAuth(svc.Security.Basic.Username, svc.Security.Basic.Password)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return Response{Latency: time.Since(start)}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
		return Response{StatusCode: resp.StatusCode, Latency: time.Since(start)},
			&StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	// read one byte past the limit to detect oversized bodies
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize+1))
	if err != nil {
		return Response{StatusCode: resp.StatusCode, Latency: time.Since(start)},
			fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > maxResponseBodySize {
		return Response{StatusCode: resp.StatusCode, Latency: time.Since(start)},
			fmt.Errorf("response body exceeds %d bytes", maxResponseBodySize)
	}

	return Response{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		Latency:     time.Since(start),
	}, nil
}
