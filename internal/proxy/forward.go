package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	consts "github.com/khanhnv2901/seca-pin/internal/shared/constants"
	"golang.org/x/time/rate"
)

// Forwarder sends a decrypted client request to its origin.
type Forwarder interface {
	Forward(ctx context.Context, req *http.Request) (*http.Response, error)
}

// ForwarderFunc adapts a function to the Forwarder interface.
type ForwarderFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f ForwarderFunc) Forward(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// ForwarderOptions configures an OriginForwarder.
type ForwarderOptions struct {
	Timeout time.Duration
	// RatePerSecond limits outbound requests; zero disables the limit.
	RatePerSecond float64
	Burst         int
	// InsecureUpstream skips origin certificate verification (lab use only).
	InsecureUpstream bool
}

// OriginForwarder forwards requests to the real origin over net/http.
type OriginForwarder struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewOriginForwarder builds a forwarder with redirects disabled and a bounded timeout.
func NewOriginForwarder(opts ForwarderOptions) *OriginForwarder {
	if opts.Timeout <= 0 {
		opts.Timeout = consts.DefaultForwardTimeout
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.InsecureUpstream, // #nosec G402 -- opt-in lab setting
		},
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &OriginForwarder{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// redirects belong to the client, not to us
				return http.ErrUseLastResponse
			},
		},
		limiter: rate.NewLimiter(limit, opts.Burst),
	}
}

func (f *OriginForwarder) Forward(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("forward rate limit: %w", err)
	}
	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("forward %s: %w", req.URL.Host, err)
	}
	return resp, nil
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// outbound turns a server-side request into a client request for scheme://host.
func outbound(ctx context.Context, req *http.Request, scheme, host string) *http.Request {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL.Scheme = scheme
	if out.URL.Host == "" {
		out.URL.Host = host
	}
	if out.Host == "" {
		out.Host = out.URL.Host
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	return out
}

func badGateway(req *http.Request, cause error) *http.Response {
	body := fmt.Sprintf("bad gateway: %v\n", cause)
	return &http.Response{
		StatusCode:    http.StatusBadGateway,
		Status:        "502 Bad Gateway",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
		Close:         true,
	}
}
