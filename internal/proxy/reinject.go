package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// schemeHeader carries the original scheme of a re-injected request.
const schemeHeader = "X-Seca-Pin-Scheme"

// reinjectChannel is the plain HTTP listener a transparent stage sends decrypted
// requests through. It forwards them to the origin; the stage records the completion
// once the response reaches its client.
type reinjectChannel struct {
	ln     net.Listener
	srv    *http.Server
	origin Forwarder
	logger *zap.Logger
}

func startReinjectChannel(ctx context.Context, addr string, origin Forwarder, logger *zap.Logger) (*reinjectChannel, error) {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}

	c := &reinjectChannel{
		ln:     ln,
		origin: origin,
		logger: logger.With(zap.String("channel", "reinject")),
	}
	c.srv = &http.Server{
		Handler:           http.HandlerFunc(c.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := c.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Warn("re-injection channel stopped", zap.Error(err))
		}
	}()
	c.logger.Info("re-injection channel listening", zap.String("addr", c.addr()))
	return c, nil
}

func (c *reinjectChannel) addr() string {
	return c.ln.Addr().String()
}

func (c *reinjectChannel) serveHTTP(w http.ResponseWriter, r *http.Request) {
	host := normalizeHost(r.Host)
	scheme := r.Header.Get(schemeHeader)
	if scheme == "" {
		scheme = "https"
	}
	r.Header.Del(schemeHeader)

	resp, err := c.origin.Forward(r.Context(), outbound(r.Context(), r, scheme, r.Host))
	if err != nil {
		c.logger.Debug("forward failed", zap.String("host", host), zap.Error(err))
		http.Error(w, "bad gateway: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		c.logger.Debug("copy response", zap.String("host", host), zap.Error(err))
	}
}

// forwarder returns a Forwarder that sends requests through this channel.
func (c *reinjectChannel) forwarder() Forwarder {
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:              nil,
			DisableCompression: true,
			MaxIdleConns:       20,
			IdleConnTimeout:    30 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	target := c.addr()
	return ForwarderFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		out := req.Clone(ctx)
		out.Header.Set(schemeHeader, req.URL.Scheme)
		out.URL.Scheme = "http"
		out.URL.Host = target
		return client.Do(out)
	})
}

func (c *reinjectChannel) stop(grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := c.srv.Shutdown(ctx); err != nil {
		_ = c.srv.Close()
	}
}
