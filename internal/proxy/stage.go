package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/khanhnv2901/seca-pin/internal/traffic"
	consts "github.com/khanhnv2901/seca-pin/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/seca-pin/internal/shared/errors"
	"go.uber.org/zap"
)

// Mode selects how a stage learns the target host of a connection.
type Mode int

const (
	// ModeIntercept is an explicit proxy that terminates TLS after CONNECT.
	ModeIntercept Mode = iota
	// ModeRelay tunnels CONNECT streams as raw bytes to UpstreamAddr.
	ModeRelay
	// ModeTransparent accepts raw TLS and reads the target from the ClientHello SNI.
	ModeTransparent
)

func (m Mode) String() string {
	switch m {
	case ModeIntercept:
		return "intercept"
	case ModeRelay:
		return "relay"
	case ModeTransparent:
		return "transparent"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// BindError reports that a stage could not listen on Addr.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() []error {
	return []error{sharedErrors.ErrBind, e.Err}
}

// Config describes a single stage.
type Config struct {
	Name string
	Addr string
	Mode Mode

	// Authority is required for ModeIntercept and ModeTransparent.
	Authority *Authority
	// Ledger receives attempts and completions; a fresh ledger is used when nil.
	Ledger traffic.Store
	// Forwarder reaches the origin; an OriginForwarder is used when nil.
	Forwarder Forwarder

	// UpstreamAddr is the tunnel target in ModeRelay.
	UpstreamAddr string
	// ReinjectAddr, in ModeTransparent, starts a plain HTTP channel that decrypted
	// requests are sent through on their way to the origin.
	ReinjectAddr string

	GracePeriod      time.Duration
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Stage is a running interception proxy bound to one address.
type Stage struct {
	cfg       Config
	ln        net.Listener
	ledger    traffic.Store
	forwarder Forwarder
	channel   *reinjectChannel
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	gate    sync.RWMutex
	stopped bool

	connsMu sync.Mutex
	closing bool
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup

	acceptDone chan struct{}
	stopOnce   sync.Once
	stopErr    error
}

// Start binds the stage and begins accepting. When Start returns without error the
// listener is already accepting connections.
func Start(ctx context.Context, cfg Config) (*Stage, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = consts.DefaultGracePeriod
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = consts.DefaultHandshakeTimeout
	}
	if cfg.Ledger == nil {
		cfg.Ledger = traffic.NewLedger()
	}
	if cfg.Forwarder == nil {
		cfg.Forwarder = NewOriginForwarder(ForwarderOptions{})
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Mode.String()
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, &BindError{Addr: cfg.Addr, Err: err}
	}

	stageCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Stage{
		cfg:        cfg,
		ln:         ln,
		ledger:     cfg.Ledger,
		forwarder:  cfg.Forwarder,
		logger:     cfg.Logger.With(zap.String("stage", cfg.Name), zap.String("mode", cfg.Mode.String())),
		ctx:        stageCtx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
		acceptDone: make(chan struct{}),
	}

	if cfg.ReinjectAddr != "" {
		ch, err := startReinjectChannel(ctx, cfg.ReinjectAddr, cfg.Forwarder, s.logger)
		if err != nil {
			cancel()
			_ = ln.Close()
			return nil, err
		}
		s.channel = ch
		s.forwarder = ch.forwarder()
	}

	go s.acceptLoop()
	s.logger.Info("stage listening", zap.String("addr", s.Addr()))
	return s, nil
}

func (c Config) validate() error {
	switch c.Mode {
	case ModeIntercept, ModeTransparent:
		if c.Authority == nil {
			return sharedErrors.ErrNoAuthority
		}
	case ModeRelay:
		if c.UpstreamAddr == "" {
			return fmt.Errorf("%w: relay stage requires an upstream address", sharedErrors.ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: unknown mode %d", sharedErrors.ErrInvalidInput, int(c.Mode))
	}
	if c.ReinjectAddr != "" && c.Mode != ModeTransparent {
		return fmt.Errorf("%w: re-injection requires transparent mode", sharedErrors.ErrInvalidInput)
	}
	return nil
}

// Addr returns the bound listen address.
func (s *Stage) Addr() string {
	return s.ln.Addr().String()
}

// ReinjectAddr returns the bound re-injection address, or "" without a channel.
func (s *Stage) ReinjectAddr() string {
	if s.channel == nil {
		return ""
	}
	return s.channel.addr()
}

// Ledger returns the ledger this stage records into.
func (s *Stage) Ledger() traffic.Store {
	return s.ledger
}

// Snapshot returns the current ledger contents.
func (s *Stage) Snapshot() traffic.Snapshot {
	return s.ledger.Snapshot()
}

func (s *Stage) recordAttempt(host string) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.stopped || host == "" {
		return
	}
	s.ledger.RecordAttempt(host)
	s.logger.Debug("attempt", zap.String("host", host))
}

func (s *Stage) recordCompletion(host string) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.stopped || host == "" {
		return
	}
	s.ledger.RecordCompletion(host)
	s.logger.Debug("completion", zap.String("host", host))
}

func (s *Stage) acceptLoop() {
	defer close(s.acceptDone)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			select {
			case <-time.After(50 * time.Millisecond):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

func (s *Stage) isClosing() bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.closing
}

func (s *Stage) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Stage) untrack(conn net.Conn) {
	_ = conn.Close()
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// Stop closes the listener, drains in-flight connections for the grace period, then
// force-closes them. No ledger writes happen after Stop returns. Stop is idempotent.
func (s *Stage) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Stage) stop(ctx context.Context) error {
	s.connsMu.Lock()
	s.closing = true
	s.connsMu.Unlock()

	_ = s.ln.Close()
	<-s.acceptDone

	var timedOut bool
	if !waitGroup(ctx, &s.wg, s.cfg.GracePeriod) {
		s.logger.Info("grace period elapsed, closing connections")
		s.cancel()
		s.connsMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connsMu.Unlock()
		timedOut = !waitGroup(context.Background(), &s.wg, s.cfg.GracePeriod)
	}
	s.cancel()

	if s.channel != nil {
		s.channel.stop(s.cfg.GracePeriod)
	}

	s.gate.Lock()
	s.stopped = true
	s.gate.Unlock()

	s.logger.Info("stage stopped", zap.String("addr", s.Addr()))
	if timedOut {
		return fmt.Errorf("%s: %w", s.cfg.Name, sharedErrors.ErrStopTimeout)
	}
	return nil
}

// waitGroup waits for wg until d elapses or ctx is done. It reports whether wg finished.
func waitGroup(ctx context.Context, wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Stage) handle(conn net.Conn) {
	if s.cfg.Mode == ModeTransparent {
		s.handleTransparent(conn)
		return
	}

	br := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	req, err := http.ReadRequest(br)
	if err != nil {
		s.logger.Debug("read request", zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if req.Method != http.MethodConnect {
		s.serveRequests(conn, br, req, "http", "")
		return
	}

	host := normalizeHost(req.Host)
	s.recordAttempt(host)
	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	if s.cfg.Mode == ModeRelay {
		s.tunnel(conn, br, host)
		return
	}
	s.intercept(&bufferedConn{Conn: conn, r: br}, host)
}

func (s *Stage) handleTransparent(conn net.Conn) {
	br := bufio.NewReaderSize(conn, recordHeaderLen+maxPlaintextRecordLen)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	// Clients send no SNI for IP literals; the edge names the CONNECT target instead.
	var host string
	if first, err := br.Peek(1); err == nil && first[0] != recordTypeHandshake {
		if host, err = readTargetPreamble(br); err != nil {
			s.logger.Debug("read target preamble", zap.Error(err))
			return
		}
	}
	hello, err := peekClientHello(br)
	if err != nil {
		s.logger.Debug("peek client hello", zap.Error(err))
		return
	}
	if sni, err := ExtractSNI(hello); err == nil && sni != "" {
		host = normalizeHost(sni)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.recordAttempt(host)
	s.intercept(&bufferedConn{Conn: conn, r: br}, host)
}

// intercept terminates client TLS with a leaf for host. A failed handshake is the
// pinning signal: the attempt stays recorded without a completion.
func (s *Stage) intercept(conn net.Conn, host string) {
	tlsConn := tlsServer(conn, s.cfg.Authority, host)
	hsCtx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	err := tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		s.logger.Info("client aborted handshake", zap.String("host", host), zap.Error(err))
		return
	}
	s.serveRequests(tlsConn, bufio.NewReader(tlsConn), nil, "https", host)
}

// serveRequests forwards requests read from br until the client stops. A fixed host
// pins every request on the connection to it; otherwise the request's host is used.
func (s *Stage) serveRequests(conn net.Conn, br *bufio.Reader, first *http.Request, scheme, host string) {
	req := first
	for {
		if req == nil {
			var err error
			if req, err = http.ReadRequest(br); err != nil {
				return
			}
		}

		target := host
		if target == "" {
			target = normalizeHost(req.Host)
			if target == "" {
				target = normalizeHost(req.URL.Host)
			}
			s.recordAttempt(target)
		}

		authority := req.Host
		if authority == "" {
			authority = target
		}
		out := outbound(s.ctx, req, scheme, authority)
		resp, err := s.forwarder.Forward(s.ctx, out)
		if err != nil {
			s.logger.Debug("forward failed", zap.String("host", target), zap.Error(err))
			resp = badGateway(req, err)
		}
		_, _ = io.Copy(io.Discard, req.Body)
		_ = req.Body.Close()

		resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
		werr := resp.Write(conn)
		_ = resp.Body.Close()
		if werr != nil {
			s.logger.Debug("write response", zap.String("host", target), zap.Error(werr))
			return
		}
		s.recordCompletion(target)

		if req.Close || resp.Close {
			return
		}
		req = nil
	}
}

// tunnel copies a CONNECT stream to the upstream stage without inspecting it, after
// naming the CONNECT target in a preamble line.
func (s *Stage) tunnel(client net.Conn, br *bufio.Reader, host string) {
	dialer := &net.Dialer{Timeout: s.cfg.HandshakeTimeout}
	upstream, err := dialer.DialContext(s.ctx, "tcp", s.cfg.UpstreamAddr)
	if err != nil {
		s.logger.Warn("dial upstream", zap.String("upstream", s.cfg.UpstreamAddr), zap.Error(err))
		return
	}
	defer upstream.Close()
	if err := writeTargetPreamble(upstream, host); err != nil {
		s.logger.Debug("write target preamble", zap.String("host", host), zap.Error(err))
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, br)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-s.ctx.Done():
	}
	_ = client.Close()
	_ = upstream.Close()
	<-done
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
