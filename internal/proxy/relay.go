package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/khanhnv2901/seca-pin/internal/traffic"
	consts "github.com/khanhnv2901/seca-pin/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/seca-pin/internal/shared/errors"
	"go.uber.org/zap"
)

// targetPreamble prefixes the line an edge stage sends before tunnelling a CONNECT
// stream, so the upstream can name hosts whose ClientHello carries no SNI.
const targetPreamble = "SECA-PIN-TARGET "

func writeTargetPreamble(w io.Writer, host string) error {
	_, err := io.WriteString(w, targetPreamble+host+"\r\n")
	return err
}

// readTargetPreamble consumes the preamble line from r and returns its host.
func readTargetPreamble(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return "", fmt.Errorf("target preamble: %w", err)
	}
	host, ok := strings.CutPrefix(strings.TrimRight(string(line), "\r\n"), targetPreamble)
	if !ok {
		return "", fmt.Errorf("%w: unexpected preamble", sharedErrors.ErrNotHello)
	}
	return normalizeHost(host), nil
}

// View is a read-only handle on a stage's ledger.
type View interface {
	Addr() string
	Snapshot() traffic.Snapshot
}

// RelayConfig describes a two-stage relay chain.
type RelayConfig struct {
	// EdgeAddr is where the device's proxy setting points.
	EdgeAddr     string
	UpstreamAddr string
	ReinjectAddr string

	Authority      *Authority
	Forwarder      Forwarder
	EdgeLedger     traffic.Store
	UpstreamLedger traffic.Store

	GracePeriod      time.Duration
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Relay is a running edge stage tunnelling into a transparent upstream stage.
type Relay struct {
	edge     *Stage
	upstream *Stage
}

// StartRelay starts the upstream stage and its re-injection channel, then the edge.
// If any bind fails, whatever already started is stopped again.
func StartRelay(ctx context.Context, cfg RelayConfig) (*Relay, error) {
	if cfg.UpstreamAddr == "" {
		cfg.UpstreamAddr = consts.DefaultUpstreamAddr
	}
	if cfg.ReinjectAddr == "" {
		cfg.ReinjectAddr = consts.DefaultReinjectAddr
	}
	if cfg.Forwarder == nil {
		cfg.Forwarder = NewOriginForwarder(ForwarderOptions{})
	}

	upstream, err := Start(ctx, Config{
		Name:             "upstream",
		Addr:             cfg.UpstreamAddr,
		Mode:             ModeTransparent,
		Authority:        cfg.Authority,
		Ledger:           cfg.UpstreamLedger,
		Forwarder:        cfg.Forwarder,
		ReinjectAddr:     cfg.ReinjectAddr,
		GracePeriod:      cfg.GracePeriod,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	edge, err := Start(ctx, Config{
		Name:             "edge",
		Addr:             cfg.EdgeAddr,
		Mode:             ModeRelay,
		Ledger:           cfg.EdgeLedger,
		Forwarder:        cfg.Forwarder,
		UpstreamAddr:     upstream.Addr(),
		GracePeriod:      cfg.GracePeriod,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           cfg.Logger,
	})
	if err != nil {
		_ = upstream.Stop(context.WithoutCancel(ctx))
		return nil, err
	}

	return &Relay{edge: edge, upstream: upstream}, nil
}

// Addr is the edge address.
func (r *Relay) Addr() string { return r.edge.Addr() }

func (r *Relay) Edge() View     { return r.edge }
func (r *Relay) Upstream() View { return r.upstream }

// Snapshot merges both ledgers.
func (r *Relay) Snapshot() traffic.Snapshot {
	return traffic.Merge(r.edge.Snapshot(), r.upstream.Snapshot())
}

// Stop stops the edge first so nothing new reaches the upstream, then the upstream
// stage and its channel.
func (r *Relay) Stop(ctx context.Context) error {
	edgeErr := r.edge.Stop(ctx)
	upErr := r.upstream.Stop(ctx)
	return errors.Join(edgeErr, upErr)
}
