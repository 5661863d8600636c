package pinning

import (
	"context"
	"time"

	domain "github.com/khanhnv2901/seca-pin/internal/domain/pinning"
	"github.com/khanhnv2901/seca-pin/internal/proxy"
	"github.com/khanhnv2901/seca-pin/internal/traffic"
	"go.uber.org/zap"
)

// Handle is a running stage or relay chain as seen by the orchestrator.
type Handle interface {
	Addr() string
	Snapshot() traffic.Snapshot
	Stop(ctx context.Context) error
}

// Launcher starts the interception stage(s) for a session. It must return only once
// every listener is bound.
type Launcher interface {
	Launch(ctx context.Context, d domain.Descriptor) (Handle, error)
}

// ProxyLauncher starts real proxy stages.
type ProxyLauncher struct {
	Authority        *proxy.Authority
	Forwarder        proxy.Forwarder
	UpstreamAddr     string
	ReinjectAddr     string
	GracePeriod      time.Duration
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

func (l ProxyLauncher) Launch(ctx context.Context, d domain.Descriptor) (Handle, error) {
	if d.Relay {
		relay, err := proxy.StartRelay(ctx, proxy.RelayConfig{
			EdgeAddr:         d.Addr(),
			UpstreamAddr:     l.UpstreamAddr,
			ReinjectAddr:     l.ReinjectAddr,
			Authority:        l.Authority,
			Forwarder:        l.Forwarder,
			GracePeriod:      l.GracePeriod,
			HandshakeTimeout: l.HandshakeTimeout,
			Logger:           l.Logger,
		})
		if err != nil {
			return nil, err
		}
		return relay, nil
	}
	stage, err := proxy.Start(ctx, proxy.Config{
		Name:             "primary",
		Addr:             d.Addr(),
		Mode:             proxy.ModeIntercept,
		Authority:        l.Authority,
		Forwarder:        l.Forwarder,
		GracePeriod:      l.GracePeriod,
		HandshakeTimeout: l.HandshakeTimeout,
		Logger:           l.Logger,
	})
	if err != nil {
		return nil, err
	}
	return stage, nil
}

// Waiter holds the session in AppRunning. Implementations must return early with
// ctx.Err() when ctx is done.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// WaiterFunc adapts a function to Waiter.
type WaiterFunc func(ctx context.Context, d time.Duration) error

func (f WaiterFunc) Wait(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerWaiter waits the full duration.
type TimerWaiter struct{}

func (TimerWaiter) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
