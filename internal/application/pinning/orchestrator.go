package pinning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/khanhnv2901/seca-pin/internal/analysis"
	"github.com/khanhnv2901/seca-pin/internal/device"
	domain "github.com/khanhnv2901/seca-pin/internal/domain/pinning"
	sharedErrors "github.com/khanhnv2901/seca-pin/internal/shared/errors"
	"github.com/khanhnv2901/seca-pin/internal/traffic"
	"go.uber.org/zap"
)

const finalizeTimeout = 30 * time.Second

// Outcome is the dynamic half of a pinning check.
type Outcome struct {
	SessionID   string              `json:"session_id"`
	Identifier  string              `json:"identifier"`
	ProxyAddr   string              `json:"proxy_addr,omitempty"`
	Relay       bool                `json:"relay"`
	Verdict     analysis.Verdict    `json:"verdict"`
	Snapshot    traffic.Snapshot    `json:"snapshot"`
	Orphans     []string            `json:"orphans,omitempty"`
	Degraded    bool                `json:"degraded"`
	Reason      string              `json:"reason,omitempty"`
	Interrupted bool                `json:"interrupted"`
	Warnings    []string            `json:"warnings,omitempty"`
	History     []domain.Transition `json:"history"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
}

// Orchestrator runs dynamic pinning sessions
type Orchestrator struct {
	device   device.Device
	launcher Launcher
	waiter   Waiter
	setup    Waiter
	logger   *zap.Logger
	caDir    string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithWaiter(w Waiter) Option {
	return func(o *Orchestrator) { o.waiter = w }
}

// WithSetupWaiter holds the setup delay; the collection waiter is used when unset.
func WithSetupWaiter(w Waiter) Option {
	return func(o *Orchestrator) { o.setup = w }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithCADir names the directory holding the CA the device must trust.
func WithCADir(dir string) Option {
	return func(o *Orchestrator) { o.caDir = dir }
}

// NewOrchestrator creates a new session orchestrator
func NewOrchestrator(dev device.Device, launcher Launcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		device:   dev,
		launcher: launcher,
		waiter:   TimerWaiter{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.setup == nil {
		o.setup = o.waiter
	}
	return o
}

// Run drives one session from Idle to Finalized. A stage that cannot bind yields a
// degraded outcome and no error; device failures are returned as errors.
func (o *Orchestrator) Run(ctx context.Context, d domain.Descriptor) (*Outcome, error) {
	session, err := domain.NewSession(d)
	if err != nil {
		return nil, err
	}
	log := o.logger.With(zap.String("session", session.ID()), zap.String("app", d.Identifier))

	installed, err := o.device.Installed(ctx, d.Identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", d.Identifier, err)
	}
	if !installed {
		return nil, fmt.Errorf("%s: %w", d.Identifier, sharedErrors.ErrAppNotInstalled)
	}

	if d.SetupDelay > 0 {
		log.Info("waiting before stopping the application", zap.Duration("setup_delay", d.SetupDelay))
		if err := o.setup.Wait(ctx, d.SetupDelay); err != nil {
			return nil, fmt.Errorf("setup delay interrupted: %w", err)
		}
	}

	if err := o.device.Stop(ctx, d.Identifier); err != nil {
		return nil, fmt.Errorf("failed to stop %s: %w", d.Identifier, err)
	}
	if err := session.Advance(domain.StateAppStopped); err != nil {
		return nil, err
	}

	if o.caDir != "" {
		log.Info("Make sure your device trusts the CA in: " + o.caDir)
	}

	handle, err := o.launcher.Launch(ctx, d)
	if err != nil {
		if !errors.Is(err, sharedErrors.ErrBind) {
			_ = session.Fail(err)
			return nil, fmt.Errorf("failed to start proxy: %w", err)
		}
		log.Warn("proxy could not bind, dynamic analysis skipped", zap.Error(err))
		if err := session.Advance(domain.StateDegraded); err != nil {
			return nil, err
		}
		out := o.outcome(session, traffic.Snapshot{})
		out.Degraded = true
		out.Reason = err.Error()
		return out, nil
	}
	if err := session.Advance(domain.StateProxyListening); err != nil {
		return nil, err
	}
	log.Info("proxy listening", zap.String("addr", handle.Addr()), zap.Bool("relay", d.Relay))

	if err := o.device.Start(ctx, d.Identifier); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		if stopErr := handle.Stop(stopCtx); stopErr != nil {
			log.Warn("proxy stop failed", zap.Error(stopErr))
		}
		_ = session.Fail(err)
		return nil, fmt.Errorf("failed to start %s: %w", d.Identifier, err)
	}
	if err := session.Advance(domain.StateAppRunning); err != nil {
		return nil, err
	}

	log.Info("collecting traffic", zap.Duration("wait_time", d.WaitTime))
	if err := o.waiter.Wait(ctx, d.WaitTime); err != nil {
		log.Warn("wait window interrupted, finalizing with partial traffic", zap.Error(err))
		session.MarkInterrupted()
	}
	if err := session.Advance(domain.StateCollecting); err != nil {
		return nil, err
	}

	return o.finalize(ctx, session, handle, log)
}

func (o *Orchestrator) finalize(ctx context.Context, session *domain.Session, handle Handle, log *zap.Logger) (*Outcome, error) {
	d := session.Descriptor()
	snap := handle.Snapshot()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	var warnings []string
	if err := o.device.Stop(stopCtx, d.Identifier); err != nil {
		log.Warn("failed to stop application after collection", zap.Error(err))
		warnings = append(warnings, fmt.Sprintf("application stop: %v", err))
	}
	if err := handle.Stop(stopCtx); err != nil {
		log.Warn("proxy stop", zap.Error(err))
		warnings = append(warnings, fmt.Sprintf("proxy stop: %v", err))
	}

	if err := session.Advance(domain.StateFinalized); err != nil {
		return nil, err
	}
	out := o.outcome(session, snap)
	out.ProxyAddr = handle.Addr()
	out.Warnings = warnings

	if out.Verdict.NoTraffic() {
		log.Warn("No connections made by the application")
	}
	if len(out.Orphans) > 0 {
		log.Debug("completions without a recorded attempt", zap.Strings("hosts", out.Orphans))
	}
	log.Info("session finalized",
		zap.String("status", string(out.Verdict.Status)),
		zap.Int("pinned", len(out.Verdict.Pinned)),
		zap.Int("completed", len(out.Verdict.Completed)),
		zap.Bool("interrupted", out.Interrupted))
	return out, nil
}

func (o *Orchestrator) outcome(session *domain.Session, snap traffic.Snapshot) *Outcome {
	d := session.Descriptor()
	return &Outcome{
		SessionID:   session.ID(),
		Identifier:  d.Identifier,
		Relay:       d.Relay,
		Verdict:     analysis.Analyze(snap.Attempted, snap.Completed, d.IgnoreURL),
		Snapshot:    snap,
		Orphans:     snap.Orphans(),
		Interrupted: session.Interrupted(),
		History:     session.History(),
		StartedAt:   session.StartedAt(),
		FinishedAt:  session.FinishedAt(),
	}
}
