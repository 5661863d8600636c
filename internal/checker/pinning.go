package checker

import (
	"context"
	"errors"
	"strings"
	"time"

	pinapp "github.com/khanhnv2901/seca-pin/internal/application/pinning"
	domain "github.com/khanhnv2901/seca-pin/internal/domain/pinning"
	"github.com/khanhnv2901/seca-pin/internal/evidence"
	sharedErrors "github.com/khanhnv2901/seca-pin/internal/shared/errors"
	"go.uber.org/zap"
)

// SessionRunner runs a dynamic pinning session.
type SessionRunner interface {
	Run(ctx context.Context, d domain.Descriptor) (*pinapp.Outcome, error)
}

// StaticCollector gathers static evidence.
type StaticCollector interface {
	Collect(ctx context.Context, binaryPath, classDumpDir string) (evidence.StaticResult, error)
}

// PinningChecker checks whether an application pins its TLS certificates. The target
// is the application identifier.
type PinningChecker struct {
	// Sessions runs the dynamic half; nil means static only.
	Sessions SessionRunner
	// Collector runs the static half; nil or empty inputs skip it.
	Collector StaticCollector
	// Template is copied for every target with Identifier set to the target.
	Template  domain.Descriptor
	Binary    string
	ClassDump string
	Logger    *zap.Logger
}

func (p *PinningChecker) Name() string {
	return "check pinning"
}

// Exclusive is true: every session binds the same proxy port.
func (p *PinningChecker) Exclusive() bool {
	return true
}

func (p *PinningChecker) Check(ctx context.Context, target string) CheckResult {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	result := CheckResult{
		Target:    target,
		CheckedAt: time.Now().UTC(),
		Status:    StatusError,
	}

	static := evidence.StaticResult{Strings: []string{}, ClassDump: []evidence.Match{}}
	if p.Collector != nil && (p.Binary != "" || p.ClassDump != "") {
		logger.Info("analysing strings and class dump", zap.String("app", target))
		res, err := p.Collector.Collect(ctx, p.Binary, p.ClassDump)
		if err != nil {
			result.Error = "static analysis: " + err.Error()
			return result
		}
		static = res
	}

	var dyn *evidence.Dynamic
	var outcome *pinapp.Outcome
	if p.Sessions != nil {
		d := p.Template
		d.Identifier = target
		out, err := p.Sessions.Run(ctx, d)
		if err != nil {
			if errors.Is(err, sharedErrors.ErrAppNotInstalled) {
				result.Status = StatusNotInstalled
			}
			result.Error = err.Error()
			return result
		}
		outcome = out
		dyn = &evidence.Dynamic{
			Verdict:     out.Verdict,
			Degraded:    out.Degraded,
			Reason:      out.Reason,
			Interrupted: out.Interrupted,
		}
	}

	rec := evidence.Merge(static, dyn)
	result.Status = StatusOK
	result.Pinning = &PinningResult{Record: rec, Session: outcome}
	result.Notes = notes(rec, outcome)
	return result
}

func notes(rec evidence.Record, outcome *pinapp.Outcome) string {
	var parts []string
	parts = append(parts, "dynamic: "+rec.DynamicStatus)
	if rec.Static.Found() {
		parts = append(parts, "static evidence found")
	}
	if outcome != nil {
		if outcome.Interrupted {
			parts = append(parts, "interrupted")
		}
		parts = append(parts, outcome.Warnings...)
	}
	return strings.Join(parts, "; ")
}
