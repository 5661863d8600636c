package cmd

import (
	"testing"
	"time"

	"github.com/khanhnv2901/seca-pin/internal/analysis"
	"github.com/khanhnv2901/seca-pin/internal/checker"
	"github.com/khanhnv2901/seca-pin/internal/evidence"
	"go.uber.org/zap/zaptest"
)

// newTestAppContext returns an AppContext rooted in a temporary results directory.
func newTestAppContext(t *testing.T) *AppContext {
	t.Helper()
	return &AppContext{
		Logger:     zaptest.NewLogger(t).Sugar(),
		Operator:   "test-operator",
		ResultsDir: t.TempDir(),
		Config:     newCLIConfig(),
	}
}

// pinningResult builds a finished check for app as the pinning checker would.
func pinningResult(app string, status analysis.Status, pinned, completed []string) checker.CheckResult {
	static := evidence.StaticResult{Strings: []string{}, ClassDump: []evidence.Match{}}
	attempted := append(append([]string{}, pinned...), completed...)
	rec := evidence.Merge(static, &evidence.Dynamic{Verdict: analysis.Verdict{
		Status:    status,
		Pinned:    pinned,
		Completed: completed,
		Attempted: attempted,
	}})
	return checker.CheckResult{
		Target:    app,
		CheckedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:    checker.StatusOK,
		Pinning:   &checker.PinningResult{Record: rec},
		Notes:     "dynamic: " + rec.DynamicStatus,
	}
}
