package cmd

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/khanhnv2901/seca-pin/internal/analysis"
	"github.com/khanhnv2901/seca-pin/internal/checker"
)

func TestRecordTelemetry_WritesMetrics(t *testing.T) {
	appCtx := newTestAppContext(t)

	results := []checker.CheckResult{
		pinningResult("com.example.a", analysis.StatusPinned, []string{"a.example"}, nil),
		pinningResult("com.example.b", analysis.StatusNotPinned, nil, []string{"b.example"}),
		{Target: "com.example.c", Status: checker.StatusError, Error: "session failed"},
	}

	if err := recordTelemetry(appCtx, "run-123", "check pinning", results, 3*time.Second); err != nil {
		t.Fatalf("recordTelemetry returned error: %v", err)
	}

	f, err := os.Open(filepath.Join(appCtx.ResultsDir, telemetryFilename))
	if err != nil {
		t.Fatalf("failed to open telemetry file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatalf("expected telemetry record, file empty")
	}

	var rec TelemetryRecord
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		t.Fatalf("failed to unmarshal record: %v", err)
	}

	if rec.RunID != "run-123" || rec.Command != "check pinning" {
		t.Errorf("unexpected identity fields: %+v", rec)
	}
	if rec.SuccessCount != 2 || rec.ErrorCount != 1 {
		t.Errorf("unexpected counts: %+v", rec)
	}
	if rec.PinnedCount != 1 || rec.NotPinnedCount != 1 || rec.InconclusiveCount != 0 {
		t.Errorf("unexpected verdict counts: %+v", rec)
	}
	expectedRate := (2.0 / 3.0) * 100
	if math.Abs(rec.SuccessRate-expectedRate) > 0.0001 {
		t.Errorf("expected success rate %.6f, got %.6f", expectedRate, rec.SuccessRate)
	}
	if rec.DurationSeconds != 3 || rec.AvgDurationPerCheck != 1 {
		t.Errorf("unexpected durations: %+v", rec)
	}
}

func TestRecordTelemetry_EmptyResults(t *testing.T) {
	appCtx := newTestAppContext(t)
	if err := recordTelemetry(appCtx, "run-empty", "check pinning", nil, time.Second); err != nil {
		t.Fatalf("recordTelemetry: %v", err)
	}
	records, err := loadTelemetryHistory(appCtx.ResultsDir, "run-empty", 0)
	if err != nil {
		t.Fatalf("loadTelemetryHistory: %v", err)
	}
	if len(records) != 1 || records[0].SuccessRate != 0 || records[0].AvgDurationPerCheck != 0 {
		t.Fatalf("unexpected record for empty run: %+v", records)
	}
}

func TestLoadTelemetryHistory(t *testing.T) {
	appCtx := newTestAppContext(t)

	if records, err := loadTelemetryHistory(appCtx.ResultsDir, "run-a", 10); err != nil || records != nil {
		t.Fatalf("missing file should be empty history, got %v %v", records, err)
	}

	for i := 0; i < 4; i++ {
		if err := recordTelemetry(appCtx, "run-a", "check pinning", nil, time.Duration(i+1)*time.Second); err != nil {
			t.Fatal(err)
		}
	}
	if err := recordTelemetry(appCtx, "run-b", "check pinning", nil, time.Second); err != nil {
		t.Fatal(err)
	}

	// A corrupt line is skipped rather than failing the whole history.
	f, err := os.OpenFile(filepath.Join(appCtx.ResultsDir, telemetryFilename), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{not json\n")
	_ = f.Close()

	records, err := loadTelemetryHistory(appCtx.ResultsDir, "run-a", 2)
	if err != nil {
		t.Fatalf("loadTelemetryHistory: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records after limit, got %d", len(records))
	}
	if records[0].DurationSeconds != 3 || records[1].DurationSeconds != 4 {
		t.Fatalf("expected the most recent records oldest first, got %+v", records)
	}

	all, err := loadTelemetryHistory(appCtx.ResultsDir, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 records across runs, got %d", len(all))
	}
}
