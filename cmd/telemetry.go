package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/khanhnv2901/seca-pin/internal/checker"
	consts "github.com/khanhnv2901/seca-pin/internal/shared/constants"
)

const telemetryFilename = "telemetry.jsonl"

// TelemetryRecord is one line of telemetry.jsonl.
type TelemetryRecord struct {
	Timestamp           time.Time `json:"timestamp"`
	Command             string    `json:"command"`
	RunID               string    `json:"run_id"`
	TargetCount         int       `json:"target_count"`
	SuccessCount        int       `json:"success_count"`
	ErrorCount          int       `json:"error_count"`
	PinnedCount         int       `json:"pinned_count"`
	NotPinnedCount      int       `json:"not_pinned_count"`
	InconclusiveCount   int       `json:"inconclusive_count"`
	SuccessRate         float64   `json:"success_rate"`
	DurationSeconds     float64   `json:"duration_seconds"`
	AvgDurationPerCheck float64   `json:"avg_duration_per_check"`
}

func recordTelemetry(appCtx *AppContext, runID string, command string, results []checker.CheckResult, duration time.Duration) error {
	okCount, errorCount := summarizeStatuses(results)
	total := len(results)

	successRate := 0.0
	avgDuration := 0.0
	if total > 0 {
		successRate = (float64(okCount) / float64(total)) * 100
		avgDuration = duration.Seconds() / float64(total)
	}

	record := TelemetryRecord{
		Timestamp:           time.Now().UTC(),
		Command:             command,
		RunID:               runID,
		TargetCount:         total,
		SuccessCount:        okCount,
		ErrorCount:          errorCount,
		SuccessRate:         successRate,
		DurationSeconds:     duration.Seconds(),
		AvgDurationPerCheck: avgDuration,
	}
	for _, r := range results {
		switch dynamicStatusOf(r) {
		case "pinned":
			record.PinnedCount++
		case "not_pinned":
			record.NotPinnedCount++
		case "inconclusive":
			record.InconclusiveCount++
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	telemetryPath := filepath.Join(appCtx.ResultsDir, telemetryFilename)
	f, err := os.OpenFile(telemetryPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, consts.DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("open telemetry file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write telemetry: %w", err)
	}

	return nil
}

// loadTelemetryHistory returns up to limit records for runID, oldest first. A missing
// telemetry file is an empty history.
func loadTelemetryHistory(resultsDir, runID string, limit int) ([]TelemetryRecord, error) {
	f, err := os.Open(filepath.Join(resultsDir, telemetryFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []TelemetryRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec TelemetryRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if runID != "" && rec.RunID != runID {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read telemetry: %w", err)
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

func summarizeStatuses(results []checker.CheckResult) (okCount, errorCount int) {
	for _, r := range results {
		if r.Status == checker.StatusOK {
			okCount++
		} else {
			errorCount++
		}
	}
	return okCount, errorCount
}
