package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/khanhnv2901/seca-pin/internal/analysis"
	"github.com/khanhnv2901/seca-pin/internal/checker"
	"gopkg.in/yaml.v3"
)

func sampleRunOutput() *RunOutput {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	results := []checker.CheckResult{
		pinningResult("com.example.bank", analysis.StatusPinned, []string{"api.bank.example"}, []string{"cdn.example"}),
		pinningResult("com.example.shop", analysis.StatusNotPinned, nil, []string{"shop.example"}),
		pinningResult("com.example.idle", analysis.StatusInconclusive, nil, nil),
		{Target: "com.example.gone", Status: checker.StatusNotInstalled, Error: "application not installed"},
	}
	return &RunOutput{
		Metadata: RunMetadata{
			Operator:      "alice",
			RunID:         "run-42",
			StartAt:       start,
			CompleteAt:    start.Add(90 * time.Second),
			HashAlgorithm: "sha256",
			TotalTargets:  len(results),
			ProxyAddr:     "0.0.0.0:9090",
			Relay:         true,
			WaitTime:      "20s",
		},
		Results: results,
	}
}

func TestBuildTemplateDataCounts(t *testing.T) {
	data := buildTemplateData(sampleRunOutput(), nil)
	if data.Pinned != 1 || data.NotPinned != 1 || data.Other != 1 || data.Errors != 1 {
		t.Fatalf("unexpected counts: pinned=%d not_pinned=%d other=%d errors=%d",
			data.Pinned, data.NotPinned, data.Other, data.Errors)
	}
	if len(data.Findings) != 4 {
		t.Fatalf("expected one finding per result, got %d", len(data.Findings))
	}
	if f := data.Findings[0]; f.Title == "" || f.DynamicStatus != "pinned" || !f.Report {
		t.Fatalf("unexpected first finding: %+v", f)
	}
}

func TestGenerateJSONReport(t *testing.T) {
	trends := []TelemetryRecord{{RunID: "run-42", TargetCount: 4, PinnedCount: 1}}
	out, err := generateJSONReport(buildTemplateData(sampleRunOutput(), trends))
	if err != nil {
		t.Fatalf("generateJSONReport: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	for _, key := range []string{"metadata", "pinned", "not_pinned", "results", "trends"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("expected key %q in JSON report", key)
		}
	}
	if _, ok := decoded["findings"]; ok {
		t.Fatal("findings are YAML only")
	}
}

func TestGenerateYAMLReport(t *testing.T) {
	out, err := generateYAMLReport(buildTemplateData(sampleRunOutput(), nil))
	if err != nil {
		t.Fatalf("generateYAMLReport: %v", err)
	}
	var decoded struct {
		Metadata struct {
			RunID string `yaml:"run_id"`
		} `yaml:"metadata"`
		Pinned   int `yaml:"pinned"`
		Findings []struct {
			Target        string   `yaml:"target"`
			DynamicStatus string   `yaml:"dynamic_status"`
			Pinned        []string `yaml:"pinned"`
		} `yaml:"findings"`
	}
	if err := yaml.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("invalid YAML: %v", err)
	}
	if decoded.Pinned != 1 || len(decoded.Findings) != 4 {
		t.Fatalf("unexpected YAML content: %+v", decoded)
	}
	if decoded.Findings[0].Pinned[0] != "api.bank.example" {
		t.Fatalf("unexpected first finding: %+v", decoded.Findings[0])
	}
	if strings.Contains(string(out), "checked_at") {
		t.Fatal("raw results must not be duplicated in the YAML report")
	}
}

func TestGenerateMarkdownReport(t *testing.T) {
	output := sampleRunOutput()
	output.Metadata.Interrupted = true
	trends := []TelemetryRecord{{Timestamp: output.Metadata.StartAt, TargetCount: 4, PinnedCount: 1, DurationSeconds: 90}}

	out, err := generateMarkdownReport(buildTemplateData(output, trends))
	if err != nil {
		t.Fatalf("generateMarkdownReport: %v", err)
	}
	md := string(out)
	for _, want := range []string{
		"# Pinning Report: run-42",
		"| Operator | alice |",
		"0.0.0.0:9090 (relay)",
		"results are partial",
		"- Pinned: 1",
		"## com.example.bank",
		"- api.bank.example",
		"Dynamic status: `inconclusive`",
		"Status: **not_installed** (application not installed)",
		"## Telemetry",
		"1m30s",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("expected %q in markdown report:\n%s", want, md)
		}
	}
}

func TestGenerateMarkdownReportStaticOnly(t *testing.T) {
	output := &RunOutput{Metadata: RunMetadata{RunID: "static", Operator: "bob"}}
	out, err := generateMarkdownReport(buildTemplateData(output, nil))
	if err != nil {
		t.Fatalf("generateMarkdownReport: %v", err)
	}
	if !strings.Contains(string(out), "static only") || strings.Contains(string(out), "## Telemetry") {
		t.Fatalf("unexpected static-only report:\n%s", out)
	}
}

func TestGeneratePDFReport(t *testing.T) {
	out, err := generatePDFReportBytes(buildTemplateData(sampleRunOutput(), nil))
	if err != nil {
		t.Fatalf("generatePDFReportBytes: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF-")) {
		t.Fatalf("expected PDF header, got %q", out[:8])
	}
}

func TestLoadRunOutput(t *testing.T) {
	appCtx := newTestAppContext(t)

	_, err := loadRunOutput(appCtx.ResultsDir, "missing")
	var notFound *RunNotFoundError
	if !errors.As(err, &notFound) || notFound.ID != "missing" {
		t.Fatalf("expected RunNotFoundError, got %v", err)
	}

	sample := sampleRunOutput()
	if _, _, _, _, err := writeResultsAndHash(appCtx, "run-42", pinningResultsFilename, sample.Metadata, sample.Results, HashAlgorithmSHA256); err != nil {
		t.Fatal(err)
	}
	loaded, err := loadRunOutput(appCtx.ResultsDir, "run-42")
	if err != nil {
		t.Fatalf("loadRunOutput: %v", err)
	}
	if len(loaded.Results) != 4 || loaded.Metadata.Operator != "alice" {
		t.Fatalf("unexpected run output: %+v", loaded.Metadata)
	}

	if err := os.WriteFile(filepath.Join(appCtx.ResultsDir, "run-42", pinningResultsFilename), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadRunOutput(appCtx.ResultsDir, "run-42"); err == nil || errors.As(err, &notFound) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestReportGenerateCommand(t *testing.T) {
	appCtx := newTestAppContext(t)
	sample := sampleRunOutput()
	if _, _, _, _, err := writeResultsAndHash(appCtx, "run-42", pinningResultsFilename, sample.Metadata, sample.Results, HashAlgorithmSHA256); err != nil {
		t.Fatal(err)
	}

	origResults, origOperator := resultsDir, operator
	resultsDir, operator = appCtx.ResultsDir, appCtx.Operator
	t.Cleanup(func() {
		resultsDir, operator = origResults, origOperator
		_ = reportGenerateCmd.Flags().Set("id", "")
		_ = reportGenerateCmd.Flags().Set("format", "md")
	})

	for _, format := range []string{"json", "md", "yaml", "pdf"} {
		if err := reportGenerateCmd.Flags().Set("id", "run-42"); err != nil {
			t.Fatal(err)
		}
		if err := reportGenerateCmd.Flags().Set("format", format); err != nil {
			t.Fatal(err)
		}
		if err := reportGenerateCmd.RunE(reportGenerateCmd, nil); err != nil {
			t.Fatalf("report generate %s: %v", format, err)
		}
		if _, err := os.Stat(filepath.Join(appCtx.ResultsDir, "run-42", "report."+format)); err != nil {
			t.Fatalf("expected report.%s: %v", format, err)
		}
	}

	_ = reportGenerateCmd.Flags().Set("format", "html")
	if err := reportGenerateCmd.RunE(reportGenerateCmd, nil); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestFormatDurationLabel(t *testing.T) {
	tests := map[float64]string{0: "-", 12.34: "12.3s", 90: "1m30s", 3725.9: "1h2m5s"}
	for in, want := range tests {
		if got := formatDurationLabel(in); got != want {
			t.Fatalf("formatDurationLabel(%v) = %q, want %q", in, got, want)
		}
	}
	if formatShortTimestamp(time.Time{}) != "-" {
		t.Fatal("zero time should render as -")
	}
}
