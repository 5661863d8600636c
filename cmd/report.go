package cmd

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/khanhnv2901/seca-pin/internal/checker"
	consts "github.com/khanhnv2901/seca-pin/internal/shared/constants"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const markdownTemplatePath = "templates/report.md"

//go:embed templates/report.md
var reportTemplateFS embed.FS

var markdownReportTemplate = template.Must(
	template.New("report.md").Funcs(template.FuncMap{
		"join":           strings.Join,
		"formatTime":     formatShortTimestamp,
		"formatDuration": formatDurationLabel,
	}).ParseFS(reportTemplateFS, markdownTemplatePath),
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a pinning report (json, md, yaml or pdf)",
}

var reportGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate report for a run",
	RunE: func(cmd *cobra.Command, args []string) error {
		appCtx := getAppContext(cmd)

		id, _ := cmd.Flags().GetString("id")
		format, _ := cmd.Flags().GetString("format")
		if id == "" {
			return fmt.Errorf("--id is required")
		}

		format = strings.ToLower(format)
		var render func(TemplateData) ([]byte, error)
		switch format {
		case "json":
			render = generateJSONReport
		case "md":
			render = generateMarkdownReport
		case "yaml":
			render = generateYAMLReport
		case "pdf":
			render = generatePDFReportBytes
		default:
			return fmt.Errorf("invalid format: %s (must be json, md, yaml, or pdf)", format)
		}

		output, err := loadRunOutput(appCtx.ResultsDir, id)
		if err != nil {
			return err
		}

		trends, histErr := loadTelemetryHistory(appCtx.ResultsDir, id, 8)
		if histErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load telemetry history: %v\n", histErr)
		}

		content, err := render(buildTemplateData(output, trends))
		if err != nil {
			return fmt.Errorf("failed to generate report: %w", err)
		}

		filename := "report." + format
		reportPath, err := resolveResultsPath(appCtx.ResultsDir, id, filename)
		if err != nil {
			return fmt.Errorf("resolve report path: %w", err)
		}
		if err := os.WriteFile(reportPath, content, consts.DefaultFilePerm); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}

		fmt.Printf("Report generated: %s\n", reportPath)
		fmt.Printf("Format: %s\n", format)
		fmt.Printf("Total applications: %d\n", output.Metadata.TotalTargets)
		return nil
	},
}

// TemplateData is the view every report format renders.
type TemplateData struct {
	Metadata  RunMetadata           `json:"metadata" yaml:"metadata"`
	Pinned    int                   `json:"pinned" yaml:"pinned"`
	NotPinned int                   `json:"not_pinned" yaml:"not_pinned"`
	Other     int                   `json:"other" yaml:"other"`
	Errors    int                   `json:"errors" yaml:"errors"`
	Results   []checker.CheckResult `json:"results" yaml:"-"`
	Findings  []reportFinding       `json:"-" yaml:"findings"`
	Trends    []TelemetryRecord     `json:"trends,omitempty" yaml:"-"`
}

// reportFinding flattens a result for the YAML report.
type reportFinding struct {
	Target        string   `yaml:"target"`
	Status        string   `yaml:"status"`
	Error         string   `yaml:"error,omitempty"`
	Title         string   `yaml:"title,omitempty"`
	Severity      string   `yaml:"severity,omitempty"`
	Report        bool     `yaml:"report"`
	DynamicStatus string   `yaml:"dynamic_status,omitempty"`
	Pinned        []string `yaml:"pinned,omitempty"`
	Completed     []string `yaml:"completed,omitempty"`
	Ignored       []string `yaml:"ignored,omitempty"`
	StaticStrings []string `yaml:"static_strings,omitempty"`
	ClassDump     []string `yaml:"class_dump,omitempty"`
	Details       string   `yaml:"details,omitempty"`
}

func loadRunOutput(resultsDir, id string) (*RunOutput, error) {
	path, err := resolveResultsPath(resultsDir, id, pinningResultsFilename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &RunNotFoundError{ID: id}
		}
		return nil, fmt.Errorf("read results: %w", err)
	}
	var output RunOutput
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, fmt.Errorf("parse %s: %w", pinningResultsFilename, err)
	}
	return &output, nil
}

func buildTemplateData(output *RunOutput, trends []TelemetryRecord) TemplateData {
	data := TemplateData{
		Metadata: output.Metadata,
		Results:  output.Results,
		Trends:   trends,
	}
	for _, r := range output.Results {
		if r.Status != checker.StatusOK {
			data.Errors++
		}
		switch dynamicStatusOf(r) {
		case "pinned":
			data.Pinned++
		case "not_pinned":
			data.NotPinned++
		default:
			if r.Status == checker.StatusOK {
				data.Other++
			}
		}

		f := reportFinding{Target: r.Target, Status: r.Status, Error: r.Error}
		if r.Pinning != nil {
			rec := r.Pinning.Record
			f.Title = rec.Title
			f.Severity = rec.Severity
			f.Report = rec.Report
			f.DynamicStatus = rec.DynamicStatus
			f.Pinned = rec.Pinned
			f.Completed = rec.Completed
			f.Ignored = rec.Ignored
			f.StaticStrings = rec.Static.Strings
			for _, m := range rec.Static.ClassDump {
				f.ClassDump = append(f.ClassDump, m.String())
			}
			f.Details = rec.Details
		}
		data.Findings = append(data.Findings, f)
	}
	return data
}

func generateJSONReport(data TemplateData) ([]byte, error) {
	return json.MarshalIndent(data, jsonPrefix, jsonIndent)
}

func generateYAMLReport(data TemplateData) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func generateMarkdownReport(data TemplateData) ([]byte, error) {
	var buf bytes.Buffer
	if err := markdownReportTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func generatePDFReportBytes(data TemplateData) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	// Title
	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, tr(fmt.Sprintf("Pinning Report: %s", data.Metadata.RunID)), "", 1, "C", false, 0, "")
	pdf.Ln(5)

	// Metadata section
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, tr(fmt.Sprintf("Operator: %s", data.Metadata.Operator)), "", 1, "", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Started: %s", formatShortTimestamp(data.Metadata.StartAt)), "", 1, "", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Completed: %s", formatShortTimestamp(data.Metadata.CompleteAt)), "", 1, "", false, 0, "")
	proxyLine := "Proxy: static only"
	if data.Metadata.ProxyAddr != "" {
		proxyLine = fmt.Sprintf("Proxy: %s (relay: %t, wait: %s)", data.Metadata.ProxyAddr, data.Metadata.Relay, data.Metadata.WaitTime)
	}
	pdf.CellFormat(0, 6, proxyLine, "", 1, "", false, 0, "")
	if data.Metadata.Interrupted {
		pdf.SetFont("Arial", "I", 10)
		pdf.CellFormat(0, 6, "Run was interrupted; results are partial.", "", 1, "", false, 0, "")
	}
	pdf.Ln(5)

	// Summary section
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 8, "Summary", "", 1, "", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Pinned: %d | Not pinned: %d | Other: %d | Errors: %d",
		data.Pinned, data.NotPinned, data.Other, data.Errors), "", 1, "", false, 0, "")
	pdf.Ln(5)

	for _, r := range data.Results {
		if pdf.GetY() > 250 {
			pdf.AddPage()
		}

		pdf.SetFont("Arial", "B", 11)
		pdf.SetFillColor(240, 240, 240)
		pdf.CellFormat(0, 7, tr(fmt.Sprintf("%s - %s", r.Target, strings.ToUpper(r.Status))), "", 1, "", true, 0, "")
		pdf.Ln(1)

		pdf.SetFont("Arial", "", 9)
		if r.Error != "" {
			pdf.MultiCell(0, 5, tr("Error: "+r.Error), "", "", false)
		}
		if r.Pinning == nil {
			pdf.Ln(3)
			continue
		}
		rec := r.Pinning.Record
		pdf.SetFont("Arial", "B", 9)
		pdf.CellFormat(0, 5, tr(fmt.Sprintf("%s (%s)", rec.Title, rec.Severity)), "", 1, "", false, 0, "")
		pdf.SetFont("Arial", "", 9)
		pdf.CellFormat(0, 5, fmt.Sprintf("Dynamic: %s | Pinned: %d | Completed: %d | Report: %t",
			rec.DynamicStatus, len(rec.Pinned), len(rec.Completed), rec.Report), "", 1, "", false, 0, "")
		if rec.Details != "" {
			pdf.SetFont("Courier", "", 8)
			pdf.MultiCell(0, 4, tr(rec.Details), "", "", false)
		}
		pdf.Ln(3)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatShortTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func formatDurationLabel(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	if seconds < 60 {
		return fmt.Sprintf("%.1fs", seconds)
	}
	return (time.Duration(seconds * float64(time.Second))).Truncate(time.Second).String()
}

func init() {
	reportGenerateCmd.Flags().String("id", "", "Run id")
	reportGenerateCmd.Flags().String("format", "md", "Report format (json|md|yaml|pdf)")
	reportCmd.AddCommand(reportGenerateCmd)
}
