package evidence

import (
	"strings"

	"github.com/khanhnv2901/seca-pin/internal/analysis"
)

const (
	TitleNotPinned = "Application Does Not Implement SSL Pinning"
	TitlePinned    = "Application Implements SSL Pinning"
	SeverityMedium = "Medium"
)

// Dynamic is the dynamic verdict handed to Merge.
type Dynamic struct {
	Verdict     analysis.Verdict
	Degraded    bool
	Reason      string
	Interrupted bool
}

// Record is the reportable result of a pinning check. Static and dynamic evidence
// are kept side by side.
type Record struct {
	Title    string `json:"title" yaml:"title"`
	Severity string `json:"severity" yaml:"severity"`
	Details  string `json:"details" yaml:"details"`
	Report   bool   `json:"report" yaml:"report"`

	Static StaticResult `json:"static" yaml:"static"`

	// DynamicStatus is the analyzer status, "degraded" or "skipped".
	DynamicStatus string   `json:"dynamic_status" yaml:"dynamic_status"`
	Pinned        []string `json:"pinned" yaml:"pinned"`
	Completed     []string `json:"completed" yaml:"completed"`
	Ignored       []string `json:"ignored,omitempty" yaml:"ignored,omitempty"`
	Interrupted   bool     `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
}

const (
	DynamicDegraded = "degraded"
	DynamicSkipped  = "skipped"
)

// Merge combines static matches with an optional dynamic verdict.
func Merge(static StaticResult, dyn *Dynamic) Record {
	rec := Record{
		Title:         TitleNotPinned,
		Severity:      SeverityMedium,
		Static:        static,
		DynamicStatus: DynamicSkipped,
		Pinned:        []string{},
		Completed:     []string{},
		Report:        static.Found(),
	}

	var sections []string
	if len(static.Strings) > 0 {
		sections = append(sections, "The following strings were found:\n"+bullets(static.Strings))
	}
	if len(static.ClassDump) > 0 {
		lines := make([]string, len(static.ClassDump))
		for i, m := range static.ClassDump {
			lines[i] = m.String()
		}
		sections = append(sections, "The following was found in the class dump:\n"+bullets(lines))
	}

	switch {
	case dyn == nil:
	case dyn.Degraded:
		rec.DynamicStatus = DynamicDegraded
		sections = append(sections, "Dynamic analysis was not performed: "+dyn.Reason)
	default:
		v := dyn.Verdict
		rec.DynamicStatus = string(v.Status)
		rec.Pinned = append(rec.Pinned, v.Pinned...)
		rec.Completed = append(rec.Completed, v.Completed...)
		rec.Ignored = v.Ignored
		rec.Interrupted = dyn.Interrupted

		if v.NoTraffic() {
			sections = append(sections, "No connections made by the application; the dynamic result is inconclusive.")
		}
		if len(v.Pinned) > 0 {
			rec.Title = TitlePinned
			rec.Report = true
			sections = append(sections, "The application started a connection but made no requests to the following domains:\n"+bullets(v.Pinned))
		}
		if len(v.Completed) > 0 {
			rec.Report = true
			sections = append(sections, "The application started a connection and made requests to the following domains:\n"+bullets(v.Completed))
		}
		if dyn.Interrupted {
			sections = append(sections, "The observation window was interrupted; traffic may be incomplete.")
		}
	}

	rec.Details = strings.Join(sections, "\n\n")
	return rec
}

func bullets(items []string) string {
	return "* " + strings.Join(items, "\n* ")
}
