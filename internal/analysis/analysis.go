// Package analysis derives the pinning verdict from the hosts an application attempted to
// reach and the hosts it completed an exchange with through the interception proxy.
package analysis

import (
	"sort"
	"strings"
)

// Status classifies a verdict.
type Status string

const (
	// StatusPinned means at least one non-ignored host refused the intercepted chain.
	StatusPinned Status = "pinned"
	// StatusNotPinned means traffic was observed and every non-ignored host completed.
	StatusNotPinned Status = "not_pinned"
	// StatusInconclusive means no connection was observed at all.
	StatusInconclusive Status = "inconclusive"
)

// Verdict is the outcome of the differential analysis. Slices are sorted.
type Verdict struct {
	Status    Status   `json:"status"`
	Pinned    []string `json:"pinned"`
	Completed []string `json:"completed"`
	Ignored   []string `json:"ignored,omitempty"`
	Attempted []string `json:"attempted"`
}

// NoTraffic reports the "no traffic observed" condition, distinct from an empty pin list.
func (v Verdict) NoTraffic() bool {
	return v.Status == StatusInconclusive
}

// Analyze computes pinned = attempted - completed - ignored.
func Analyze(attempted, completed []string, ignore IgnoreList) Verdict {
	attemptedSet := normalizeSet(attempted)
	completedSet := normalizeSet(completed)

	v := Verdict{
		Pinned:    []string{},
		Completed: sortedKeys(completedSet),
		Attempted: sortedKeys(attemptedSet),
	}

	if len(attemptedSet) == 0 {
		v.Status = StatusInconclusive
		return v
	}

	for host := range attemptedSet {
		if _, ok := completedSet[host]; ok {
			continue
		}
		if ignore.Matches(host) {
			v.Ignored = append(v.Ignored, host)
			continue
		}
		v.Pinned = append(v.Pinned, host)
	}
	sort.Strings(v.Pinned)
	sort.Strings(v.Ignored)

	if len(v.Pinned) > 0 {
		v.Status = StatusPinned
	} else {
		v.Status = StatusNotPinned
	}
	return v
}

func normalizeSet(hosts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		set[h] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
