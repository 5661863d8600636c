// Package traffic records which remote hosts an application tried to reach through an
// interception stage and which of them it completed an application-layer exchange with.
package traffic

import (
	"sort"
	"strings"
	"sync"
)

// Recorder is the write side of a ledger, used by connection handlers.
type Recorder interface {
	RecordAttempt(host string)
	RecordCompletion(host string)
}

// Store is a ledger that can also be snapshotted once its stage is stopped.
type Store interface {
	Recorder
	Snapshot() Snapshot
}

// Snapshot is an immutable, sorted copy of a ledger.
type Snapshot struct {
	Attempted []string `json:"attempted"`
	Completed []string `json:"completed"`
}

// Ledger is a concurrency-safe pair of host sets. The zero value is ready to use.
type Ledger struct {
	mu        sync.Mutex
	attempted map[string]struct{}
	completed map[string]struct{}
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		attempted: make(map[string]struct{}),
		completed: make(map[string]struct{}),
	}
}

// RecordAttempt marks host as having opened a connection or handshake.
func (l *Ledger) RecordAttempt(host string) {
	host = strings.TrimSpace(host)
	if host == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attempted == nil {
		l.attempted = make(map[string]struct{})
	}
	l.attempted[host] = struct{}{}
}

// RecordCompletion marks host as having finished a full request/response cycle.
func (l *Ledger) RecordCompletion(host string) {
	host = strings.TrimSpace(host)
	if host == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completed == nil {
		l.completed = make(map[string]struct{})
	}
	l.completed[host] = struct{}{}
}

// Snapshot copies both sets at call time.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Attempted: sortedKeys(l.attempted),
		Completed: sortedKeys(l.completed),
	}
}

// Empty reports whether no connection attempt was observed.
func (s Snapshot) Empty() bool {
	return len(s.Attempted) == 0
}

// Orphans returns completed hosts that were never recorded as attempted. The engine may
// produce these; they are reported, not corrected.
func (s Snapshot) Orphans() []string {
	attempted := toSet(s.Attempted)
	var orphans []string
	for _, host := range s.Completed {
		if _, ok := attempted[host]; !ok {
			orphans = append(orphans, host)
		}
	}
	return orphans
}

// Merge returns the set union of both snapshots. It is commutative and duplicate-free.
func Merge(a, b Snapshot) Snapshot {
	attempted := toSet(a.Attempted)
	for _, h := range b.Attempted {
		attempted[h] = struct{}{}
	}
	completed := toSet(a.Completed)
	for _, h := range b.Completed {
		completed[h] = struct{}{}
	}
	return Snapshot{
		Attempted: sortedKeys(attempted),
		Completed: sortedKeys(completed),
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
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
