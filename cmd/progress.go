package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/khanhnv2901/seca-pin/internal/checker"
)

// progressPrinter renders per-application progress and the live wait countdown on a
// single terminal line.
type progressPrinter struct {
	out      io.Writer
	total    int
	name     string
	mu       sync.Mutex
	pinned   int
	exposed  int
	other    int
	current  string
	phase    string
	deadline time.Time
	updates  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
}

func newProgressPrinter(total int, name string) *progressPrinter {
	if total <= 0 {
		total = 1
	}
	return &progressPrinter{
		out:     os.Stdout,
		total:   total,
		name:    name,
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (p *progressPrinter) Start() {
	p.loopWG.Add(1)
	go p.loop()
}

// Record counts a finished application by its dynamic verdict.
func (p *progressPrinter) Record(result checker.CheckResult) {
	p.mu.Lock()
	switch dynamicStatusOf(result) {
	case "pinned":
		p.pinned++
	case "not_pinned":
		p.exposed++
	default:
		p.other++
	}
	p.current = ""
	p.phase = ""
	p.deadline = time.Time{}
	p.mu.Unlock()
	p.notify()
}

// Wait implements the orchestrator's waiter, showing the remaining collection time.
func (p *progressPrinter) Wait(ctx context.Context, d time.Duration) error {
	return p.countdown(ctx, d, "collecting")
}

// WaitSetup shows the pause before the application is stopped.
func (p *progressPrinter) WaitSetup(ctx context.Context, d time.Duration) error {
	return p.countdown(ctx, d, "setup")
}

func (p *progressPrinter) countdown(ctx context.Context, d time.Duration, phase string) error {
	p.mu.Lock()
	p.phase = phase
	p.deadline = time.Now().Add(d)
	p.mu.Unlock()
	p.notify()

	defer func() {
		p.mu.Lock()
		p.phase = ""
		p.deadline = time.Time{}
		p.mu.Unlock()
	}()

	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Begin marks the application currently under test.
func (p *progressPrinter) Begin(target string) {
	p.mu.Lock()
	p.current = target
	p.mu.Unlock()
	p.notify()
}

func (p *progressPrinter) notify() {
	select {
	case p.updates <- struct{}{}:
	default:
	}
}

func (p *progressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.loopWG.Wait()
	fmt.Fprintf(p.out, "\r%s\r", strings.Repeat(" ", 100))
	p.print()
	fmt.Fprintln(p.out)
}

func (p *progressPrinter) loop() {
	defer p.loopWG.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.updates:
			p.print()
		case <-ticker.C:
			p.print()
		case <-p.done:
			return
		}
	}
}

func (p *progressPrinter) print() {
	fmt.Fprintf(p.out, "\r%s", p.line(time.Now()))
}

func (p *progressPrinter) line(now time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	completed := p.pinned + p.exposed + p.other
	if completed > p.total {
		p.total = completed
	}
	line := fmt.Sprintf("[%s] Apps: %d/%d Pinned:%d NotPinned:%d Other:%d",
		p.name, completed, p.total, p.pinned, p.exposed, p.other)
	if p.current != "" {
		line += " | " + p.current
	}
	if !p.deadline.IsZero() {
		remaining := p.deadline.Sub(now).Truncate(time.Second)
		if remaining < 0 {
			remaining = 0
		}
		phase := p.phase
		if phase == "" {
			phase = "collecting"
		}
		line += fmt.Sprintf(" %s %s", phase, remaining)
	}
	return line
}

func dynamicStatusOf(result checker.CheckResult) string {
	if result.Pinning == nil {
		return result.Status
	}
	return result.Pinning.Record.DynamicStatus
}
