package evidence

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	ac "github.com/anknown/ahocorasick"
	sharedErrors "github.com/khanhnv2901/seca-pin/internal/shared/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultPatterns are API names that indicate custom certificate validation.
var DefaultPatterns = []string{
	"setAllowInvalidCertificates",
	"allowsInvalidSSLCertificate",
	"validatesDomainName",
	"SSLPinningMode",
}

const (
	defaultMinStringLen = 4
	maxLineLen          = 1 << 20
)

// Match is one hit in a class-dump file.
type Match struct {
	File    string `json:"file" yaml:"file"`
	Line    int    `json:"line" yaml:"line"`
	Pattern string `json:"pattern" yaml:"pattern"`
	Text    string `json:"text" yaml:"text"`
}

func (m Match) String() string {
	return fmt.Sprintf("%s:%d: %s", m.File, m.Line, m.Text)
}

// StaticResult is the static half of a pinning check.
type StaticResult struct {
	// Strings are the distinct patterns found among the binary's printable strings.
	Strings   []string `json:"strings" yaml:"strings"`
	ClassDump []Match  `json:"class_dump" yaml:"class_dump"`
}

// Found reports whether any static evidence exists.
func (r StaticResult) Found() bool {
	return len(r.Strings) > 0 || len(r.ClassDump) > 0
}

// Collector searches a decrypted binary and a class-dump tree for literal patterns.
type Collector struct {
	keywords [][]rune
	minLen   int
	workers  int
	logger   *zap.Logger
	machines sync.Pool
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

func WithWorkers(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithMinStringLen(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.minLen = n
		}
	}
}

func WithCollectorLogger(l *zap.Logger) CollectorOption {
	return func(c *Collector) { c.logger = l }
}

// NewCollector builds a collector for patterns.
func NewCollector(patterns []string, opts ...CollectorOption) (*Collector, error) {
	c := &Collector{
		minLen:  defaultMinStringLen,
		workers: runtime.NumCPU(),
		logger:  zap.NewNop(),
	}
	seen := make(map[string]struct{})
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		c.keywords = append(c.keywords, []rune(p))
	}
	if len(c.keywords) == 0 {
		return nil, sharedErrors.ErrNoPatterns
	}
	sort.Slice(c.keywords, func(i, j int) bool {
		return string(c.keywords[i]) < string(c.keywords[j])
	})
	for _, opt := range opts {
		opt(c)
	}

	// validate once so pooled builds cannot fail later
	if _, err := c.buildMachine(); err != nil {
		return nil, err
	}
	c.machines.New = func() any {
		m, _ := c.buildMachine()
		return m
	}
	return c, nil
}

func (c *Collector) buildMachine() (*ac.Machine, error) {
	m := new(ac.Machine)
	if err := m.Build(c.keywords); err != nil {
		return nil, fmt.Errorf("build pattern matcher: %w", err)
	}
	return m, nil
}

// search returns the distinct patterns found in text.
func (c *Collector) search(text string) []string {
	m := c.machines.Get().(*ac.Machine)
	defer c.machines.Put(m)

	terms := m.MultiPatternSearch([]rune(text), false)
	if len(terms) == 0 {
		return nil
	}
	found := make([]string, 0, len(terms))
	for _, term := range terms {
		found = append(found, string(term.Word))
	}
	return found
}

// Collect scans binaryPath and every regular file under classDumpDir. Either input
// may be empty.
func (c *Collector) Collect(ctx context.Context, binaryPath, classDumpDir string) (StaticResult, error) {
	var (
		mu      sync.Mutex
		strs    = make(map[string]struct{})
		matches []Match
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	if binaryPath != "" {
		g.Go(func() error {
			found, err := c.scanBinary(gctx, binaryPath)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, s := range found {
				strs[s] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}

	if classDumpDir != "" {
		walkErr := filepath.WalkDir(classDumpDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, relErr := filepath.Rel(classDumpDir, path)
			if relErr != nil {
				rel = path
			}
			g.Go(func() error {
				found, err := c.scanFile(gctx, path, filepath.ToSlash(rel))
				if err != nil {
					return err
				}
				mu.Lock()
				matches = append(matches, found...)
				mu.Unlock()
				return nil
			})
			return nil
		})
		if walkErr != nil {
			_ = g.Wait()
			return StaticResult{}, fmt.Errorf("walk class dump: %w", walkErr)
		}
	}

	if err := g.Wait(); err != nil {
		return StaticResult{}, err
	}

	result := StaticResult{Strings: make([]string, 0, len(strs)), ClassDump: matches}
	for s := range strs {
		result.Strings = append(result.Strings, s)
	}
	sort.Strings(result.Strings)
	sort.Slice(result.ClassDump, func(i, j int) bool {
		a, b := result.ClassDump[i], result.ClassDump[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Pattern < b.Pattern
	})
	if result.ClassDump == nil {
		result.ClassDump = []Match{}
	}

	c.logger.Debug("static evidence collected",
		zap.Int("strings", len(result.Strings)),
		zap.Int("class_dump", len(result.ClassDump)))
	return result, nil
}

// scanBinary extracts printable runs like strings(1) and searches each one.
func (c *Collector) scanBinary(ctx context.Context, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open binary: %w", err)
	}
	defer f.Close()

	var found []string
	var run []byte
	flush := func() {
		if len(run) >= c.minLen {
			found = append(found, c.search(string(run))...)
		}
		run = run[:0]
	}

	r := bufio.NewReaderSize(f, 64*1024)
	for n := 0; ; n++ {
		if n%(1<<20) == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read binary: %w", err)
		}
		if isPrintable(b) {
			run = append(run, b)
			continue
		}
		flush()
	}
	flush()
	return found, nil
}

func isPrintable(b byte) bool {
	return b == '\t' || (b >= 0x20 && b <= 0x7e)
}

func (c *Collector) scanFile(ctx context.Context, path, rel string) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	var matches []Match
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLen)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Text()
		seen := make(map[string]struct{})
		for _, p := range c.search(text) {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			matches = append(matches, Match{File: rel, Line: line, Pattern: p, Text: strings.TrimSpace(text)})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", rel, err)
	}
	return matches, nil
}
