package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pinapp "github.com/khanhnv2901/seca-pin/internal/application/pinning"
	"github.com/khanhnv2901/seca-pin/internal/analysis"
	"github.com/khanhnv2901/seca-pin/internal/checker"
	"github.com/khanhnv2901/seca-pin/internal/device"
	domain "github.com/khanhnv2901/seca-pin/internal/domain/pinning"
	"github.com/khanhnv2901/seca-pin/internal/evidence"
	"github.com/khanhnv2901/seca-pin/internal/proxy"
	consts "github.com/khanhnv2901/seca-pin/internal/shared/constants"
	"github.com/khanhnv2901/seca-pin/internal/shared/security"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	jsonPrefix             = ""
	jsonIndent             = "  "
	pinningResultsFilename = "pinning_results.json"
)

type RunMetadata struct {
	Operator      string    `json:"operator" yaml:"operator"`
	RunID         string    `json:"run_id" yaml:"run_id"`
	StartAt       time.Time `json:"started_at" yaml:"started_at"`
	CompleteAt    time.Time `json:"completed_at" yaml:"completed_at"`
	AuditHash     string    `json:"audit_hash,omitempty" yaml:"audit_hash,omitempty"`
	HashAlgorithm string    `json:"hash_algorithm,omitempty" yaml:"hash_algorithm,omitempty"`
	TotalTargets  int       `json:"total_targets" yaml:"total_targets"`
	Interrupted   bool      `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
	ProxyAddr     string    `json:"proxy_addr,omitempty" yaml:"proxy_addr,omitempty"`
	Relay         bool      `json:"relay" yaml:"relay"`
	IgnoreURL     string    `json:"ignore_url,omitempty" yaml:"ignore_url,omitempty"`
	WaitTime      string    `json:"wait_time,omitempty" yaml:"wait_time,omitempty"`
	// Note: the results hash is stored in the companion file, not here
}

type RunOutput struct {
	Metadata RunMetadata           `json:"metadata" yaml:"metadata"`
	Results  []checker.CheckResult `json:"results" yaml:"results"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run authorized checks against installed applications",
}

var checkPinningCmd = &cobra.Command{
	Use:   "pinning [app-id...]",
	Short: "Check whether applications pin their TLS certificate chain",
	Long: `Observe each application through an intercepting proxy and report which hosts
it contacted but refused to talk to (pinned) and which it talked to through the proxy
(not pinned).

For every application the command will:
- stop the application on the device
- start the interception proxy (or the two-stage relay with --relay)
- start the application and collect traffic for --wait-time
- stop the application and the proxy, then compare attempted and completed hosts

The device must be configured to use the proxy and to trust the CA in --ca-dir.
Static evidence from --binary and --class-dump is reported alongside.`,
	RunE: runPinningCheck,
}

// checkParams holds common parameters for check commands
type checkParams struct {
	ID         string
	ROEConfirm bool
	StaticOnly bool
	Apps       []string
}

func runPinningCheck(cmd *cobra.Command, args []string) error {
	appCtx := getAppContext(cmd)
	runtimeCfg := appCtx.Config.Check
	pinCfg := appCtx.Config.Pinning

	hashAlgo, err := ParseHashAlgorithm(runtimeCfg.HashAlgorithm)
	if err != nil {
		return err
	}

	apps, _ := cmd.Flags().GetStringSlice("app")
	staticOnly, _ := cmd.Flags().GetBool("static-only")
	params := checkParams{
		ID:         cmd.Flag("id").Value.String(),
		ROEConfirm: cmd.Flag("roe-confirm").Value.String() == "true",
		StaticOnly: staticOnly,
		Apps:       dedupeTargets(append(apps, args...)),
	}
	if err := validateCheckParams(params, appCtx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			fmt.Printf("\n%s Received %s, finalizing partial results...\n", colorWarn("!"), sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	startAll := time.Now()
	if _, err := ensureResultsDir(appCtx.ResultsDir, params.ID); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}

	var progress *progressPrinter
	if runtimeCfg.ProgressEnabled {
		progress = newProgressPrinter(len(params.Apps), "check pinning")
	}

	zl := appCtx.Logger.Desugar()
	chk, err := buildPinningChecker(pinCfg, params.StaticOnly, progress, zl)
	if err != nil {
		return err
	}

	auditFn := func(target string, result checker.CheckResult, duration float64) error {
		if err := AppendAuditRow(appCtx.ResultsDir, params.ID, appCtx.Operator, chk.Name(), result, duration); err != nil {
			appCtx.Logger.Warnw("audit append failed", "target", target, "error", err)
			return err
		}
		return nil
	}

	var runChecker checker.Checker = chk
	if progress != nil {
		progress.Start()
		runChecker = &trackedChecker{PinningChecker: chk, progress: progress}
	}

	runner := &checker.Runner{
		Concurrency: 1,
		RateLimit:   runtimeCfg.RateLimit,
		Timeout:     time.Duration(runtimeCfg.TimeoutSecs) * time.Second,
	}
	results := runner.RunChecks(ctx, params.Apps, runChecker, auditFn)

	if progress != nil {
		progress.Stop()
	}

	interrupted := ctx.Err() != nil
	if interrupted {
		fmt.Printf("\n%s Run cancelled. Writing partial results...\n", colorWarn("!"))
	}

	metadata := RunMetadata{
		Operator:      appCtx.Operator,
		RunID:         params.ID,
		StartAt:       startAll,
		HashAlgorithm: hashAlgo.String(),
		Interrupted:   interrupted,
		Relay:         pinCfg.Relay,
		IgnoreURL:     analysis.ParseIgnoreList(pinCfg.IgnoreURL).String(),
	}
	if !params.StaticOnly {
		metadata.ProxyAddr = domain.Descriptor{ProxyHost: pinCfg.ProxyHost, ProxyPort: pinCfg.ProxyPort}.Addr()
		metadata.WaitTime = pinCfg.WaitTime.String()
	}

	resultsPath, auditPath, auditHash, resultsHash, err := writeResultsAndHash(
		appCtx, params.ID, pinningResultsFilename, metadata, results, hashAlgo,
	)
	if err != nil {
		return err
	}

	printPinningSummary(results, resultsPath, auditPath, auditHash, resultsHash, hashAlgo)
	fmt.Printf("%s %s\n", colorInfo("Verify:"), makeVerificationCommand(pinningResultsFilename)(hashAlgo))

	if runtimeCfg.TelemetryEnabled {
		if err := recordTelemetry(appCtx, params.ID, chk.Name(), results, time.Since(startAll)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to record telemetry: %v\n", err)
		}
	}

	return nil
}

// buildPinningChecker wires the static collector and, unless staticOnly, the device,
// CA, forwarder and orchestrator for the dynamic half.
func buildPinningChecker(cfg PinningConfig, staticOnly bool, progress *progressPrinter, zl *zap.Logger) (*checker.PinningChecker, error) {
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = evidence.DefaultPatterns
	}
	collector, err := evidence.NewCollector(patterns, evidence.WithCollectorLogger(zl))
	if err != nil {
		return nil, err
	}

	chk := &checker.PinningChecker{
		Collector: collector,
		Binary:    cfg.Binary,
		ClassDump: cfg.ClassDump,
		Logger:    zl,
		Template: domain.Descriptor{
			ProxyHost:  cfg.ProxyHost,
			ProxyPort:  cfg.ProxyPort,
			WaitTime:   cfg.WaitTime,
			Relay:      cfg.Relay,
			IgnoreURL:  analysis.ParseIgnoreList(cfg.IgnoreURL),
			SetupDelay: cfg.SetupDelay,
		},
	}
	if staticOnly {
		return chk, nil
	}

	dev, err := device.New(device.Options{
		Kind:    cfg.Device.Type,
		ADBPath: cfg.Device.ADBPath,
		Serial:  cfg.Device.Serial,
		Shell:   cfg.Device.Shell,
		Scripts: cfg.Device.Scripts,
	})
	if err != nil {
		return nil, err
	}

	caDir := cfg.CADir
	if caDir == "" {
		if caDir, err = getCADir(); err != nil {
			return nil, err
		}
	}
	authority, err := proxy.LoadAuthority(caDir)
	if err != nil {
		return nil, &AuthorityMissingError{Dir: caDir, Err: err}
	}

	launcher := pinapp.ProxyLauncher{
		Authority: authority,
		Forwarder: proxy.NewOriginForwarder(proxy.ForwarderOptions{
			Timeout:          consts.DefaultForwardTimeout,
			RatePerSecond:    cfg.ForwardRate,
			InsecureUpstream: cfg.InsecureUpstream,
		}),
		UpstreamAddr:     cfg.UpstreamAddr,
		ReinjectAddr:     cfg.ReinjectAddr,
		GracePeriod:      cfg.GracePeriod,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           zl,
	}

	opts := []pinapp.Option{pinapp.WithLogger(zl), pinapp.WithCADir(caDir)}
	if progress != nil {
		opts = append(opts, pinapp.WithWaiter(progress), pinapp.WithSetupWaiter(pinapp.WaiterFunc(progress.WaitSetup)))
	}
	chk.Sessions = pinapp.NewOrchestrator(dev, launcher, opts...)
	return chk, nil
}

// trackedChecker reports the application under test to the progress line.
type trackedChecker struct {
	*checker.PinningChecker
	progress *progressPrinter
}

func (t *trackedChecker) Check(ctx context.Context, target string) checker.CheckResult {
	t.progress.Begin(target)
	result := t.PinningChecker.Check(ctx, target)
	t.progress.Record(result)
	return result
}

func makeVerificationCommand(resultsFilename string) func(HashAlgorithm) string {
	return func(algo HashAlgorithm) string {
		sumCmd := algo.SumCommand()
		ext := algo.FileExtension()
		return fmt.Sprintf("%s -c audit.csv%s && %s -c %s%s", sumCmd, ext, sumCmd, resultsFilename, ext)
	}
}

func printPinningSummary(results []checker.CheckResult, resultsPath, auditPath, auditHash, resultsHash string, hashAlgo HashAlgorithm) {
	fmt.Println(colorSuccess("Pinning check complete."))
	for _, r := range results {
		line := fmt.Sprintf("  %s: %s", r.Target, formatStatusWithColor(r.Status))
		if r.Pinning != nil {
			rec := r.Pinning.Record
			line += fmt.Sprintf(" dynamic=%s pinned=%d completed=%d",
				formatVerdictWithColor(rec.DynamicStatus), len(rec.Pinned), len(rec.Completed))
			if rec.Static.Found() {
				line += " " + colorWarn("static-evidence")
			}
		}
		if r.Error != "" {
			line += " " + colorError(r.Error)
		}
		fmt.Println(line)
	}
	fmt.Printf("%s %s\n", colorInfo("Results:"), resultsPath)
	fmt.Printf("%s %s\n", colorInfo("Audit:"), auditPath)
	fmt.Printf("%s audit: %s\n%s results: %s\n", hashAlgo.DisplayName(), auditHash, hashAlgo.DisplayName(), resultsHash)
}

// validateCheckParams validates common check command parameters
func validateCheckParams(params checkParams, appCtx *AppContext) error {
	if params.ID == "" {
		return fmt.Errorf("--id is required")
	}
	if err := validateRunID(params.ID); err != nil {
		return err
	}
	if !params.ROEConfirm {
		return fmt.Errorf("this action requires --roe-confirm to proceed (ensures explicit written authorization)")
	}
	if appCtx.Operator == "" {
		return fmt.Errorf("--operator is required")
	}
	if len(params.Apps) == 0 {
		return fmt.Errorf("at least one application identifier is required (--app or argument)")
	}
	var errs []error
	for _, app := range params.Apps {
		if err := security.ValidateIdentifier(app); err != nil {
			errs = append(errs, fmt.Errorf("application %q: %w", app, err))
		}
	}
	return errors.Join(errs...)
}

func dedupeTargets(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// writeResultsAndHash writes results to JSON file, computes hashes, and returns paths and hashes
func writeResultsAndHash(appCtx *AppContext, id string, resultsFilename string, metadata RunMetadata, results []checker.CheckResult, hashAlgo HashAlgorithm) (resultsPath, auditPath, auditHash, resultsHash string, err error) {
	if _, err := ensureResultsDir(appCtx.ResultsDir, id); err != nil {
		return "", "", "", "", fmt.Errorf("failed to create results directory: %w", err)
	}

	// Write results JSON (first pass without audit hash)
	resultsPath, err = resolveResultsPath(appCtx.ResultsDir, id, resultsFilename)
	if err != nil {
		return "", "", "", "", fmt.Errorf("resolve results path: %w", err)
	}
	out := RunOutput{
		Metadata: metadata,
		Results:  results,
	}
	out.Metadata.CompleteAt = time.Now().UTC()
	out.Metadata.TotalTargets = len(results)

	b, err := json.MarshalIndent(out, jsonPrefix, jsonIndent)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(resultsPath, b, consts.DefaultFilePerm); err != nil {
		return "", "", "", "", fmt.Errorf("failed to write results: %w", err)
	}

	auditPath, err = resolveResultsPath(appCtx.ResultsDir, id, "audit.csv")
	if err != nil {
		return "", "", "", "", fmt.Errorf("resolve audit path: %w", err)
	}
	if err := ensureAuditFile(auditPath); err != nil {
		return "", "", "", "", fmt.Errorf("failed to initialize audit file: %w", err)
	}
	auditHash, err = HashFile(auditPath, hashAlgo)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to hash audit file: %w", err)
	}

	// Update metadata with audit hash and write final results JSON
	out.Metadata.AuditHash = auditHash
	b, err = json.MarshalIndent(out, jsonPrefix, jsonIndent)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal final results: %w", err)
	}
	if err := os.WriteFile(resultsPath, b, consts.DefaultFilePerm); err != nil {
		return "", "", "", "", fmt.Errorf("failed to write final results: %w", err)
	}

	// Hash results AFTER final write
	resultsHash, err = HashFile(resultsPath, hashAlgo)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to hash results file: %w", err)
	}

	return resultsPath, auditPath, auditHash, resultsHash, nil
}

func init() {
	pc := &cliConfig.Pinning

	// Global check flags (apply to all subcommands)
	checkCmd.PersistentFlags().IntVarP(&cliConfig.Check.RateLimit, "rate", "r", cliConfig.Check.RateLimit, "applications started per second (0 = unlimited)")
	checkCmd.PersistentFlags().IntVarP(&cliConfig.Check.TimeoutSecs, "timeout", "t", cliConfig.Check.TimeoutSecs, "per-application timeout in seconds (0 = none)")
	checkCmd.PersistentFlags().BoolVar(&cliConfig.Check.TelemetryEnabled, "telemetry", cliConfig.Check.TelemetryEnabled, "Record telemetry metrics (durations, verdict counts)")
	checkCmd.PersistentFlags().BoolVar(&cliConfig.Check.ProgressEnabled, "progress", cliConfig.Check.ProgressEnabled, "Display live progress and the collection countdown")
	checkCmd.PersistentFlags().StringVar(&cliConfig.Check.HashAlgorithm, "hash", cliConfig.Check.HashAlgorithm, "Hash algorithm for integrity verification (sha256|sha512)")

	f := checkPinningCmd.Flags()
	f.String("id", "", "Run id (results are written under <results_dir>/<id>)")
	f.Bool("roe-confirm", false, "Confirm you have explicit written authorization (required)")
	f.StringSlice("app", nil, "Application identifier(s) to check (repeatable)")
	f.Bool("static-only", false, "Skip the device session and report static evidence only")

	f.StringVar(&pc.ProxyHost, "proxy-host", pc.ProxyHost, "Address the proxy (or relay edge) binds to")
	f.IntVar(&pc.ProxyPort, "proxy-port", pc.ProxyPort, "Port the proxy (or relay edge) binds to")
	f.DurationVar(&pc.WaitTime, "wait-time", pc.WaitTime, "How long the application runs while traffic is collected")
	f.DurationVar(&pc.SetupDelay, "setup-delay", pc.SetupDelay, "Pause before stopping the application, to configure the device proxy")
	f.BoolVar(&pc.Relay, "relay", pc.Relay, "Use the two-stage relay chain instead of a single proxy")
	f.StringVar(&pc.IgnoreURL, "ignore-url", pc.IgnoreURL, "';'-separated host patterns excluded from the pinned list")
	f.StringVar(&pc.UpstreamAddr, "upstream-addr", pc.UpstreamAddr, "Relay upstream stage address")
	f.StringVar(&pc.ReinjectAddr, "reinject-addr", pc.ReinjectAddr, "Relay re-injection channel address")
	f.DurationVar(&pc.GracePeriod, "grace-period", pc.GracePeriod, "How long a stopping proxy waits for in-flight connections")
	f.DurationVar(&pc.HandshakeTimeout, "handshake-timeout", pc.HandshakeTimeout, "Client TLS handshake timeout")
	f.Float64Var(&pc.ForwardRate, "forward-rate", pc.ForwardRate, "Requests per second forwarded to origins (0 = unlimited)")
	f.BoolVar(&pc.InsecureUpstream, "insecure-upstream", pc.InsecureUpstream, "Do not verify origin certificates (lab use only)")
	f.StringVar(&pc.CADir, "ca-dir", pc.CADir, "Directory holding ca.crt and ca.key (default <data dir>/certs)")
	f.StringVar(&pc.Binary, "binary", pc.Binary, "Decrypted application binary to search for pinning strings")
	f.StringVar(&pc.ClassDump, "class-dump", pc.ClassDump, "Class-dump directory to search for pinning strings")
	f.StringSliceVar(&pc.Patterns, "pattern", pc.Patterns, "Static search pattern (repeatable, default built-in set)")

	f.StringVar(&pc.Device.Type, "device-type", pc.Device.Type, "Device adapter (adb|scripted)")
	f.StringVar(&pc.Device.ADBPath, "adb-path", pc.Device.ADBPath, "Path to the adb executable")
	f.StringVar(&pc.Device.Serial, "device", pc.Device.Serial, "Device serial for adb -s")
	f.StringVar(&pc.Device.Shell, "device-shell", pc.Device.Shell, "Shell used by the scripted adapter")

	checkCmd.AddCommand(checkPinningCmd)
}
