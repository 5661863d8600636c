package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/khanhnv2901/seca-pin/internal/api"
	consts "github.com/khanhnv2901/seca-pin/internal/shared/constants"
	"github.com/khanhnv2901/seca-pin/internal/shared/security"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const jobTypePinning = "pinning"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run seca-pin as a REST API service",
	Long: `Expose pinning results, telemetry and jobs over HTTP.

Jobs re-run this binary as "check pinning" so the API and the CLI produce identical
artifacts. Only one pinning job runs at a time because every run binds the same
proxy port.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appCtx := getAppContext(cmd)
		addr, _ := cmd.Flags().GetString("addr")
		authToken, _ := cmd.Flags().GetString("auth-token")
		telemetryLimit, _ := cmd.Flags().GetInt("telemetry-limit")
		shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
		jobTimeout, _ := cmd.Flags().GetDuration("job-timeout")
		corsOrigins, _ := cmd.Flags().GetStringSlice("cors-origins")
		rateLimit, _ := cmd.Flags().GetInt("rate-limit")
		rateBurst, _ := cmd.Flags().GetInt("rate-burst")

		zl, err := newLogger(debug)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer func() {
			if err := zl.Sync(); err != nil && !errors.Is(err, syscall.ENOTTY) && !errors.Is(err, syscall.EINVAL) {
				fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
			}
		}()

		runner, err := newCliCheckRunner(appCtx.Operator, cfgFile)
		if err != nil {
			return err
		}
		jobs := newJobAPIService(api.NewJobManager(), runner, jobTimeout, zl)

		server := api.NewServer(api.Config{
			Results:        &resultsAPIService{appCtx: appCtx},
			Telemetry:      &telemetryAPIService{appCtx: appCtx},
			Health:         &healthAPIService{appCtx: appCtx},
			Jobs:           jobs,
			AuthToken:      authToken,
			TelemetryLimit: telemetryLimit,
			Logger:         zl,
			CORSOrigins:    corsOrigins,
			RateLimit:      rateLimit,
			RateBurst:      rateBurst,
		})

		// No WriteTimeout: the job stream is long-lived and sets its own write deadlines.
		httpServer := &http.Server{
			Addr:              addr,
			Handler:           server,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			fmt.Printf("%s API server listening on %s (results dir: %s)\n", colorInfo("→"), addr, appCtx.ResultsDir)
			if authToken == "" {
				fmt.Printf("%s no --auth-token set; every route is open\n", colorWarn("!"))
			}
			fmt.Printf("%s Press Ctrl+C to gracefully shutdown\n", colorInfo("→"))
			serverErrors <- httpServer.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(shutdown)

		select {
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
		case sig := <-shutdown:
			fmt.Printf("\n%s Received signal %v, initiating graceful shutdown...\n", colorInfo("→"), sig)

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			// Running jobs are cancelled first so their children restore device proxy settings.
			jobs.Cancel()
			if err := httpServer.Shutdown(ctx); err != nil {
				if closeErr := httpServer.Close(); closeErr != nil {
					return fmt.Errorf("failed to gracefully shutdown server: %w (close error: %v)", err, closeErr)
				}
				return fmt.Errorf("failed to gracefully shutdown server: %w", err)
			}
			jobs.Wait(ctx)

			fmt.Printf("%s Server shutdown complete\n", colorInfo("✓"))
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:8088", "Address for the API server (8080 is taken by the relay upstream stage)")
	serveCmd.Flags().String("auth-token", "", "Shared secret for API requests (X-Auth-Token header or token query)")
	serveCmd.Flags().Int("telemetry-limit", 10, "Default telemetry entries to return")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	serveCmd.Flags().Duration("job-timeout", 30*time.Minute, "Upper bound for one pinning job")
	serveCmd.Flags().StringSlice("cors-origins", []string{}, "Allowed CORS origins (empty = allow all)")
	serveCmd.Flags().Int("rate-limit", 10, "Rate limit per IP (requests/second, 0 = disabled)")
	serveCmd.Flags().Int("rate-burst", 20, "Rate limit burst size")
}

type resultsAPIService struct {
	appCtx *AppContext
}

func (s *resultsAPIService) GetResults(ctx context.Context, id string) ([]byte, error) {
	path, err := resolveResultsPath(s.appCtx.ResultsDir, id, pinningResultsFilename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &RunNotFoundError{ID: id}
	}
	return data, err
}

type telemetryAPIService struct {
	appCtx *AppContext
}

func (s *telemetryAPIService) GetTelemetry(ctx context.Context, id string, limit int) ([]api.TelemetryRecord, error) {
	if err := validateRunID(id); err != nil {
		return nil, err
	}
	records, err := loadTelemetryHistory(s.appCtx.ResultsDir, id, limit)
	if err != nil {
		return nil, err
	}
	resp := make([]api.TelemetryRecord, 0, len(records))
	for _, rec := range records {
		resp = append(resp, api.TelemetryRecord{
			Timestamp:           rec.Timestamp,
			Command:             rec.Command,
			RunID:               rec.RunID,
			TargetCount:         rec.TargetCount,
			SuccessCount:        rec.SuccessCount,
			ErrorCount:          rec.ErrorCount,
			PinnedCount:         rec.PinnedCount,
			NotPinnedCount:      rec.NotPinnedCount,
			InconclusiveCount:   rec.InconclusiveCount,
			SuccessRate:         rec.SuccessRate,
			DurationSeconds:     rec.DurationSeconds,
			AvgDurationPerCheck: rec.AvgDurationPerCheck,
		})
	}
	return resp, nil
}

type healthAPIService struct {
	appCtx *AppContext
}

// Check reports whether results can still be written.
func (s *healthAPIService) Check(ctx context.Context) error {
	if s.appCtx.ResultsDir == "" {
		return fmt.Errorf("results directory not configured")
	}
	f, err := os.CreateTemp(s.appCtx.ResultsDir, ".health-*")
	if err != nil {
		return fmt.Errorf("results directory not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Ready additionally requires the interception CA, without which no dynamic run can start.
func (s *healthAPIService) Ready(ctx context.Context) error {
	if err := s.Check(ctx); err != nil {
		return err
	}
	caDir := ""
	if s.appCtx.Config != nil {
		caDir = s.appCtx.Config.Pinning.CADir
	}
	if caDir == "" {
		dir, err := getCADir()
		if err != nil {
			return err
		}
		caDir = dir
	}
	for _, name := range []string{consts.CACertFile, consts.CAKeyFile} {
		if _, err := os.Stat(filepath.Join(caDir, name)); err != nil {
			return &AuthorityMissingError{Dir: caDir, Err: err}
		}
	}
	return nil
}

// jobRunner executes one pinning run to completion.
type jobRunner interface {
	RunPinning(ctx context.Context, req api.JobRequest) error
}

type jobAPIService struct {
	manager *api.JobManager
	runner  jobRunner
	timeout time.Duration
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newJobAPIService(manager *api.JobManager, runner jobRunner, timeout time.Duration, logger *zap.Logger) *jobAPIService {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &jobAPIService{
		manager: manager,
		runner:  runner,
		timeout: timeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *jobAPIService) StartJob(ctx context.Context, req api.JobRequest) (*api.Job, error) {
	jobType := strings.ToLower(strings.TrimSpace(req.Type))
	if jobType == "" {
		jobType = jobTypePinning
	}
	if jobType != jobTypePinning {
		return nil, fmt.Errorf("unsupported job type %s", req.Type)
	}
	if !req.ROEConfirm {
		return nil, fmt.Errorf("roe_confirm must be true")
	}
	if err := validateRunID(req.RunID); err != nil {
		return nil, fmt.Errorf("invalid run_id: %w", err)
	}
	req.Apps = dedupeTargets(req.Apps)
	if len(req.Apps) == 0 {
		return nil, fmt.Errorf("apps required")
	}
	for _, app := range req.Apps {
		if err := security.ValidateIdentifier(app); err != nil {
			return nil, fmt.Errorf("application %q: %w", app, err)
		}
	}
	if req.WaitTime != "" {
		if _, err := time.ParseDuration(req.WaitTime); err != nil {
			return nil, fmt.Errorf("invalid wait_time: %w", err)
		}
	}

	job, err := s.manager.CreateExclusiveJob(jobType, req.RunID, req.Apps)
	if err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go s.execute(job, req)
	return job, nil
}

func (s *jobAPIService) execute(job *api.Job, req api.JobRequest) {
	defer s.wg.Done()
	now := time.Now().UTC()
	s.manager.UpdateJob(job.ID, func(j *api.Job) {
		j.Status = api.JobRunning
		j.StartedAt = &now
	})

	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	err := s.runner.RunPinning(ctx, req)
	finished := time.Now().UTC()
	if err != nil {
		s.logger.Warn("pinning job failed", zap.String("job_id", job.ID), zap.String("run_id", req.RunID), zap.Error(err))
		s.manager.UpdateJob(job.ID, func(j *api.Job) {
			j.Status = api.JobError
			j.Error = err.Error()
			j.FinishedAt = &finished
		})
		return
	}
	s.logger.Info("pinning job finished", zap.String("job_id", job.ID), zap.String("run_id", req.RunID))
	s.manager.UpdateJob(job.ID, func(j *api.Job) {
		j.Status = api.JobDone
		j.FinishedAt = &finished
	})
}

// Cancel stops every running job.
func (s *jobAPIService) Cancel() { s.cancel() }

// Wait blocks until running jobs return or ctx expires.
func (s *jobAPIService) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *jobAPIService) GetJob(ctx context.Context, id string) (*api.Job, error) {
	job := s.manager.GetJob(id)
	if job == nil {
		return nil, fmt.Errorf("job not found")
	}
	return job, nil
}

func (s *jobAPIService) ListJobs(ctx context.Context, limit int) ([]api.Job, error) {
	return s.manager.ListJobs(limit), nil
}

func (s *jobAPIService) Subscribe() (chan api.Job, func()) {
	return s.manager.Subscribe()
}

type cliCheckRunner struct {
	executable string
	operator   string
	configFile string
	stdout     io.Writer
	stderr     io.Writer
}

func newCliCheckRunner(operatorName, configFile string) (*cliCheckRunner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return &cliCheckRunner{
		executable: exe,
		operator:   operatorName,
		configFile: configFile,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
	}, nil
}

// pinningArgs builds the child command line. Every value has been validated by StartJob.
func (r *cliCheckRunner) pinningArgs(req api.JobRequest) []string {
	args := []string{"check", "pinning", "--id", req.RunID, "--roe-confirm", "--progress=false"}
	if r.operator != "" {
		args = append(args, "--operator", r.operator)
	}
	if r.configFile != "" {
		args = append(args, "--config", r.configFile)
	}
	if req.Relay {
		args = append(args, "--relay")
	}
	if req.StaticOnly {
		args = append(args, "--static-only")
	}
	if req.WaitTime != "" {
		args = append(args, "--wait-time", req.WaitTime)
	}
	for _, app := range req.Apps {
		args = append(args, "--app", app)
	}
	return args
}

func (r *cliCheckRunner) RunPinning(ctx context.Context, req api.JobRequest) error {
	if err := validateRunID(req.RunID); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, r.executable, r.pinningArgs(req)...) // #nosec G204 -- executable is this binary and arguments are validated.
	// SIGINT lets the child run its cleanup path (device proxy restore) before exit.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 30 * time.Second

	const maxBufferSize = 1 * 1024 * 1024
	stderrBuf := &limitedBuffer{max: maxBufferSize}
	cmd.Stdout = r.stdout
	cmd.Stderr = io.MultiWriter(r.stderr, stderrBuf)

	if err := cmd.Run(); err != nil {
		if tail := lastLine(stderrBuf.String()); tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
		return err
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// limitedBuffer keeps only the last max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (lb *limitedBuffer) Write(p []byte) (n int, err error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(p) >= lb.max {
		lb.buf.Reset()
		lb.buf.Write(p[len(p)-lb.max:])
		return len(p), nil
	}
	if lb.buf.Len()+len(p) > lb.max {
		keep := lb.max - len(p)
		data := lb.buf.Bytes()
		tail := append([]byte(nil), data[len(data)-keep:]...)
		lb.buf.Reset()
		lb.buf.Write(tail)
	}
	return lb.buf.Write(p)
}

func (lb *limitedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}
