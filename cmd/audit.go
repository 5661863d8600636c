package cmd

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/khanhnv2901/seca-pin/internal/checker"
	consts "github.com/khanhnv2901/seca-pin/internal/shared/constants"
)

// HashAlgorithm names the digest used for integrity companion files.
type HashAlgorithm string

const (
	HashAlgorithmSHA256 HashAlgorithm = "sha256"
	HashAlgorithmSHA512 HashAlgorithm = "sha512"
)

func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sha256":
		return HashAlgorithmSHA256, nil
	case "sha512":
		return HashAlgorithmSHA512, nil
	}
	return "", fmt.Errorf("unsupported hash algorithm %q (must be sha256 or sha512)", s)
}

func (a HashAlgorithm) String() string { return string(a) }

func (a HashAlgorithm) DisplayName() string { return strings.ToUpper(string(a)) }

func (a HashAlgorithm) FileExtension() string { return "." + string(a) }

// SumCommand is the coreutils tool that verifies companion files.
func (a HashAlgorithm) SumCommand() string { return string(a) + "sum" }

func (a HashAlgorithm) newHash() hash.Hash {
	if a == HashAlgorithmSHA512 {
		return sha512.New()
	}
	return sha256.New()
}

// audit header fields:
var auditHeader = []string{
	"timestamp",
	"run_id",
	"operator",
	"command",
	"target",
	"status",
	"dynamic_status",
	"pinned_hosts",
	"completed_hosts",
	"report",
	"notes",
	"error",
	"duration_seconds",
}

// AppendAuditRow appends a single audit row to <resultsDir>/<runID>/audit.csv.
func AppendAuditRow(resultsDir, runID, operatorName, commandName string, result checker.CheckResult, durationSeconds float64) error {
	if _, err := ensureResultsDir(resultsDir, runID); err != nil {
		return fmt.Errorf("create results subdir failed: %w", err)
	}
	auditPath, err := resolveResultsPath(resultsDir, runID, "audit.csv")
	if err != nil {
		return err
	}

	exists := true
	if _, err := os.Stat(auditPath); errors.Is(err, os.ErrNotExist) {
		exists = false
	}

	f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, consts.DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("open audit file failed: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)

	// if new file, write header first
	if !exists {
		_ = writer.Write(auditHeader)
	}

	dynamicStatus, pinned, completed, report := "", 0, 0, false
	if result.Pinning != nil {
		rec := result.Pinning.Record
		dynamicStatus = rec.DynamicStatus
		pinned = len(rec.Pinned)
		completed = len(rec.Completed)
		report = rec.Report
	}

	row := []string{
		time.Now().UTC().Format(time.RFC3339),
		runID,
		operatorName,
		commandName,
		result.Target,
		result.Status,
		dynamicStatus,
		strconv.Itoa(pinned),
		strconv.Itoa(completed),
		strconv.FormatBool(report),
		result.Notes,
		result.Error,
		fmt.Sprintf("%.3f", durationSeconds),
	}

	_ = writer.Write(row)
	writer.Flush()

	return writer.Error()
}

// ensureAuditFile creates an audit file holding only the header, so a run whose every
// target was skipped still produces a hashable audit trail.
func ensureAuditFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, consts.DefaultFilePerm)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	_ = w.Write(auditHeader)
	w.Flush()
	return w.Error()
}

// HashFile computes the digest of path and writes a `<path>.<algo>` companion file
// in the format understood by sha256sum -c.
func HashFile(path string, algo HashAlgorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := algo.newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	sum := hex.EncodeToString(h.Sum(nil))
	hashPath := path + algo.FileExtension()
	content := fmt.Sprintf("%s  %s\n", sum, filepath.Base(path))
	if err := os.WriteFile(hashPath, []byte(content), consts.DefaultFilePerm); err != nil {
		return "", err
	}
	return sum, nil
}
