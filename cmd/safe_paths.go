package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	consts "github.com/khanhnv2901/seca-pin/internal/shared/constants"
	"github.com/khanhnv2901/seca-pin/internal/shared/security"
)

// validateRunID ensures run identifiers can't be used for path traversal or command
// injection. IDs become directory names and CLI arguments, so reject separators.
func validateRunID(id string) error {
	switch id {
	case "":
		return errors.New("run ID is required")
	case ".", "..":
		return fmt.Errorf("run ID %q is reserved", id)
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("run ID %q must not contain path separators", id)
	}
	if strings.HasPrefix(id, "-") {
		return fmt.Errorf("run ID %q must not start with '-'", id)
	}
	return nil
}

func resolveResultsPath(resultsDir, runID string, parts ...string) (string, error) {
	if err := validateRunID(runID); err != nil {
		return "", err
	}
	pathParts := append([]string{runID}, parts...)
	return security.ResolveWithin(resultsDir, pathParts...)
}

func ensureResultsDir(resultsDir, runID string) (string, error) {
	path, err := resolveResultsPath(resultsDir, runID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, consts.DefaultDirPerm); err != nil {
		return "", fmt.Errorf("create results directory: %w", err)
	}
	return path, nil
}
