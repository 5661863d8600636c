package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	sharedErrors "github.com/khanhnv2901/seca-pin/internal/shared/errors"
)

// ADB drives an Android device over the adb client.
type ADB struct {
	path   string
	serial string
	runner Runner
}

func NewADB(path, serial string, runner Runner) *ADB {
	if path == "" {
		path = "adb"
	}
	return &ADB{path: path, serial: serial, runner: runner}
}

func (a *ADB) shell(ctx context.Context, args ...string) (Result, error) {
	full := make([]string, 0, len(args)+3)
	if a.serial != "" {
		full = append(full, "-s", a.serial)
	}
	full = append(full, "shell")
	full = append(full, args...)
	return a.runner.Run(ctx, a.path, full...)
}

// Installed lists packages filtered by id and looks for an exact match.
func (a *ADB) Installed(ctx context.Context, id string) (bool, error) {
	res, err := a.shell(ctx, "pm", "list", "packages", id)
	if err != nil {
		return false, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(res.Stdout))
	for scanner.Scan() {
		if strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "package:")) == id {
			return true, nil
		}
	}
	return false, nil
}

func (a *ADB) Start(ctx context.Context, id string) error {
	res, err := a.shell(ctx, "monkey", "-p", id, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return err
	}
	if bytes.Contains(res.Stdout, []byte("No activities found")) || bytes.Contains(res.Stdout, []byte("monkey aborted")) {
		return fmt.Errorf("%w: %s has no launcher activity", sharedErrors.ErrDevice, id)
	}
	return nil
}

func (a *ADB) Stop(ctx context.Context, id string) error {
	_, err := a.shell(ctx, "am", "force-stop", id)
	return err
}
