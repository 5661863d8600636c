package device

import (
	"context"
	"fmt"
	"strings"

	sharedErrors "github.com/khanhnv2901/seca-pin/internal/shared/errors"
	"github.com/khanhnv2901/seca-pin/internal/shared/security"
)

// Placeholder is replaced with the application identifier in script templates.
const Placeholder = "{id}"

// Scripts are shell command templates, e.g. `ssh device "open {id}"` for an iOS host.
// The installed script signals "not installed" by exiting non-zero.
type Scripts struct {
	Installed string `mapstructure:"installed" json:"installed"`
	Start     string `mapstructure:"start" json:"start"`
	Stop      string `mapstructure:"stop" json:"stop"`
}

// Scripted runs operator supplied commands for platforms without a built-in adapter.
type Scripted struct {
	shell   string
	scripts Scripts
	runner  Runner
}

func NewScripted(shell string, scripts Scripts, runner Runner) (*Scripted, error) {
	if scripts.Installed == "" || scripts.Start == "" || scripts.Stop == "" {
		return nil, fmt.Errorf("%w: scripted device needs installed, start and stop commands", sharedErrors.ErrMissingRequired)
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Scripted{shell: shell, scripts: scripts, runner: runner}, nil
}

func (s *Scripted) run(ctx context.Context, tmpl, id string) error {
	if err := security.ValidateIdentifier(id); err != nil {
		return fmt.Errorf("%w: %v", sharedErrors.ErrInvalidInput, err)
	}
	command := strings.ReplaceAll(tmpl, Placeholder, id)
	_, err := s.runner.Run(ctx, s.shell, "-c", command)
	return err
}

func (s *Scripted) Installed(ctx context.Context, id string) (bool, error) {
	err := s.run(ctx, s.scripts.Installed, id)
	switch {
	case err == nil:
		return true, nil
	case exitedNonZero(err):
		return false, nil
	default:
		return false, err
	}
}

func (s *Scripted) Start(ctx context.Context, id string) error {
	return s.run(ctx, s.scripts.Start, id)
}

func (s *Scripted) Stop(ctx context.Context, id string) error {
	return s.run(ctx, s.scripts.Stop, id)
}
