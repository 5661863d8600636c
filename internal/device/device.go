package device

import (
	"context"
	"fmt"
	"strings"

	sharedErrors "github.com/khanhnv2901/seca-pin/internal/shared/errors"
)

// Device controls applications on a test device.
type Device interface {
	Installed(ctx context.Context, id string) (bool, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
}

const (
	KindADB      = "adb"
	KindScripted = "scripted"
)

// Options selects and configures a device adapter.
type Options struct {
	Kind    string
	ADBPath string
	Serial  string
	Shell   string
	Scripts Scripts
	Runner  Runner
}

// New builds the adapter named by opts.Kind.
func New(opts Options) (Device, error) {
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	switch strings.ToLower(opts.Kind) {
	case "", KindADB:
		return NewADB(opts.ADBPath, opts.Serial, runner), nil
	case KindScripted:
		return NewScripted(opts.Shell, opts.Scripts, runner)
	default:
		return nil, fmt.Errorf("%w: unknown device type %q", sharedErrors.ErrInvalidInput, opts.Kind)
	}
}
