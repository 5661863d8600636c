package cmd

import (
	"testing"
	"time"

	"github.com/khanhnv2901/seca-pin/internal/device"
	consts "github.com/khanhnv2901/seca-pin/internal/shared/constants"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func TestApplyIntDefault(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("timeout", 0, "")

	var applied int
	applyIntDefault(flags, "timeout", 15, func(v int) {
		applied = v
	})
	if applied != 15 {
		t.Fatalf("expected setter to receive 15, got %d", applied)
	}

	// When flag already set, setter should not run.
	if err := flags.Set("timeout", "7"); err != nil {
		t.Fatalf("failed to set flag: %v", err)
	}
	applied = 0
	applyIntDefault(flags, "timeout", 20, func(v int) {
		applied = v
	})
	if applied != 0 {
		t.Fatalf("setter should not run when flag overridden, got %d", applied)
	}
}

func TestApplyBoolDefault(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Bool("telemetry", false, "")

	applied := false
	applyBoolDefault(flags, "telemetry", true, func(v bool) {
		applied = v
	})
	if !applied {
		t.Fatal("expected setter to run with true")
	}

	if err := flags.Set("telemetry", "false"); err != nil {
		t.Fatalf("failed to set bool flag: %v", err)
	}
	applied = true
	applyBoolDefault(flags, "telemetry", false, func(v bool) {
		applied = v
	})
	if !applied {
		t.Fatalf("setter should not change value when flag already set")
	}
}

func TestApplyDurationDefault(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Duration("wait-time", time.Second, "")

	var got time.Duration
	applyDurationDefault(flags, "wait-time", 45*time.Second, func(v time.Duration) { got = v })
	if got != 45*time.Second {
		t.Fatalf("expected 45s, got %s", got)
	}

	if err := flags.Set("wait-time", "5s"); err != nil {
		t.Fatalf("failed to set flag: %v", err)
	}
	got = 0
	applyDurationDefault(flags, "wait-time", time.Minute, func(v time.Duration) { got = v })
	if got != 0 {
		t.Fatalf("setter should not run when flag overridden, got %s", got)
	}

	// Unknown flags behave as unset.
	applyDurationDefault(flags, "missing", time.Minute, func(v time.Duration) { got = v })
	if got != time.Minute {
		t.Fatalf("expected setter for unknown flag, got %s", got)
	}
}

func TestSetStringFlagIfUnset(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("operator", "", "")

	setStringFlagIfUnset(flags, "operator", "default-operator")
	if got := flags.Lookup("operator").Value.String(); got != "default-operator" {
		t.Fatalf("expected operator to be default, got %s", got)
	}

	if err := flags.Set("operator", "user-provided"); err != nil {
		t.Fatalf("failed to set operator: %v", err)
	}
	setStringFlagIfUnset(flags, "operator", "new-default")
	if got := flags.Lookup("operator").Value.String(); got != "user-provided" {
		t.Fatalf("expected operator to remain user-provided, got %s", got)
	}
}

func TestDetectOperatorFromEnv(t *testing.T) {
	t.Setenv("USER", "env-user")
	if got := detectOperatorFromEnv(); got != "env-user" {
		t.Fatalf("expected env-user, got %s", got)
	}

	t.Setenv("USER", "")
	t.Setenv("LOGNAME", "log-user")
	if got := detectOperatorFromEnv(); got != "log-user" {
		t.Fatalf("expected log-user, got %s", got)
	}
}

func TestNewCLIConfigDefaults(t *testing.T) {
	cfg := newCLIConfig()
	if cfg.Check.TimeoutSecs != 0 {
		t.Fatalf("expected no per-application timeout by default, got %d", cfg.Check.TimeoutSecs)
	}
	if cfg.Check.HashAlgorithm != "sha256" {
		t.Fatalf("unexpected hash default: %s", cfg.Check.HashAlgorithm)
	}
	p := cfg.Pinning
	if p.ProxyHost != "0.0.0.0" || p.ProxyPort != consts.DefaultProxyPort {
		t.Fatalf("unexpected proxy bind default: %s:%d", p.ProxyHost, p.ProxyPort)
	}
	if p.WaitTime != consts.DefaultWaitTime {
		t.Fatalf("unexpected wait time: %s", p.WaitTime)
	}
	if p.UpstreamAddr != consts.DefaultUpstreamAddr || p.ReinjectAddr != consts.DefaultReinjectAddr {
		t.Fatalf("unexpected relay addresses: %s %s", p.UpstreamAddr, p.ReinjectAddr)
	}
	if p.IgnoreURL != consts.DefaultIgnoreURL {
		t.Fatalf("expected default ignore list")
	}
	if p.Relay {
		t.Fatal("relay must be opt-in")
	}
	if p.Device.Type != device.KindADB || p.Device.ADBPath != "adb" {
		t.Fatalf("unexpected device defaults: %+v", p.Device)
	}
}

func TestFlagNameForKey(t *testing.T) {
	tests := map[string]string{
		"pinning.wait_time":         "wait-time",
		"pinning.handshake_timeout": "handshake-timeout",
		"pinning.ca_dir":            "ca-dir",
		"pinning.binary":            "binary",
		"device.serial":             "device",
		"device.adb_path":           "adb-path",
		"device.type":               "device-type",
	}
	for key, want := range tests {
		if got := flagNameForKey(key); got != want {
			t.Fatalf("flagNameForKey(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestLoadDefaultOverrides(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set("defaults.timeout_secs", 30)
	viper.Set("defaults.telemetry", true)
	viper.Set("defaults.operator", "config-operator")
	viper.Set("defaults.hash_algorithm", "sha512")

	overrides := loadDefaultOverrides()

	if overrides.TimeoutSecs == nil || *overrides.TimeoutSecs != 30 {
		t.Fatalf("expected timeout override 30, got %+v", overrides.TimeoutSecs)
	}
	if overrides.TelemetryEnabled == nil || !*overrides.TelemetryEnabled {
		t.Fatalf("expected telemetry override true, got %+v", overrides.TelemetryEnabled)
	}
	if overrides.Operator != "config-operator" || !overrides.OperatorOverride {
		t.Fatalf("expected operator override to be set, got %+v", overrides)
	}
	if overrides.HashAlgorithm != "sha512" {
		t.Fatalf("expected hash override sha512, got %s", overrides.HashAlgorithm)
	}
}

func TestApplyPinningDefaults(t *testing.T) {
	t.Cleanup(viper.Reset)

	cfg := newCLIConfig().Pinning
	flags := pflag.NewFlagSet("pinning", pflag.ContinueOnError)
	flags.DurationVar(&cfg.WaitTime, "wait-time", cfg.WaitTime, "")
	flags.IntVar(&cfg.ProxyPort, "proxy-port", cfg.ProxyPort, "")
	flags.StringVar(&cfg.Device.Serial, "device", cfg.Device.Serial, "")
	flags.StringSliceVar(&cfg.Patterns, "pattern", cfg.Patterns, "")
	if err := flags.Set("proxy-port", "9999"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	viper.Set("pinning.wait_time", "45s")
	viper.Set("pinning.proxy_port", 7000)
	viper.Set("pinning.relay", true)
	viper.Set("pinning.ignore_url", ".example.com")
	viper.Set("pinning.forward_rate", 2.5)
	viper.Set("pinning.patterns", []string{"TrustKit"})
	viper.Set("device.serial", "emulator-5554")
	viper.Set("device.scripts", map[string]interface{}{
		"installed": "ideviceinstaller -l | grep {app}",
		"start":     "idevicedebug run {app}",
		"stop":      "true",
	})

	applyPinningDefaults(flags, &cfg)

	if cfg.WaitTime != 45*time.Second {
		t.Fatalf("expected wait time from config, got %s", cfg.WaitTime)
	}
	if cfg.ProxyPort != 9999 {
		t.Fatalf("explicit flag must win over config, got %d", cfg.ProxyPort)
	}
	if !cfg.Relay || cfg.IgnoreURL != ".example.com" || cfg.ForwardRate != 2.5 {
		t.Fatalf("unexpected pinning config: %+v", cfg)
	}
	if len(cfg.Patterns) != 1 || cfg.Patterns[0] != "TrustKit" {
		t.Fatalf("unexpected patterns: %v", cfg.Patterns)
	}
	if cfg.Device.Serial != "emulator-5554" {
		t.Fatalf("expected serial from config, got %q", cfg.Device.Serial)
	}
	if cfg.Device.Scripts.Start != "idevicedebug run {app}" {
		t.Fatalf("expected scripts from config, got %+v", cfg.Device.Scripts)
	}
}

func TestApplyConfigDefaults(t *testing.T) {
	t.Cleanup(func() {
		viper.Reset()
		*cliConfig = *newCLIConfig()
	})

	*cliConfig = *newCLIConfig()

	viper.Set("defaults.timeout_secs", 20)
	viper.Set("defaults.telemetry", true)
	viper.Set("defaults.operator", "cfg-operator")
	viper.Set("defaults.hash_algorithm", "SHA512")
	viper.Set("pinning.setup_delay", "3s")

	// Reset flag state to simulate untouched CLI flags.
	for _, name := range []string{"timeout", "telemetry", "hash"} {
		if flag := checkCmd.PersistentFlags().Lookup(name); flag != nil {
			flag.Changed = false
		}
	}
	if flag := checkPinningCmd.Flags().Lookup("setup-delay"); flag != nil {
		flag.Changed = false
	}

	testCmd := &cobra.Command{Use: "root"}
	testCmd.Flags().String("operator", "", "")

	applyConfigDefaults(testCmd)

	if cliConfig.Defaults.TimeoutSecs != 20 || cliConfig.Check.TimeoutSecs != 20 {
		t.Fatalf("expected timeout defaults to update to 20, got %d/%d", cliConfig.Defaults.TimeoutSecs, cliConfig.Check.TimeoutSecs)
	}
	if !cliConfig.Defaults.TelemetryEnabled || !cliConfig.Check.TelemetryEnabled {
		t.Fatalf("expected telemetry defaults to be enabled")
	}
	if cliConfig.Check.HashAlgorithm != "sha512" {
		t.Fatalf("expected hash algorithm sha512, got %s", cliConfig.Check.HashAlgorithm)
	}
	if cliConfig.Pinning.SetupDelay != 3*time.Second {
		t.Fatalf("expected setup delay from config, got %s", cliConfig.Pinning.SetupDelay)
	}
	if got := testCmd.Flags().Lookup("operator").Value.String(); got != "cfg-operator" {
		t.Fatalf("expected operator flag to be set by defaults, got %s", got)
	}
}
