package cmd

import (
	"os"
	"strings"
	"time"

	"github.com/khanhnv2901/seca-pin/internal/device"
	consts "github.com/khanhnv2901/seca-pin/internal/shared/constants"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const defaultSessionTimeoutSecs = 0

// CLIConfig captures runtime configuration shared across commands.
type CLIConfig struct {
	Defaults DefaultValues
	Check    CheckRuntimeConfig
	Pinning  PinningConfig
}

// DefaultValues represent operator-level defaults, typically derived from env/config.
type DefaultValues struct {
	TimeoutSecs      int
	TelemetryEnabled bool
	Operator         string
}

// CheckRuntimeConfig consolidates flag-driven settings for check commands.
type CheckRuntimeConfig struct {
	RateLimit        int
	TimeoutSecs      int
	TelemetryEnabled bool
	ProgressEnabled  bool
	HashAlgorithm    string
}

// PinningConfig groups the proxy, session and device options of `check pinning`.
type PinningConfig struct {
	ProxyHost        string
	ProxyPort        int
	WaitTime         time.Duration
	SetupDelay       time.Duration
	Relay            bool
	IgnoreURL        string
	UpstreamAddr     string
	ReinjectAddr     string
	GracePeriod      time.Duration
	HandshakeTimeout time.Duration
	ForwardRate      float64
	InsecureUpstream bool
	CADir            string
	Binary           string
	ClassDump        string
	Patterns         []string
	Device           DeviceConfig
}

// DeviceConfig selects the device adapter.
type DeviceConfig struct {
	Type    string
	ADBPath string
	Serial  string
	Shell   string
	Scripts device.Scripts
}

type defaultOverrides struct {
	TimeoutSecs      *int
	TelemetryEnabled *bool
	Operator         string
	OperatorOverride bool
	HashAlgorithm    string
}

var cliConfig = newCLIConfig()

func newCLIConfig() *CLIConfig {
	operator := detectOperatorFromEnv()
	return &CLIConfig{
		Defaults: DefaultValues{
			TimeoutSecs:      defaultSessionTimeoutSecs,
			TelemetryEnabled: false,
			Operator:         operator,
		},
		Check: CheckRuntimeConfig{
			RateLimit:     0,
			TimeoutSecs:   defaultSessionTimeoutSecs,
			HashAlgorithm: HashAlgorithmSHA256.String(),
		},
		Pinning: PinningConfig{
			ProxyHost:        "0.0.0.0",
			ProxyPort:        consts.DefaultProxyPort,
			WaitTime:         consts.DefaultWaitTime,
			IgnoreURL:        consts.DefaultIgnoreURL,
			UpstreamAddr:     consts.DefaultUpstreamAddr,
			ReinjectAddr:     consts.DefaultReinjectAddr,
			GracePeriod:      consts.DefaultGracePeriod,
			HandshakeTimeout: consts.DefaultHandshakeTimeout,
			Device: DeviceConfig{
				Type:    device.KindADB,
				ADBPath: "adb",
			},
		},
	}
}

func detectOperatorFromEnv() string {
	if env := os.Getenv("USER"); env != "" {
		return env
	}
	if env := os.Getenv("LOGNAME"); env != "" {
		return env
	}
	return ""
}

func loadDefaultOverrides() defaultOverrides {
	overrides := defaultOverrides{}

	if viper.IsSet("defaults.timeout_secs") {
		val := viper.GetInt("defaults.timeout_secs")
		overrides.TimeoutSecs = &val
	}

	if viper.IsSet("defaults.telemetry") {
		val := viper.GetBool("defaults.telemetry")
		overrides.TelemetryEnabled = &val
	}

	if viper.IsSet("defaults.operator") {
		overrides.Operator = viper.GetString("defaults.operator")
		overrides.OperatorOverride = true
	}

	if viper.IsSet("defaults.hash_algorithm") {
		overrides.HashAlgorithm = viper.GetString("defaults.hash_algorithm")
	}

	return overrides
}

// applyConfigDefaults merges config file defaults into the runtime config when the user
// did not explicitly override the corresponding flag.
func applyConfigDefaults(cmd *cobra.Command) {
	overrides := loadDefaultOverrides()

	if overrides.OperatorOverride && overrides.Operator != "" {
		cliConfig.Defaults.Operator = overrides.Operator
		setStringFlagIfUnset(cmd.Flags(), "operator", overrides.Operator)
	}

	if overrides.TimeoutSecs != nil {
		applyIntDefault(checkCmd.PersistentFlags(), "timeout", *overrides.TimeoutSecs, func(v int) {
			cliConfig.Defaults.TimeoutSecs = v
			cliConfig.Check.TimeoutSecs = v
		})
	}

	if overrides.TelemetryEnabled != nil {
		applyBoolDefault(checkCmd.PersistentFlags(), "telemetry", *overrides.TelemetryEnabled, func(v bool) {
			cliConfig.Defaults.TelemetryEnabled = v
			cliConfig.Check.TelemetryEnabled = v
		})
	}

	if overrides.HashAlgorithm != "" {
		if algo, err := ParseHashAlgorithm(overrides.HashAlgorithm); err == nil {
			applyStringDefault(checkCmd.PersistentFlags(), "hash", algo.String(), func(v string) {
				cliConfig.Check.HashAlgorithm = v
			})
		}
	}

	applyPinningDefaults(checkPinningCmd.Flags(), &cliConfig.Pinning)
}

// applyPinningDefaults reads the pinning.* keys. Flags given on the command line win.
func applyPinningDefaults(flags *pflag.FlagSet, cfg *PinningConfig) {
	strs := map[string]*string{
		"pinning.proxy_host":    &cfg.ProxyHost,
		"pinning.ignore_url":    &cfg.IgnoreURL,
		"pinning.upstream_addr": &cfg.UpstreamAddr,
		"pinning.reinject_addr": &cfg.ReinjectAddr,
		"pinning.ca_dir":        &cfg.CADir,
		"pinning.binary":        &cfg.Binary,
		"pinning.class_dump":    &cfg.ClassDump,
		"device.type":           &cfg.Device.Type,
		"device.adb_path":       &cfg.Device.ADBPath,
		"device.serial":         &cfg.Device.Serial,
		"device.shell":          &cfg.Device.Shell,
	}
	for key, dst := range strs {
		if !viper.IsSet(key) {
			continue
		}
		applyStringDefault(flags, flagNameForKey(key), viper.GetString(key), func(v string) { *dst = v })
	}

	durations := map[string]*time.Duration{
		"pinning.wait_time":         &cfg.WaitTime,
		"pinning.setup_delay":       &cfg.SetupDelay,
		"pinning.grace_period":      &cfg.GracePeriod,
		"pinning.handshake_timeout": &cfg.HandshakeTimeout,
	}
	for key, dst := range durations {
		if !viper.IsSet(key) {
			continue
		}
		applyDurationDefault(flags, flagNameForKey(key), viper.GetDuration(key), func(v time.Duration) { *dst = v })
	}

	if viper.IsSet("pinning.proxy_port") {
		applyIntDefault(flags, "proxy-port", viper.GetInt("pinning.proxy_port"), func(v int) { cfg.ProxyPort = v })
	}
	if viper.IsSet("pinning.relay") {
		applyBoolDefault(flags, "relay", viper.GetBool("pinning.relay"), func(v bool) { cfg.Relay = v })
	}
	if viper.IsSet("pinning.insecure_upstream") {
		applyBoolDefault(flags, "insecure-upstream", viper.GetBool("pinning.insecure_upstream"), func(v bool) { cfg.InsecureUpstream = v })
	}
	if viper.IsSet("pinning.forward_rate") {
		rate := viper.GetFloat64("pinning.forward_rate")
		if f := lookupFlag(flags, "forward-rate"); f == nil || !f.Changed {
			cfg.ForwardRate = rate
		}
	}
	if viper.IsSet("pinning.patterns") {
		if f := lookupFlag(flags, "pattern"); f == nil || !f.Changed {
			cfg.Patterns = viper.GetStringSlice("pinning.patterns")
		}
	}
	// Script templates have no flag equivalent.
	if viper.IsSet("device.scripts") {
		var scripts device.Scripts
		if err := viper.UnmarshalKey("device.scripts", &scripts); err == nil {
			cfg.Device.Scripts = scripts
		}
	}
}

var keyFlags = map[string]string{
	"device.type":     "device-type",
	"device.adb_path": "adb-path",
	"device.serial":   "device",
	"device.shell":    "device-shell",
}

func flagNameForKey(key string) string {
	if name, ok := keyFlags[key]; ok {
		return name
	}
	return strings.ReplaceAll(strings.TrimPrefix(key, "pinning."), "_", "-")
}

func lookupFlag(flags *pflag.FlagSet, name string) *pflag.Flag {
	if flags == nil {
		return nil
	}
	return flags.Lookup(name)
}

func applyIntDefault(flags *pflag.FlagSet, name string, value int, setter func(int)) {
	if flags == nil || setter == nil {
		return
	}
	flag := flags.Lookup(name)
	if flag != nil && flag.Changed {
		return
	}
	setter(value)
}

func applyBoolDefault(flags *pflag.FlagSet, name string, value bool, setter func(bool)) {
	if flags == nil || setter == nil {
		return
	}
	flag := flags.Lookup(name)
	if flag != nil && flag.Changed {
		return
	}
	setter(value)
}

func applyStringDefault(flags *pflag.FlagSet, name string, value string, setter func(string)) {
	if flags == nil || setter == nil {
		return
	}
	flag := flags.Lookup(name)
	if flag != nil && flag.Changed {
		return
	}
	setter(value)
}

func applyDurationDefault(flags *pflag.FlagSet, name string, value time.Duration, setter func(time.Duration)) {
	if flags == nil || setter == nil {
		return
	}
	flag := flags.Lookup(name)
	if flag != nil && flag.Changed {
		return
	}
	setter(value)
}

func setStringFlagIfUnset(flags *pflag.FlagSet, name, value string) {
	if flags == nil {
		return
	}
	flag := flags.Lookup(name)
	if flag == nil || flag.Changed {
		return
	}
	_ = flag.Value.Set(value)
}
