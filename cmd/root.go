package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	consts "github.com/khanhnv2901/seca-pin/internal/shared/constants"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string
var logger *zap.SugaredLogger
var operator string
var resultsDir string
var debug bool

var rootCmd = &cobra.Command{
	Use:   "seca-pin",
	Short: "Authorized TLS pinning checks for mobile applications (for lawful testing only)",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// init config
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath("$HOME")
			viper.SetConfigName(".seca-pin")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("SECA_PIN")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()

		_ = viper.ReadInConfig()
		applyConfigDefaults(cmd)

		resultsDir = viper.GetString("results_dir")
		if resultsDir == "" {
			dir, err := getResultsDir()
			if err != nil {
				resultsDir = "./results"
			} else {
				resultsDir = dir
			}
		}

		// create results dir if not exists
		if err := os.MkdirAll(resultsDir, consts.DefaultDirPerm); err != nil {
			return fmt.Errorf("failed to create results directory: %s", err.Error())
		}

		l, err := newLogger(debug)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		logger = l.Sugar()

		// ensure operator is set (via flag or env default)
		if operator == "" {
			operator = cliConfig.Defaults.Operator
		}
		if operator == "" {
			return fmt.Errorf("operator identity is required (use --operator or set USER env)")
		}
		cliConfig.Defaults.Operator = operator

		// Make final resultsDir absolute (for clarity in logs)
		if abs, err := filepath.Abs(resultsDir); err == nil {
			resultsDir = abs
		}

		logger.Debugf("operator=%s results_dir=%s", operator, resultsDir)

		return nil
	},
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(colorError(err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.seca-pin.yaml)")
	rootCmd.PersistentFlags().StringVarP(&operator, "operator", "o", detectOperatorFromEnv(), "operator name (or set via USER env)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "development logging")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
