package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// AppContext carries what PersistentPreRunE resolved for every subcommand.
type AppContext struct {
	Logger     *zap.SugaredLogger
	Operator   string
	ResultsDir string
	Config     *CLIConfig
}

func getAppContext(cmd *cobra.Command) *AppContext {
	l := logger
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	return &AppContext{
		Logger:     l,
		Operator:   operator,
		ResultsDir: resultsDir,
		Config:     cliConfig,
	}
}
