package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/silkchain/silksync/config"
	"github.com/silkchain/silksync/libs/log"
)

var (
	config = cfg.DefaultConfig()
	logger = log.NewLogger(log.NewSyncWriter(os.Stdout))
)

func init() {
	RootCmd.PersistentFlags().String("log-level", config.LogLevel, "log level (debug | info | error | none)")
}

// ParseConfig unmarshals the viper state (env, flags, config file) into a
// fresh Config, roots it and validates it.
func ParseConfig() (*cfg.Config, error) {
	conf := cfg.DefaultConfig()
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}
	conf.SetRoot(conf.RootDir)
	cfg.EnsureRoot(conf.RootDir)
	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCmd is the root command for silksync. Every subcommand except version
// runs behind a parsed config and a leveled logger.
var RootCmd = &cobra.Command{
	Use:   "silksync",
	Short: "Adaptive block synchronization engine for silkchain nodes",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == VersionCmd.Name() {
			return nil
		}

		conf, err := ParseConfig()
		if err != nil {
			return err
		}
		config = conf

		if config.LogFormat == cfg.LogFormatJSON {
			logger = log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
		}
		opt, err := log.AllowLevel(config.LogLevel)
		if err != nil {
			return err
		}
		logger = log.NewFilter(logger, opt).With("module", "main")
		return nil
	},
}
