package commands

import (
	"github.com/spf13/cobra"

	cfg "github.com/silkchain/silksync/config"
)

// InitFilesCmd initializes the home directory with a default config file.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the silksync home directory",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	configFilePath := cfg.ConfigFilePath(config.RootDir)
	if cfg.FileExists(configFilePath) {
		logger.Info("found config file, skipping", "path", configFilePath)
		return nil
	}
	cfg.WriteConfigFile(configFilePath, config)
	logger.Info("generated config file", "path", configFilePath)
	return nil
}
