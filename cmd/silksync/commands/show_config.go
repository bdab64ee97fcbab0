package commands

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// ShowConfigCmd prints the effective configuration after file, env and flag
// resolution.
var ShowConfigCmd = &cobra.Command{
	Use:   "show-config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return toml.NewEncoder(os.Stdout).Encode(config)
	},
}
