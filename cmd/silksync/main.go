package main

import (
	"os"
	"path/filepath"

	"github.com/silkchain/silksync/cmd/silksync/commands"
	"github.com/silkchain/silksync/config"
	"github.com/silkchain/silksync/libs/cli"
)

func main() {
	rootCmd := commands.RootCmd
	rootCmd.AddCommand(
		commands.InitFilesCmd,
		commands.SimCmd,
		commands.ShowConfigCmd,
		commands.VersionCmd,
	)

	baseCmd := cli.PrepareBaseCmd(rootCmd, "SILK",
		os.ExpandEnv(filepath.Join("$HOME", config.DefaultSilksyncDir)))
	cli.Execute(baseCmd)
}
