package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/silkchain/silksync/version"
)

var verbose bool

// VersionCmd prints the build version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !verbose {
			fmt.Println(version.Version)
			return nil
		}
		values, err := json.MarshalIndent(struct {
			Silksync      string `json:"silksync"`
			SyncProtocol  uint64 `json:"sync_protocol"`
			BlockProtocol uint64 `json:"block_protocol"`
		}{
			Silksync:      version.Version,
			SyncProtocol:  version.SyncProtocol.Uint64(),
			BlockProtocol: version.BlockProtocol.Uint64(),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(values))
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show protocol versions")
}
