package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/fragmesh/storage-node/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print p2p-nodectl build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("p2p-nodectl"))
		},
	}
}
