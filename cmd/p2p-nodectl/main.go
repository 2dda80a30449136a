// p2p-nodectl is the CLI client for the p2p-node daemon's admin HTTP
// surface: it lists connected peers and indexed fragments, and can
// inject delete/download commands for local testing.
package main

import (
	"github.com/fragmesh/storage-node/cmd/p2p-nodectl/commands"
)

func main() {
	commands.Execute()
}
