package commands

import (
	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

//RootCmd is the root command for btcnode
var RootCmd = &cobra.Command{
	Use:              "btcnode",
	Short:            "Bitcoin P2P node: headers-first chain synchronisation",
	TraverseChildren: true,
}
