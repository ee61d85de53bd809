package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/mosaicnetworks/btcnode/src/peers"
	"github.com/spf13/cobra"
)

//NewPeersCmd returns the command that lists the address book of a data
//directory
func NewPeersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List the addresses in [datadir]/peers.json",
		RunE:  listPeers,
	}
	cmd.Flags().String("datadir", _config.Node.DataDir, "Top-level directory for configuration and data")
	return cmd
}

func listPeers(cmd *cobra.Command, args []string) error {
	datadir, err := cmd.Flags().GetString("datadir")
	if err != nil {
		return err
	}

	store := peers.NewJSONPeers(datadir)

	addrs, err := store.Read()
	if err != nil {
		return err
	}

	if len(addrs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No addresses in %s\n", store.Path())
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tSERVICES\tLAST SUCCESS")
	for _, a := range addrs {
		last := "never"
		if !a.LastSuccess.IsZero() {
			last = a.LastSuccess.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.NetAddr, a.Services, last)
	}
	return w.Flush()
}
