package cli

import "github.com/spf13/cobra"

var CommandRoot = &cobra.Command{
	Use:          "dohrelay",
	Short:        `dohrelay is a DNS-over-HTTPS relay and a CLI for querying DoH servers`,
	SilenceUsage: true,
}
