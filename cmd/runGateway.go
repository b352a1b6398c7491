package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/userop-gateway/gateway"
)

var (
	runGatewayCmd = &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway",
		Long: `Initialize and run the gateway HTTP server.

Use --config=path-to-your-config-file, e.g. ./config/gateway.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return gateway.RunWithConfig(config)
		},
	}
)

func init() {
	rootCmd.AddCommand(runGatewayCmd)
}
