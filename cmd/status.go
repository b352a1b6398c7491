package cmd

import (
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/userop-gateway/core/apiclient"
	coreconfig "github.com/AvaProtocol/userop-gateway/core/config"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/codec"
)

var (
	statusVerbose bool

	statusCmd = &cobra.Command{
		Use:   "status <userOpHash>",
		Short: "Display the status of a user operation",
		Long: `Ask the gateway for the settlement status of a user operation.

The gateway is read from client.gateway_url or GATEWAY_URL.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := coreconfig.NewConfig(config)
			if err != nil {
				return err
			}
			if err := c.ValidateClient(false); err != nil {
				return err
			}

			api := apiclient.New(c.Client.GatewayUrl, c.RequestTimeout, c.Logger)
			status, err := api.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			printStatus(cmd.OutOrStdout(), c.Chain.ID, status)
			if statusVerbose {
				printer := pp.New()
				printer.SetOutput(cmd.OutOrStdout())
				printer.Println(codec.ToWire(status))
			}
			return nil
		},
	}
)

func init() {
	statusCmd.Flags().BoolVarP(&statusVerbose, "verbose", "v", false, "also print the full wire response")
	rootCmd.AddCommand(statusCmd)
}
