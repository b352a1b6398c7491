package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = ""
	rootCmd = &cobra.Command{
		Use:   "userop-gateway",
		Short: "ERC-4337 user operation gateway",
		Long: `Gateway between smart account clients and an ERC-4337 paymaster and bundler.

Run the backend with "userop-gateway gateway", drive a sponsored operation
end to end with "userop-gateway send" and look one up with
"userop-gateway status <hash>".

Every value in the config file can be overridden through the environment,
e.g. PAYMASTER_URL, BUNDLER_URL or GATEWAY_URL.
`,
		SilenceUsage: true,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", "", "Path to config file, optional when the environment provides every value")
}
