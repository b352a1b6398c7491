package cmd

import (
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/userop-gateway/core/account"
	"github.com/AvaProtocol/userop-gateway/core/apiclient"
	coreconfig "github.com/AvaProtocol/userop-gateway/core/config"
	"github.com/AvaProtocol/userop-gateway/core/lifecycle"
	"github.com/AvaProtocol/userop-gateway/metrics"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-gateway/pkg/jsonrpc"
)

var (
	sendTo    string
	sendValue string
	sendData  string
	// textfile collector output, e.g. for node_exporter
	sendMetricsFile string

	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Send a sponsored user operation through the gateway",
		Long: `Build a user operation from the configured owner key, get it sponsored,
sign it, submit it and wait for its receipt.

Without --to the smart account calls itself, which is enough to deploy it
and check the whole flow.`,
		RunE: runSend,
	}
)

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "call target, defaults to the smart account itself")
	sendCmd.Flags().StringVar(&sendValue, "value", "0", "ETH amount to send with the call, e.g. 0.001")
	sendCmd.Flags().StringVar(&sendData, "data", "0x", "hex calldata for the target")
	sendCmd.Flags().StringVar(&sendMetricsFile, "metrics-file", "", "write prometheus metrics of this run to the given file")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, _ []string) error {
	c, err := coreconfig.NewConfig(config)
	if err != nil {
		return err
	}
	if err := c.ValidateClient(true); err != nil {
		return err
	}

	value, err := parseEther(sendValue)
	if err != nil {
		return err
	}
	data, err := hexutil.Decode(sendData)
	if err != nil {
		return fmt.Errorf("invalid --data: %w", err)
	}
	if sendTo != "" && !common.IsHexAddress(sendTo) {
		return fmt.Errorf("invalid --to address %q", sendTo)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eth, err := ethclient.DialContext(ctx, c.Chain.RpcUrl)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", c.Chain.RpcUrl, err)
	}
	defer eth.Close()

	acct, err := account.NewSimpleAccount(eth, c.Client.OwnerPrivateKey, account.Config{
		Factory:    c.Client.FactoryAddress,
		EntryPoint: c.EntryPoint,
		ChainID:    c.Chain.ID,
		Salt:       big.NewInt(c.Client.Salt),
	}, c.Logger)
	if err != nil {
		return err
	}

	sender, err := acct.Address(ctx)
	if err != nil {
		return err
	}
	to := sender
	if sendTo != "" {
		to = common.HexToAddress(sendTo)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewGatewayMetrics(reg)
	if sendMetricsFile != "" {
		defer func() {
			if err := prometheus.WriteToTextfile(sendMetricsFile, reg); err != nil {
				c.Logger.Warn("cannot write metrics file", "path", sendMetricsFile, "error", err)
			}
		}()
	}

	api := apiclient.New(c.Client.GatewayUrl, c.RequestTimeout, c.Logger)
	// submission and polling go through the gateway JSON-RPC endpoint
	rpc := jsonrpc.NewClient(jsonrpc.Options{
		Name:     "gateway",
		URL:      c.Client.GatewayUrl + "/rpc",
		Timeout:  c.RequestTimeout,
		Logger:   c.Logger,
		Observer: m,
	})
	bc := bundler.NewBundlerClient(rpc, c.EntryPoint, c.Logger)

	orch := lifecycle.New(acct, api, bc, lifecycle.Config{
		ChainID:            c.Chain.ID,
		PollInterval:       c.Client.PollInterval,
		MaxPollAttempts:    c.Client.MaxPollAttempts,
		PollErrorTolerance: c.Client.PollErrorTolerance,
	}, c.Logger)

	out := cmd.OutOrStdout()
	orch.OnTransition(m.ObserveTransition)
	orch.OnTransition(func(from, to lifecycle.State, snap lifecycle.Snapshot) {
		if to == lifecycle.Polling && from != lifecycle.Polling {
			fmt.Fprintf(out, "submitted %s, waiting for receipt\n", snap.UserOpHash)
			return
		}
		fmt.Fprintf(out, "%s -> %s\n", from, to)
	})

	fmt.Fprintf(out, "owner %s, smart account %s on %s\n", acct.Owner().Hex(), sender.Hex(), c.Chain.Name)

	if _, err := orch.Send(ctx, lifecycle.Call{To: to, Value: value, Data: data}); err != nil {
		return err
	}

	snap, err := orch.Wait(ctx)
	if err != nil {
		orch.Reset()
		return fmt.Errorf("stopped waiting for %s: %w", snap.UserOpHash, err)
	}
	if snap.State == lifecycle.Error {
		return snap.Err
	}

	printStatus(out, c.Chain.ID, userop.StatusFromReceipt(snap.UserOpHash, snap.Receipt))
	return nil
}

