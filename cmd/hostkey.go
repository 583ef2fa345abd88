package cmd

import (
	"context"
	"fmt"
	"time"

	"keyjawn/internal/config"
	"keyjawn/internal/hostkey"
	"keyjawn/internal/logging"
	"keyjawn/internal/remote"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// hostkeyCmd groups the pinned host key commands
var hostkeyCmd = &cobra.Command{
	Use:   "hostkey",
	Short: "Inspect and clear pinned host keys",
}

var hostkeyShowCmd = &cobra.Command{
	Use:   "show [endpoint]",
	Short: "Print the pinned fingerprint of a host",
	Long:  `Print the fingerprint pinned for an endpoint (hostname:port), or for the selected host when none is given.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		endpoint := endpointArg(cfg, args)

		store := openStore(cfg)
		defer remote.SafeClose("host key store", store.Close)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fp, ok, err := store.Fingerprint(ctx, endpoint)
		if err != nil {
			logging.Logger().Fatal("Failed to read pinned host key", zap.String("endpoint", endpoint), zap.Error(err))
		}
		if !ok {
			fmt.Printf("%s: no pinned host key\n", endpoint)
			return
		}
		fmt.Printf("%s %s\n", endpoint, fp)
	},
}

var hostkeyForgetCmd = &cobra.Command{
	Use:   "forget [endpoint]",
	Short: "Clear a pinned host key",
	Long: `Remove the fingerprint pinned for an endpoint so the next connection pins
whatever key the host presents. Only do this after confirming the key change.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		endpoint := endpointArg(cfg, args)

		store := openStore(cfg)
		defer remote.SafeClose("host key store", store.Close)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := store.Forget(ctx, endpoint); err != nil {
			logging.Logger().Fatal("Failed to clear pinned host key", zap.String("endpoint", endpoint), zap.Error(err))
		}
		logging.Logger().Info("Pinned host key cleared", zap.String("endpoint", endpoint))
	},
}

func init() {
	rootCmd.AddCommand(hostkeyCmd)
	hostkeyCmd.AddCommand(hostkeyShowCmd)
	hostkeyCmd.AddCommand(hostkeyForgetCmd)
}

func endpointArg(cfg *config.Config, args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	host, err := cfg.Active(hostRef)
	if err != nil {
		logging.Logger().Fatal("No endpoint given and no host selected", zap.Error(err))
	}
	return hostkey.Endpoint(host.Hostname, host.Port)
}
