/*
Copyright © 2026 keyjawn authors
*/
package cmd

import (
	"fmt"
	"os"
	"strings"

	"keyjawn/internal/config"
	"keyjawn/internal/hostkey"
	"keyjawn/internal/logging"
	"keyjawn/internal/remote"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var (
	configPath string
	hostRef    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keyjawn",
	Short: "Remote shell and image upload over SSH",
	Long: `keyjawn opens an interactive shell on a registered host and pushes captured
images to it over SCP or SFTP. Host keys are pinned on first use.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $KEYJAWN_CONFIG or the user config dir)")
	rootCmd.PersistentFlags().StringVarP(&hostRef, "host", "H", "", "host ID or label (default active_host)")
}

func loadConfig() *config.Config {
	path := config.Path(configPath)
	logging.Logger().Debug("Loading configuration", zap.String("path", path))
	cfg, err := config.Load(path)
	if err != nil {
		logging.Logger().Fatal("Failed to load configuration", zap.String("path", path), zap.Error(err))
	}
	return cfg
}

func activeHost(cfg *config.Config) remote.HostConfig {
	host, err := cfg.Active(hostRef)
	if err != nil {
		logging.Logger().Fatal("No host selected", zap.Error(err))
	}
	return host
}

func openStore(cfg *config.Config) *hostkey.Store {
	return hostkey.NewStore(hostkey.NewBackend(cfg.HostKeyBackend()))
}

// credentialFor reads secrets from the environment, prompting for a password
// on a terminal when none is set.
func credentialFor(host remote.HostConfig) remote.Credential {
	var cred remote.Credential

	switch host.AuthMethod {
	case remote.AuthKey:
		if p := os.Getenv("KEYJAWN_KEY_PASSPHRASE"); p != "" {
			cred.Passphrase = []byte(p)
		}
	default:
		cred.Password = os.Getenv("KEYJAWN_PASSWORD")
		if cred.Password == "" {
			cred.Password = promptPassword(fmt.Sprintf("%s@%s's password: ", host.Username, host.Hostname))
		}
	}
	return cred
}

func promptPassword(prompt string) string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return ""
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		logging.Logger().Fatal("Failed to read password", zap.Error(err))
	}
	return strings.TrimRight(string(b), "\r\n")
}
