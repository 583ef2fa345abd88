package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"keyjawn/internal/config"
	"keyjawn/internal/logging"
	"keyjawn/internal/remote"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	addHost       remote.HostConfig
	addAuthMethod string
	sshConfigPath string
)

// hostsCmd groups the host registry commands
var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Manage registered hosts",
}

var hostsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered hosts",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "\tLABEL\tENDPOINT\tUSER\tAUTH\tUPLOAD DIR\tID")
		for _, h := range cfg.Hosts {
			marker := ""
			if h.ID == cfg.ActiveHost || h.Label == cfg.ActiveHost {
				marker = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				marker, h.Label, h.Endpoint(), h.Username, h.AuthMethod, h.UploadDir(), h.ID)
		}
		_ = w.Flush()
	},
}

var hostsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register or replace a host",
	Run: func(cmd *cobra.Command, args []string) {
		host := addHost
		host.AuthMethod = remote.AuthMethod(addAuthMethod)
		saveHost(host.WithDefaults())
	},
}

var hostsImportCmd = &cobra.Command{
	Use:   "import <alias>",
	Short: "Register a host from an OpenSSH client config entry",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := sshConfigPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				logging.Logger().Fatal("Cannot locate home directory", zap.Error(err))
			}
			path = filepath.Join(home, ".ssh", "config")
		}

		f, err := os.Open(path)
		if err != nil {
			logging.Logger().Fatal("Failed to open ssh config", zap.String("path", path), zap.Error(err))
		}
		defer f.Close()

		host, err := config.ImportSSHConfig(args[0], f)
		if err != nil {
			logging.Logger().Fatal("Failed to import host", zap.String("alias", args[0]), zap.Error(err))
		}
		saveHost(host)
	},
}

var hostsRemoveCmd = &cobra.Command{
	Use:   "remove <host>",
	Short: "Remove a registered host",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if err := cfg.RemoveHost(args[0]); err != nil {
			logging.Logger().Fatal("Failed to remove host", zap.Error(err))
		}
		saveConfig(cfg)
	},
}

var hostsUseCmd = &cobra.Command{
	Use:   "use <host>",
	Short: "Make a host the default",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		host, err := cfg.Host(args[0])
		if err != nil {
			logging.Logger().Fatal("Unknown host", zap.Error(err))
		}
		cfg.ActiveHost = host.ID
		saveConfig(cfg)
	},
}

func init() {
	rootCmd.AddCommand(hostsCmd)
	hostsCmd.AddCommand(hostsListCmd, hostsAddCmd, hostsImportCmd, hostsRemoveCmd, hostsUseCmd)

	f := hostsAddCmd.Flags()
	f.StringVar(&addHost.Label, "label", "", "display label (default hostname)")
	f.StringVar(&addHost.Hostname, "hostname", "", "hostname or address")
	f.IntVarP(&addHost.Port, "port", "p", remote.DefaultPort, "SSH port")
	f.StringVarP(&addHost.Username, "user", "u", "", "remote user")
	f.StringVar(&addAuthMethod, "auth", string(remote.AuthPassword), "password or key")
	f.StringVar(&addHost.UploadDirectory, "upload-dir", remote.DefaultUploadDirectory, "remote upload directory")
	f.StringVar(&addHost.PrivateKeyPath, "key", "", "private key path for key auth (default identity_key)")
	f.StringVar(&addHost.PinnedHostKey, "host-key", "", "expected host key, as a SHA256 fingerprint or public key line")
	for _, name := range []string{"hostname", "user"} {
		if err := hostsAddCmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("failed to mark flag as required: %v", err))
		}
	}

	hostsImportCmd.Flags().StringVar(&sshConfigPath, "ssh-config", "", "OpenSSH client config (default ~/.ssh/config)")
}

func saveHost(host remote.HostConfig) {
	if host.Label == "" {
		host.Label = host.Hostname
	}
	if err := host.Validate(); err != nil {
		logging.Logger().Fatal("Invalid host", zap.Error(err))
	}

	cfg := loadConfig()
	host = cfg.AddHost(host)
	saveConfig(cfg)
	logging.Logger().Info("Host saved",
		zap.String("id", host.ID),
		zap.String("label", host.Label),
		zap.String("endpoint", host.Endpoint()))
}

func saveConfig(cfg *config.Config) {
	path := config.Path(configPath)
	if err := cfg.Validate(); err != nil {
		logging.Logger().Fatal("Refusing to save invalid configuration", zap.Error(err))
	}
	if err := cfg.Save(path); err != nil {
		logging.Logger().Fatal("Failed to save configuration", zap.String("path", path), zap.Error(err))
	}
}
