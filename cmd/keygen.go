package cmd

import (
	"fmt"

	"keyjawn/internal/identity"
	"keyjawn/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var keygenForce bool

// keygenCmd represents the keygen command
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create or show the Ed25519 identity key",
	Long: `Create the Ed25519 identity key at identity_key if it does not exist and print
its public half, ready to append to the host's ~/.ssh/authorized_keys.
--force replaces an existing key.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		path := cfg.IdentityKey

		var (
			pair *identity.KeyPair
			err  error
		)
		if keygenForce {
			pair, err = identity.Regenerate(path)
		} else {
			pair, err = identity.LoadOrGenerate(path)
		}
		if err != nil {
			logging.Logger().Fatal("Failed to prepare identity key", zap.String("path", path), zap.Error(err))
		}

		fp, err := pair.Fingerprint()
		if err != nil {
			logging.Logger().Fatal("Failed to fingerprint identity key", zap.Error(err))
		}
		logging.Logger().Info("Identity key ready",
			zap.String("path", pair.PrivateKeyPath),
			zap.String("fingerprint", fp))

		fmt.Println(pair.PublicKey)
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().BoolVarP(&keygenForce, "force", "f", false, "replace an existing key")
}
