package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cortex/internal/config"
	"cortex/internal/secret"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt <value>",
	Short: "Seal a secret for use in a config file",
	Long: `Encrypts a sensitive value under the passphrase in CORTEX_MASTER_KEY and
prints a token suitable for a config file, e.g.:

  "genai_api_key": "` + config.EncryptedPrefix + `<token>"

The daemon decrypts it at startup with the same CORTEX_MASTER_KEY.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase := os.Getenv("CORTEX_MASTER_KEY")
		if passphrase == "" {
			return fmt.Errorf("CORTEX_MASTER_KEY is not set")
		}
		token, err := secret.NewVault(passphrase).Encrypt(args[0])
		if err != nil {
			return err
		}
		fmt.Println(config.EncryptedPrefix + token)
		return nil
	},
}
