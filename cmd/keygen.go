package cmd

import (
	"fmt"

	"github.com/FluidXR/frameolink/internal/adb"
	"github.com/FluidXR/frameolink/internal/config"

	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create the ADB pairing key if missing and print its public half",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ks := cfg.KeyStore()
		key, created, err := adb.LoadOrGenerate(ks)
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("Created key at %s\n", ks.PrivatePath())
		} else {
			fmt.Printf("Key at %s\n", ks.PrivatePath())
		}
		fmt.Println(adb.FormatPublicKey(&key.PublicKey, ks.Name))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
