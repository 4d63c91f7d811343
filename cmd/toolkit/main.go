package main

import (
	"github.com/spf13/cobra"
)

var cliName = "toolkit"

var rootCmd = &cobra.Command{
	Use:   cliName,
	Short: "toolkit is a CLI for walletd operators",
	Long:  `toolkit is a CLI for walletd operators executing mundane tasks`,
	Args:  cobra.ExactArgs(0),
}

func main() {
	rootCmd.Execute() //nolint
}

func init() {
	rootCmd.AddCommand(walletCmd)
	rootCmd.AddCommand(gasPriceBumperCmd)

	walletCreateCmd.Flags().String("filename", "privatekey.hex", "Filename to store hex representation of private key")
	walletCmd.AddCommand(walletCreateCmd)
	walletCmd.AddCommand(walletAddressCmd)

	walletImportCmd.Flags().String("keystore-dir", ".walletd/keystore", "Directory of the keystore")
	walletImportCmd.Flags().String("passphrase", "", "Passphrase encrypting the imported key")
	walletCmd.AddCommand(walletImportCmd)

	gasPriceBumperCmd.PersistentFlags().String("privatekey", "", "the private key used to sign the replacement")
	gasPriceBumperCmd.PersistentFlags().String("gateway", "", "URL of an Ethereum node API (i.e: Alchemy/Infura)")
}
