package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"southwinds.dev/tresor"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage encryption keys",
	Long:  "Generate, rotate, retire and inspect encryption keys.",
}

var generateKeyCmd = &cobra.Command{
	Use:   "generate [purpose]",
	Short: "Generate a new key",
	Long:  "Generate key material for a purpose through the provider registry. The first key of a purpose becomes its active key.",
	Args:  cobra.ExactArgs(1),
	RunE:  generateKey,
}

var listKeysCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys",
	Long:  "List key metadata, newest first. Key material is never shown.",
	RunE:  listKeys,
}

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate [key-id]",
	Short: "Rotate a key",
	Long:  "Replace a key with fresh material under a new key ID. The old key stays available for decryption until retired.",
	Args:  cobra.ExactArgs(1),
	RunE:  rotateKey,
}

var retireKeyCmd = &cobra.Command{
	Use:   "retire [key-id]",
	Short: "Retire a key",
	Long:  "Permanently destroy a key's material. Anything still encrypted under it becomes unrecoverable; the active key of a purpose must be rotated out first.",
	Args:  cobra.ExactArgs(1),
	RunE:  retireKey,
}

var activeKeyCmd = &cobra.Command{
	Use:   "active [purpose]",
	Short: "Show the active key for a purpose",
	Args:  cobra.ExactArgs(1),
	RunE:  showActiveKey,
}

var (
	keyAlgorithm string
	keyBits      int
	confirmWipe  bool
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(generateKeyCmd)
	keysCmd.AddCommand(listKeysCmd)
	keysCmd.AddCommand(rotateKeyCmd)
	keysCmd.AddCommand(retireKeyCmd)
	keysCmd.AddCommand(activeKeyCmd)

	generateKeyCmd.Flags().StringVar(&keyAlgorithm, "algorithm", "", "AEAD suite (AES-256-GCM, AES-192-GCM, AES-128-GCM, ChaCha20-Poly1305)")
	generateKeyCmd.Flags().IntVar(&keyBits, "bits", 0, "key size in bits (128, 192, 256)")

	retireKeyCmd.Flags().BoolVar(&confirmWipe, "yes", false, "confirm the irreversible destruction of key material")

	listKeysCmd.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	activeKeyCmd.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")
}

func generateKey(cmd *cobra.Command, args []string) error {
	metadata, err := core.GenerateKey(args[0], tresor.Algorithm(keyAlgorithm), keyBits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	fmt.Printf("Key generated for purpose '%s'\n", args[0])
	fmt.Printf("Key ID: %s\n", metadata.KeyID)
	fmt.Printf("Algorithm: %s (%d bits)\n", metadata.Algorithm, metadata.Bits)
	fmt.Printf("Provider: %s\n", metadata.ProviderID)
	fmt.Printf("Status: %s\n", metadata.Status)
	return nil
}

func listKeys(cmd *cobra.Command, args []string) error {
	keys, err := core.ListKeys()
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	if outputJSON {
		return printJSON(keys)
	}

	if len(keys) == 0 {
		fmt.Println("No keys found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tPURPOSES\tALGORITHM\tSTATUS\tENC/DEC\tCREATED")
	for _, key := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			key.KeyID,
			strings.Join(key.Purposes, ","),
			key.Algorithm,
			key.Status,
			key.Usage.EncryptCount,
			key.Usage.DecryptCount,
			key.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func rotateKey(cmd *cobra.Command, args []string) error {
	metadata, err := core.RotateKey(args[0])
	if err != nil {
		return fmt.Errorf("failed to rotate key: %w", err)
	}

	fmt.Printf("Key %s rotated\n", args[0])
	fmt.Printf("Replacement Key ID: %s\n", metadata.KeyID)
	fmt.Printf("Purposes: %s\n", strings.Join(metadata.Purposes, ", "))
	return nil
}

func retireKey(cmd *cobra.Command, args []string) error {
	if !confirmWipe {
		return fmt.Errorf("retiring destroys key material irreversibly; re-run with --yes to confirm")
	}

	if err := core.RetireKey(args[0]); err != nil {
		return fmt.Errorf("failed to retire key: %w", err)
	}
	fmt.Printf("Key %s retired, material destroyed\n", args[0])
	return nil
}

func showActiveKey(cmd *cobra.Command, args []string) error {
	metadata, err := core.ActiveKey(args[0])
	if err != nil {
		return fmt.Errorf("failed to look up active key: %w", err)
	}

	if outputJSON {
		return printJSON(metadata)
	}

	fmt.Printf("Purpose: %s\n", args[0])
	fmt.Printf("Key ID: %s\n", metadata.KeyID)
	fmt.Printf("Algorithm: %s (%d bits)\n", metadata.Algorithm, metadata.Bits)
	fmt.Printf("Created: %s\n", metadata.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Usage: %d encrypts, %d decrypts\n", metadata.Usage.EncryptCount, metadata.Usage.DecryptCount)
	return nil
}
