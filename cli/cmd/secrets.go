package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/tresor"
)

var secretsCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets",
	Long:  "Create, read, rotate and delete secrets under category policies.",
}

var setSecretCmd = &cobra.Command{
	Use:   "set [name]",
	Short: "Create a new secret",
	Long:  "Create a secret under a category policy. The value can be provided via stdin, file, or inline.",
	Args:  cobra.ExactArgs(1),
	RunE:  setSecret,
}

var getSecretCmd = &cobra.Command{
	Use:   "get [name-or-id]",
	Short: "Retrieve a secret",
	Long:  "Retrieve and decrypt a secret, or show its metadata only.",
	Args:  cobra.ExactArgs(1),
	RunE:  getSecret,
}

var rotateSecretCmd = &cobra.Command{
	Use:   "rotate [name-or-id]",
	Short: "Rotate a secret",
	Long:  "Replace the secret's value and re-wrap it under the current active key. Without --data or --file a replacement value is generated in the category's format.",
	Args:  cobra.ExactArgs(1),
	RunE:  rotateSecret,
}

var deleteSecretCmd = &cobra.Command{
	Use:   "delete [name-or-id]",
	Short: "Delete a secret",
	Long:  "Mark a secret deleted and discard its value. Metadata is retained for the audit trail.",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteSecret,
}

var listSecretsCmd = &cobra.Command{
	Use:   "list",
	Short: "List secrets",
	Long:  "List secret metadata with optional filtering by name prefix, category, or status.",
	RunE:  listSecrets,
}

var (
	secretCategory string
	secretTTL      time.Duration
	secretFile     string
	secretData     string
	secretScopes   []string
	metadataOnly   bool
	outputJSON     bool

	filterPrefix   string
	filterCategory string
	filterStatus   string
	limitResults   int
	offsetResults  int
)

func init() {
	rootCmd.AddCommand(secretsCmd)

	secretsCmd.AddCommand(setSecretCmd)
	secretsCmd.AddCommand(getSecretCmd)
	secretsCmd.AddCommand(rotateSecretCmd)
	secretsCmd.AddCommand(deleteSecretCmd)
	secretsCmd.AddCommand(listSecretsCmd)

	setSecretCmd.Flags().StringVarP(&secretCategory, "category", "c", "", "category policy the secret falls under")
	setSecretCmd.Flags().DurationVar(&secretTTL, "ttl", 0, "time to live (0 means the secret does not expire)")
	setSecretCmd.Flags().StringVarP(&secretFile, "file", "f", "", "read secret value from file (use '-' for stdin)")
	setSecretCmd.Flags().StringVarP(&secretData, "data", "d", "", "secret value as string")

	getSecretCmd.Flags().BoolVar(&metadataOnly, "metadata-only", false, "show metadata without decrypting the value")
	getSecretCmd.Flags().StringSliceVar(&secretScopes, "scope", nil, "access scopes held by the caller")
	getSecretCmd.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	rotateSecretCmd.Flags().StringVarP(&secretFile, "file", "f", "", "read replacement value from file (use '-' for stdin)")
	rotateSecretCmd.Flags().StringVarP(&secretData, "data", "d", "", "replacement value as string")

	listSecretsCmd.Flags().StringVar(&filterPrefix, "filter-prefix", "", "filter by name prefix")
	listSecretsCmd.Flags().StringVar(&filterCategory, "filter-category", "", "filter by category")
	listSecretsCmd.Flags().StringVar(&filterStatus, "filter-status", "", "filter by status (active, rotating, expired, deleted)")
	listSecretsCmd.Flags().IntVar(&limitResults, "limit", 0, "limit number of results")
	listSecretsCmd.Flags().IntVar(&offsetResults, "offset", 0, "offset for pagination")
	listSecretsCmd.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")
}

func setSecret(cmd *cobra.Command, args []string) error {
	name := args[0]

	value, err := readSecretValue()
	if err != nil {
		return fmt.Errorf("failed to read secret value: %w", err)
	}

	var ttl *time.Duration
	if secretTTL > 0 {
		ttl = &secretTTL
	}

	metadata, err := core.CreateSecret(name, value, secretCategory, ttl)
	if err != nil {
		return fmt.Errorf("failed to create secret: %w", err)
	}

	fmt.Printf("Secret '%s' created\n", name)
	fmt.Printf("ID: %s, Version: %d, Size: %d bytes, Key ID: %s\n",
		metadata.SecretID, metadata.Version, metadata.Size, metadata.KeyID)
	return nil
}

func getSecret(cmd *cobra.Command, args []string) error {
	result, err := core.GetSecret(args[0], tresor.GetSecretOptions{
		Decrypt: !metadataOnly,
		Actor:   cliContext.UserID,
		Scopes:  secretScopes,
	})
	if err != nil {
		return fmt.Errorf("failed to get secret: %w", err)
	}

	if outputJSON {
		output := map[string]interface{}{
			"metadata":        result.Metadata,
			"version":         result.Version,
			"used_active_key": result.UsedActiveKey,
		}
		if !metadataOnly {
			output["value"] = string(result.Data)
		}
		return printJSON(output)
	}

	meta := result.Metadata
	fmt.Printf("Secret ID: %s\n", meta.SecretID)
	fmt.Printf("Name: %s\n", meta.Name)
	fmt.Printf("Category: %s\n", meta.Category)
	fmt.Printf("Version: %d\n", meta.Version)
	fmt.Printf("Status: %s\n", meta.Status)
	fmt.Printf("Size: %d bytes\n", meta.Size)
	fmt.Printf("Key ID: %s\n", meta.KeyID)
	fmt.Printf("Created: %s\n", meta.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated: %s\n", meta.UpdatedAt.Format("2006-01-02 15:04:05"))
	if meta.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", meta.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Rotations: %d, Accesses: %d\n", meta.RotationCount, meta.AccessCount)

	if !metadataOnly {
		keyStatus := "active"
		if !result.UsedActiveKey {
			keyStatus = "rotated (re-wrap on next rotation)"
		}
		fmt.Printf("Key Status: %s\n", keyStatus)

		fmt.Println("\n--- Value ---")
		fmt.Print(string(result.Data))
		if !strings.HasSuffix(string(result.Data), "\n") {
			fmt.Println()
		}
	}
	return nil
}

func rotateSecret(cmd *cobra.Command, args []string) error {
	var newValue []byte
	if secretData != "" || secretFile != "" {
		value, err := readSecretValue()
		if err != nil {
			return fmt.Errorf("failed to read replacement value: %w", err)
		}
		newValue = value
	}

	metadata, err := core.RotateSecret(args[0], newValue)
	if err != nil {
		return fmt.Errorf("failed to rotate secret: %w", err)
	}

	fmt.Printf("Secret '%s' rotated to version %d\n", metadata.Name, metadata.Version)
	if newValue == nil {
		fmt.Printf("Replacement value generated (%s format)\n", metadata.Format)
	}
	return nil
}

func deleteSecret(cmd *cobra.Command, args []string) error {
	if err := core.DeleteSecret(args[0]); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	fmt.Printf("Secret '%s' deleted\n", args[0])
	return nil
}

func listSecrets(cmd *cobra.Command, args []string) error {
	secrets, err := core.ListSecrets(&tresor.SecretListOptions{
		Prefix:   filterPrefix,
		Category: filterCategory,
		Status:   tresor.SecretStatus(filterStatus),
		Limit:    limitResults,
		Offset:   offsetResults,
	})
	if err != nil {
		return fmt.Errorf("failed to list secrets: %w", err)
	}

	if outputJSON {
		return printJSON(secrets)
	}

	if len(secrets) == 0 {
		fmt.Println("No secrets found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCATEGORY\tVERSION\tSTATUS\tSIZE\tUPDATED")
	for _, secret := range secrets {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
			secret.Name,
			secret.Category,
			secret.Version,
			secret.Status,
			secret.Size,
			secret.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func readSecretValue() ([]byte, error) {
	if secretData != "" {
		return []byte(secretData), nil
	}
	if secretFile != "" {
		if secretFile == "-" {
			return io.ReadAll(os.Stdin)
		}
		return os.ReadFile(secretFile)
	}
	return io.ReadAll(os.Stdin)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
