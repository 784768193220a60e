package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show core status",
	Long:  "Display provider health, entity counts and the memory protection level in effect.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Tresor Status")
	fmt.Println("=============")

	fmt.Printf("Memory Protection: %s\n", core.MemoryProtection())

	health, err := core.Health()
	if err != nil {
		return fmt.Errorf("failed to read health: %w", err)
	}

	fmt.Printf("Keys: %d\n", health.Keys)
	fmt.Printf("Secrets: %d\n", health.Secrets)

	fmt.Println("\nProviders:")
	for _, info := range health.Providers {
		marker := " "
		if info.Default {
			marker = "*"
		}
		fmt.Printf("  %s %s (%s) status=%s priority=%d\n",
			marker, info.ID, info.Kind, info.Status, info.Priority)
	}

	fmt.Printf("\nStore: %s (%s)\n", storePath, viper.GetString("store.type"))
	return nil
}
