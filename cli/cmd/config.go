package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage configuration from all sources (config file, environment variables, flags).`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the effective configuration. Sensitive values are masked.`,
	RunE:  runConfigView,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long:  `Get a configuration value. The key uses dot notation (e.g., store.type).`,
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  `Set a configuration value in the config file. The key uses dot notation (e.g., store.type).`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	Long:  `Create a configuration file with default values in the home directory.`,
	RunE:  runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigView(cmd *cobra.Command, args []string) error {
	settings := maskSensitive(viper.AllSettings())

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Printf("# config file: %s\n", used)
	} else {
		fmt.Println("# no config file in use (defaults, flags and environment only)")
	}
	fmt.Print(string(data))
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key %q is not set", key)
	}
	if isSensitiveKey(key) {
		fmt.Println("********")
		return nil
	}
	fmt.Println(viper.Get(key))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if isSensitiveKey(key) {
		return fmt.Errorf("refusing to write %q to the config file; use the TRESOR_%s environment variable instead",
			key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}

	viper.Set(key, value)
	if err := viper.WriteConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return fmt.Errorf("no config file exists yet, run 'tresor config init' first")
		}
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Set %s = %s\n", key, value)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to resolve home directory: %w", err)
	}
	path := filepath.Join(home, ".tresor.yaml")

	if _, err = os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	defaults := map[string]interface{}{
		"store": map[string]interface{}{
			"type": "filesystem",
			"path": ".tresor",
		},
		"audit": map[string]interface{}{
			"enabled": true,
			"type":    "file",
		},
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to render defaults: %w", err)
	}

	if err = os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Printf("Created %s\n", path)
	return nil
}

// maskSensitive walks the settings tree replacing credential-like values
func maskSensitive(settings map[string]interface{}) map[string]interface{} {
	masked := make(map[string]interface{}, len(settings))
	for key, value := range settings {
		if nested, ok := value.(map[string]interface{}); ok {
			masked[key] = maskSensitive(nested)
			continue
		}
		if isSensitiveKey(key) && value != "" && value != nil {
			masked[key] = "********"
			continue
		}
		masked[key] = value
	}
	return masked
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range []string{"passphrase", "password", "secret", "access_key", "token"} {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
