package cmd

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"southwinds.dev/tresor"
	"southwinds.dev/tresor/audit"
	"southwinds.dev/tresor/persist"
)

var (
	cfgFile      string
	storePath    string
	passphrase   string
	policiesFile string

	core        *tresor.Core
	auditLogger audit.Logger
	cliContext  *CLIContext
)

// CLIContext identifies the invoking session for audit attribution
type CLIContext struct {
	UserID    string
	SessionID string
	Source    string
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tresor",
	Short: "Key and secret management core",
	Long: `Manage encryption keys and application secrets: envelope encryption under
rotating keys, category policies, scheduled rotation and a tamper-evident
audit trail. State lives in a local directory or an S3 bucket, sealed under
a passphrase-derived key.`,
	PersistentPreRunE: initializeCore,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if core != nil {
			return core.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tresor.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store-path", "p", "", "path to local storage")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "store passphrase (or use TRESOR_PASSPHRASE env var)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, s3, memory)")
	rootCmd.PersistentFlags().StringVar(&policiesFile, "policies", "", "YAML file declaring secret category policies")

	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("store.passphrase", "passphrase")
	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("store.policies", "policies")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, memory)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")

	// Rotation flags
	rootCmd.PersistentFlags().Duration("key-rotation-interval", 0, "age at which active keys become due for rotation (0 disables)")
	rootCmd.PersistentFlags().Int("audit-retention-days", 0, "days to keep audit events before pruning (0 keeps forever)")

	bindFlagOrPanic("rotation.key_interval", "key-rotation-interval")
	bindFlagOrPanic("audit.retention_days", "audit-retention-days")
}

func bindFlagOrPanic(configKey, flagName string) {
	var flag *pflag.Flag
	if flag = rootCmd.PersistentFlags().Lookup(flagName); flag == nil {
		panic(fmt.Sprintf("unknown flag %s", flagName))
	}
	if err := viper.BindPFlag(configKey, flag); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/tresor")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".tresor")
	}

	viper.SetEnvPrefix("TRESOR")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// missing config file is fine, defaults and env vars apply
	}
}

func setDefaults() {
	viper.SetDefault("store.path", ".tresor")
	viper.SetDefault("store.type", "filesystem")

	viper.SetDefault("store.s3.region", "us-east-1")
	viper.SetDefault("store.s3.prefix", "tresor/")
	viper.SetDefault("store.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeCore(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "config" {
		return nil
	}

	storePath = viper.GetString("store.path")

	// audit file rides next to the store unless pointed elsewhere
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, "audit.log"))
	}

	passphrase = viper.GetString("store.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("TRESOR_PASSPHRASE")
	}
	if passphrase == "" {
		return fmt.Errorf("store passphrase is required. Use --passphrase flag or TRESOR_PASSPHRASE environment variable")
	}

	policies, err := loadPolicies(viper.GetString("store.policies"))
	if err != nil {
		return err
	}

	options := tresor.DefaultOptions()
	options.DerivationPassphrase = passphrase
	options.EnvPassphraseVar = "TRESOR_PASSPHRASE"
	options.CategoryPolicies = policies
	options.KeyRotationInterval = viper.GetDuration("rotation.key_interval")
	options.AuditRetentionDays = viper.GetInt("audit.retention_days")
	// one-shot process, rotation runs on demand not in the background
	options.SchedulerInterval = 0

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: uuid.New().String(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err := createStore(viper.GetString("store.type"))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	core, err = tresor.New(options, store, auditLogger, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	return nil
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
	})
}

func createStore(storeType string) (persist.Store, error) {
	switch strings.ToLower(storeType) {
	case "filesystem", "file":
		path := viper.GetString("store.path")
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		return persist.NewFileSystemStore(path)

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("store.s3.endpoint"),
			AccessKeyID:     viper.GetString("store.s3.access_key_id"),
			SecretAccessKey: viper.GetString("store.s3.secret_access_key"),
			Bucket:          viper.GetString("store.s3.bucket"),
			KeyPrefix:       viper.GetString("store.s3.prefix"),
			UseSSL:          viper.GetBool("store.s3.use_ssl"),
			Region:          viper.GetString("store.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3Store(s3Config)

	case "memory":
		return persist.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, s3, memory", storeType)
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "store.s3.bucket")
	}
	if config.Region == "" {
		missing = append(missing, "store.s3.region")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""
	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "store.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "store.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// categoryPolicyDoc is the YAML shape of one category declaration
type categoryPolicyDoc struct {
	Name               string   `yaml:"name"`
	EncryptionRequired bool     `yaml:"encryption_required"`
	Rotation           string   `yaml:"rotation"`
	RotationInterval   string   `yaml:"rotation_interval"`
	RetentionDays      int      `yaml:"retention_days"`
	RequiredScopes     []string `yaml:"required_scopes"`
	Format             string   `yaml:"format"`
	Purpose            string   `yaml:"purpose"`
}

// loadPolicies reads category policy declarations from a YAML file
func loadPolicies(path string) ([]tresor.CategoryPolicy, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policies file: %w", err)
	}

	var doc struct {
		Categories []categoryPolicyDoc `yaml:"categories"`
	}
	if err = yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policies file %s: %w", path, err)
	}

	policies := make([]tresor.CategoryPolicy, 0, len(doc.Categories))
	for _, entry := range doc.Categories {
		policy := tresor.CategoryPolicy{
			Name:               entry.Name,
			EncryptionRequired: entry.EncryptionRequired,
			Rotation:           tresor.RotationMode(entry.Rotation),
			RetentionDays:      entry.RetentionDays,
			RequiredScopes:     entry.RequiredScopes,
			Format:             tresor.ValueFormat(entry.Format),
			Purpose:            entry.Purpose,
		}
		if entry.RotationInterval != "" {
			interval, perr := time.ParseDuration(entry.RotationInterval)
			if perr != nil {
				return nil, fmt.Errorf("category %s: bad rotation_interval: %w", entry.Name, perr)
			}
			policy.RotationInterval = interval
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

// getCurrentUser retrieves the username of the invoking user, falling back
// to the USER environment variable in restricted environments.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown_host"
	}
	return hostname
}
