package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/remedyhq/remedy/internal/lifecycle"
	"github.com/remedyhq/remedy/internal/llm"
	"github.com/remedyhq/remedy/internal/output"
	"github.com/remedyhq/remedy/internal/similarity"
	"github.com/remedyhq/remedy/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	logger    *slog.Logger
	dataStore store.Store
	simIndex  *similarity.StoreIndex

	verbose bool
	dryRun  bool

	buildVersion string
	buildCommit  string
	buildDate    string
)

var rootCmd = &cobra.Command{
	Use:   "remedy",
	Short: "Remedy - debugging sessions for pipeline and quality-gate failures",
	Long: `remedy ingests failure events from CI pipelines and code-quality
analyzers, opens bounded-lifetime debugging sessions for them, and tracks
iterative fix attempts until each failure is resolved, abandoned, or the
session expires.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	closeDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/remedy/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "remedy")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("REMEDY")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "remedy")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "remedy.db"))
	viper.SetDefault("port", 8080)
	viper.SetDefault("session.ttl", "4h")
	viper.SetDefault("session.retry_ceiling", lifecycle.DefaultRetryCeiling)
	viper.SetDefault("sweeper.interval", "1m")
	viper.SetDefault("similarity.limit", 5)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Store is opened lazily — only when commands actually need it, so
	// config/version commands run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getManager builds the lifecycle manager and its similarity index on top of
// the shared store.
func getManager() (*lifecycle.Manager, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	if simIndex == nil {
		simIndex = similarity.NewStoreIndex(s, logger)
	}

	cfg := lifecycle.Config{
		SessionTTL:   viper.GetDuration("session.ttl"),
		RetryCeiling: viper.GetInt("session.retry_ceiling"),
	}
	return lifecycle.NewManager(s, simIndex, logger, cfg), nil
}

// getLLM returns an LLM client, or nil when no API key is configured.
func getLLM() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}

// closeDeps flushes the similarity index and closes the store. Called by
// long-running commands on shutdown.
func closeDeps() {
	if simIndex != nil {
		simIndex.Close()
	}
	if dataStore != nil {
		_ = dataStore.Close()
	}
}

// shortID trims a ULID for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatAge renders a duration since t for table display.
func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
