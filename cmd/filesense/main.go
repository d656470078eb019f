package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"filesense/internal/app"
	"filesense/internal/config"
	"filesense/internal/encryption"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file from the default location.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a FileSenseApp. The caller must defer app.Close().
// command identifies the CLI command being run (e.g. "Scan", "ExecutePlan").
func newApp(cmd *cobra.Command, command, parameters string, roots ...string) (*app.FileSenseApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewFileSenseApp(cmd.Context(), cfg, app.Invocation{
		Command:    command,
		Parameters: parameters,
		ScanRoots:  roots,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:           "filesense",
	Short:         "Classify and organize personal documents, with full undo",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])
		if roots, _ := cmd.Flags().GetStringSlice("root"); len(roots) > 0 {
			cfg.Scan.Roots = roots
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:     %s\n", cfg.HostID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Database:    %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Roots:       %v\n", cfg.Scan.Roots)
		fmt.Printf("Classifier:  %s %s\n", cfg.Classifier.Type, cfg.Classifier.Model)
		fmt.Printf("Plan:        %s/%s threshold %.2f\n", cfg.Plan.Style, cfg.Plan.Depth, cfg.Plan.Threshold)
		fmt.Printf("Encryption:  %s\n", cfg.Encryption.Type)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:       %s (%s)\n", v.Name, v.Type)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the age key pair used for snapshots and session logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		passphrase, err := readPassphrase("Passphrase: ", true)
		if err != nil {
			return err
		}
		enc := encryption.NewAgeEncryptor(cfg.Encryption)
		if err := enc.Setup(passphrase); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s (passphrase protected)\n", cfg.Encryption.PrivateKeyPath)
		if cfg.Encryption.Type != "age" {
			fmt.Println(`Set [encryption] type = "age" to encrypt snapshots.`)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the workflow phase and classification progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Status", "")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Status()
		if err != nil {
			return err
		}
		printStatus(report)
		return nil
	},
}

// reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Return the workflow to READY, keeping all history",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Reset", "")
		if err != nil {
			return err
		}
		defer a.Close()

		phase, err := a.Reset()
		if err != nil {
			return err
		}
		fmt.Printf("Phase: %s\n", phase)
		return nil
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage ledger snapshots",
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace the local ledger with the vault snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		passphrase := ""
		if cfg.Encryption.Type == "age" {
			passphrase, err = readPassphrase("Passphrase: ", false)
			if err != nil {
				return err
			}
		}
		version, err := app.RestoreSnapshot(cmd.Context(), cfg, passphrase)
		if err != nil {
			return err
		}
		fmt.Printf("Restored ledger snapshot version %d\n", version)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the ledger database",
}

var dbSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the live schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Schema", "")
		if err != nil {
			return err
		}
		defer a.Close()

		schema, err := a.Schema()
		if err != nil {
			return err
		}
		fmt.Print(schema)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().StringSlice("root", nil, "Directory to organize (repeatable)")
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	dbCmd.AddCommand(dbSchemaCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(dbCmd)
}
