package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/florasync/florasync/internal/config"
	"github.com/florasync/florasync/internal/core/store"
	errwrap "github.com/florasync/florasync/internal/errors"
	"github.com/florasync/florasync/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on the system and suggest fixes for common issues.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		logger := observability.CLILogger
		logger.Info("=== " + config.AppName + " doctor ===")
		logger.Info("")
		logger.Info("Running diagnostic checks...")
		logger.Info("")

		allChecks := true
		totalChecks := 7
		step := func(n int, name string) string {
			return fmt.Sprintf("[%d/%d] Checking %s...", n, totalChecks, name)
		}

		goVersion := runtime.Version()
		logger.Info(step(1, "Go runtime")+" ✅ "+goVersion,
			zap.String("go_version", goVersion),
			zap.String("os", runtime.GOOS),
			zap.String("arch", runtime.GOARCH))

		version := crucible.GetVersion()
		if version.Crucible == "" || version.Gofulmen == "" {
			logger.Error(step(2, "Crucible/Gofulmen") + " ❌ unavailable")
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible", errwrap.NewExternalServiceError("Crucible service unavailable"))
		}
		logger.Info(fmt.Sprintf("%s ✅ gofulmen v%s, crucible v%s", step(2, "Crucible/Gofulmen"), version.Gofulmen, version.Crucible))

		cfg, cfgErr := config.Load(ctx, runtimeOverrides())
		if cfgErr != nil {
			logger.Error(step(3, "configuration")+" ❌ invalid", zap.Error(cfgErr))
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", cfgErr)
			return
		}
		source := config.ConfigFileUsed()
		if source == "" {
			source = "defaults + environment"
		}
		logger.Info(step(3, "configuration")+" ✅ "+source, zap.String("config_file", source))

		db, err := openStoreWith(ctx, cfg.Store)
		if err != nil {
			logger.Error(step(4, "store")+" ❌ "+describeStore(cfg.Store), zap.Error(err))
			allChecks = false
		} else {
			cursors, listErr := db.ListCursors(ctx)
			_ = db.Close()
			if listErr != nil {
				logger.Warn(step(4, "store")+" ⚠️  cursors unreadable", zap.Error(listErr))
				allChecks = false
			} else {
				logger.Info(fmt.Sprintf("%s ✅ %s (%d import cursors)", step(4, "store"), describeStore(cfg.Store), len(cursors)))
			}
		}

		if !cfg.Redis.Enabled() {
			logger.Info(step(5, "redis") + " ✅ disabled (in-process windows and run lock)")
		} else if rs, err := store.OpenRedis(ctx, cfg.Redis); err != nil {
			logger.Error(step(5, "redis")+" ❌ unreachable", zap.Error(err))
			allChecks = false
		} else {
			_ = rs.Close()
			logger.Info(step(5, "redis") + " ✅ reachable")
		}

		switch {
		case strings.TrimSpace(cfg.Catalog.BaseURL) == "":
			logger.Warn(step(6, "catalog") + " ⚠️  base_url not set (importer disabled)")
			allChecks = false
		case strings.TrimSpace(cfg.Catalog.APIKey) == "":
			logger.Warn(step(6, "catalog")+" ⚠️  api_key not set ("+config.EnvPrefix+"CATALOG_API_KEY)", zap.String("base_url", cfg.Catalog.BaseURL))
			allChecks = false
		default:
			logger.Info(step(6, "catalog")+" ✅ "+cfg.Catalog.Provider, zap.String("base_url", cfg.Catalog.BaseURL))
		}

		if creds := adminCredentials(cfg.Admin); len(creds) == 0 {
			logger.Warn(step(7, "admin tokens") + " ⚠️  none configured (/admin routes disabled)")
			allChecks = false
		} else {
			logger.Info(fmt.Sprintf("%s ✅ %d token(s)", step(7, "admin tokens"), len(creds)))
		}

		logger.Info("")
		if allChecks {
			logger.Info("✅ All checks passed! Your " + config.AppName + " installation is healthy.")
		} else {
			logger.Warn("⚠️  Some checks failed. Review the output above for details.")
		}
		logger.Info("")
		logger.Info("=== End Diagnostics ===")
	},
}

var doctorInitForce bool

var doctorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the built-in defaults to the user config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}
		if fileExists(configPath) && !doctorInitForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
		}

		data, err := yaml.Marshal(config.Defaults())
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		if err := os.WriteFile(configPath, data, 0o600); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}
		observability.CLILogger.Info("Config written", zap.String("path", configPath))
		return nil
	},
}

var doctorConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Context(), runtimeOverrides())
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return err
		}
		source := config.ConfigFileUsed()
		if source == "" {
			source = "(none)"
		}
		fmt.Printf("# config file: %s\n", source)
		fmt.Printf("# data dir:    %s\n", config.DefaultDataDir())
		_, err = os.Stdout.Write(data)
		return err
	},
}

var doctorValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the current config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.ConfigFileUsed()
		if configPath == "" {
			return fmt.Errorf("no config file found (run '%s doctor init')", config.AppName)
		}
		if _, err := config.Load(cmd.Context()); err != nil {
			return err
		}
		observability.CLILogger.Info("Config is valid", zap.String("path", configPath))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.AddCommand(doctorInitCmd)
	doctorCmd.AddCommand(doctorConfigCmd)
	doctorCmd.AddCommand(doctorValidateCmd)

	doctorInitCmd.Flags().BoolVar(&doctorInitForce, "force", false, "overwrite existing config file")
}

func describeStore(cfg config.StoreConfig) string {
	if cfg.URL != "" {
		return "remote libsql"
	}
	path := cfg.Path
	if path == "" {
		path = config.DefaultStorePath()
	}
	abs, _ := filepath.Abs(path)
	if info, err := os.Stat(abs); err == nil {
		return fmt.Sprintf("%s (%s, modified %s)", abs, formatFileSize(info.Size()), info.ModTime().UTC().Format(time.RFC3339))
	}
	return abs
}

// formatFileSize returns a human-readable file size
func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
