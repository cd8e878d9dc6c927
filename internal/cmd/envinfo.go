package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/config"
	"github.com/florasync/florasync/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display comprehensive environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()

		observability.CLILogger.Info("=== florasync Environment Information ===")
		observability.CLILogger.Info("")

		// Application Info
		observability.CLILogger.Info("Application:")
		observability.CLILogger.Info("  Name:       " + config.AppName)
		observability.CLILogger.Info("  Version:    " + versionInfo.Version)
		observability.CLILogger.Info("  Commit:     " + versionInfo.Commit)
		observability.CLILogger.Info("  Built:      " + versionInfo.BuildDate)
		observability.CLILogger.Info("")

		// SSOT Info
		observability.CLILogger.Info("SSOT:")
		observability.CLILogger.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		observability.CLILogger.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		observability.CLILogger.Info("")

		// Runtime Info
		observability.CLILogger.Info("Runtime:")
		observability.CLILogger.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		observability.CLILogger.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		observability.CLILogger.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		observability.CLILogger.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		observability.CLILogger.Info("")

		cfg, err := config.Load(cmd.Context(), runtimeOverrides())
		if err != nil {
			observability.CLILogger.Warn("Config load failed", zap.Error(err))
			return
		}

		// Configuration
		observability.CLILogger.Info("Configuration:")
		observability.CLILogger.Info("  Server Host:    "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		observability.CLILogger.Info(fmt.Sprintf("  Server Port:    %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		observability.CLILogger.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		observability.CLILogger.Info("  Log Profile:    "+cfg.Logging.Profile, zap.String("log_profile", cfg.Logging.Profile))
		observability.CLILogger.Info("  DB Driver:      "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			observability.CLILogger.Info("  DB URL:         "+cfg.Store.URL, zap.String("db_url", cfg.Store.URL))
		} else {
			observability.CLILogger.Info("  DB Path:        "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
		}
		observability.CLILogger.Info(fmt.Sprintf("  Metrics Port:   %d", cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		observability.CLILogger.Info("  Config File:    "+config.ConfigFileUsed(), zap.String("config_file", config.ConfigFileUsed()))
		observability.CLILogger.Info("")

		observability.CLILogger.Info("Sync Engine:")
		observability.CLILogger.Info("  Catalog:        "+cfg.Catalog.Provider+" "+cfg.Catalog.BaseURL, zap.String("catalog_provider", cfg.Catalog.Provider))
		observability.CLILogger.Info("  Collection:     "+cfg.Importer.Collection, zap.String("collection", cfg.Importer.Collection))
		observability.CLILogger.Info(fmt.Sprintf("  Page Size:      %d", cfg.Importer.PageSize))
		observability.CLILogger.Info(fmt.Sprintf("  Items Per Run:  %d", cfg.Importer.MaxItemsPerRun))
		observability.CLILogger.Info(fmt.Sprintf("  Enrichment:     v%d", cfg.Importer.EnrichmentVersion))
		observability.CLILogger.Info("  Rate Backend:   "+cfg.RateLimitBackend, zap.String("rate_limit_backend", cfg.RateLimitBackend))
		observability.CLILogger.Info(fmt.Sprintf("  Redis:          %t", cfg.Redis.Enabled()))
		observability.CLILogger.Info(fmt.Sprintf("  Breaker:        %d failures / %s", cfg.Breaker.Threshold, cfg.Breaker.Cooldown))
		observability.CLILogger.Info(fmt.Sprintf("  Lockout:        %d attempts / %s", cfg.Protection.MaxAttempts, cfg.Protection.LockoutDuration))
		observability.CLILogger.Info(fmt.Sprintf("  Sync:           %s (max %d per collection)", strings.Join(cfg.DeltaSync.Collections, ", "), cfg.DeltaSync.MaxPerCollection))
		observability.CLILogger.Info("")

		observability.CLILogger.Info("=== End Environment Information ===")
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
