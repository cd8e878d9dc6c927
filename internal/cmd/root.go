package cmd

import (
	"strings"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/config"
	"github.com/florasync/florasync/internal/observability"
)

var (
	cfgFile string
	verbose bool

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// overrideKeys are the viper keys bound to flags. Only flags the user set
// reach the config as runtime overrides.
var overrideKeys = []string{
	"server.host",
	"server.port",
	"logging.level",
	"importer.max_items_per_run",
	"importer.interval",
	"rate_limit_backend",
}

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Botanical catalog sync engine",
	Long: `florasync imports the external botanical catalog into the local content
store, serves delta sync to mobile clients, and protects accounts and
upstream quotas.

Use the subcommands to perform specific operations.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Disable global telemetry early to prevent config loading from emitting
	// metrics to stdout. Server mode will initialize proper telemetry later.
	disabledConfig := &telemetry.Config{Enabled: false}
	if sys, err := telemetry.NewSystem(disabledConfig); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/florasync/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig pins the config file and initializes the CLI logger. Config
// itself is loaded by each command through config.Load.
func initConfig() {
	observability.InitCLILogger(config.AppName, verbose)

	config.SetConfigFile(cfgFile)
	if path := config.ConfigFileUsed(); path != "" {
		observability.CLILogger.Debug("Using config file", zap.String("path", path))
	} else {
		observability.CLILogger.Debug("No config file found, using defaults and environment variables")
	}
}

// runtimeOverrides collects flag values the user set, as a nested map for
// config.Load.
func runtimeOverrides() map[string]any {
	out := map[string]any{}
	for _, key := range overrideKeys {
		if !viper.IsSet(key) {
			continue
		}
		setPath(out, strings.Split(key, "."), viper.Get(key))
	}
	if verbose {
		setPath(out, []string{"logging", "level"}, "debug")
	}
	return out
}

func setPath(dst map[string]any, path []string, value any) {
	for _, part := range path[:len(path)-1] {
		next, ok := dst[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			dst[part] = next
		}
		dst = next
	}
	dst[path[len(path)-1]] = value
}
