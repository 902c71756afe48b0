package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

func envString(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if ok {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
		return fallback
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
		return fallback
	}
	return fallback
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

var (
	flagLogLevel  string
	flagConfig    string
	flagCacheRoot string
)

var rootCmd = &cobra.Command{
	Use:   "ghfs",
	Short: "ghfs mounts GitHub repositories as a read-only filesystem",
	Long: `ghfs presents GitHub repositories as a read-only, on-demand mounted
filesystem. Accessing <mount>/<owner>/<repo>/... transparently triggers a
shallow clone and serves files from an immutable cached worktree.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if v, ok := levelStrings[strings.ToLower(flagLogLevel)]; ok {
			loggerLevel.Set(v)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", envString("LOG_LEVEL", "info"), "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", envString("GHFS_CONFIG", ""), "Absolute path to the config file")
	rootCmd.PersistentFlags().StringVar(&flagCacheRoot, "cache-root", envString("GHFS_CACHE_ROOT", ""), "Cache root directory (default: $XDG_CACHE_HOME/ghfs)")

	rootCmd.AddCommand(
		mountCmd,
		statusCmd,
		syncCmd,
		unshallowCmd,
		reshallowCmd,
		stopCmd,
		doctorCmd,
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ghfs version",
	Run: func(cmd *cobra.Command, args []string) {
		info, _ := debug.ReadBuildInfo()
		fmt.Printf("version=%s go=%s\n", version(), info.GoVersion)
	},
}
