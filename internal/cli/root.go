// Package cli implements the content-engine CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rcliao/content-engine/internal/config"
)

var (
	dbPath    string
	dataDir   string
	typesFile string
	logLevel  string
	logJSON   bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "content-engine",
	Short: "Versioned course content engine",
	Long: "Revisioned content packages backed by SQLite, a dependency graph between resources, " +
		"objectives, skills and web assets, and git working copies kept in sync both ways.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $CONTENT_ENGINE_DB or <data>/content.db)")
	RootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "Data directory for working copies, volumes and remotes (default: $CONTENT_ENGINE_DATA or ~/.content-engine)")
	RootCmd.PersistentFlags().StringVar(&typesFile, "types", "", "Resource type registry YAML (default: built-in)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (default: $CONTENT_ENGINE_LOG_LEVEL or info)")
	RootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON")
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() *config.Config {
	cfg := config.FromEnv()
	if dataDir != "" {
		cfg.DataDir = dataDir
		if os.Getenv("CONTENT_ENGINE_DB") == "" {
			cfg.DBPath = filepath.Join(dataDir, "content.db")
		}
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if typesFile != "" {
		cfg.TypesFile = typesFile
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logJSON {
		cfg.LogJSON = true
	}
	return cfg
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
