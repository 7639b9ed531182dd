// Package cli implements the slb command-line interface: session lifecycle,
// request submission, review, execution, rollback, and daemon control.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	flagSessionID string
	flagConfig    string
	flagOutput    string
	flagDB        string
	flagJSON      bool
	flagProject   string
)

// rootCmd is the entrypoint cobra.Command every subcommand attaches to via
// its own init().
var rootCmd = &cobra.Command{
	Use:           "slb",
	Short:         "Simultaneous Launch Button: two-person-rule authorization for agent shell commands",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagSessionID, "session-id", "s", os.Getenv("SLB_SESSION_ID"), "acting session ID")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to slb.toml (defaults to <project>/.slb/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "output format: text or json")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "path to the project state database (defaults to <project>/.slb/state.db)")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "shorthand for --output json")
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "C", "", "project directory (defaults to the current working directory)")
}

// Execute runs the root command; this is what cmd/slb/main.go calls.
func Execute() error {
	return rootCmd.Execute()
}

// GetOutput returns the effective output format, honoring --json as an alias
// for --output json.
func GetOutput() string {
	if flagJSON {
		return "json"
	}
	if flagOutput == "" {
		return "text"
	}
	return flagOutput
}

// GetDB returns the path to the project's state database, honoring an
// explicit --db override before falling back to <project>/.slb/state.db.
func GetDB() string {
	if flagDB != "" {
		return flagDB
	}
	project, err := projectPath()
	if err != nil {
		project = "."
	}
	return filepath.Join(project, ".slb", "state.db")
}

// projectPath resolves the project root: --project/-C, then SLB_PROJECT, then cwd.
func projectPath() (string, error) {
	if flagProject != "" {
		return flagProject, nil
	}
	if env := os.Getenv("SLB_PROJECT"); env != "" {
		return env, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	return cwd, nil
}
