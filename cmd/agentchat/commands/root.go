// Package commands provides the CLI commands for agentchat.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/telnet2/go-practice/agentstream/internal/config"
	"github.com/telnet2/go-practice/agentstream/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
	serverURL string
	noColor   bool
	showEvent bool
)

// loaded is the configuration resolved by PersistentPreRunE.
var loaded *config.Config

var rootCmd = &cobra.Command{
	Use:   "agentchat",
	Short: "Chat with a streaming research agent",
	Long: `agentchat sends messages to an agent backend and renders the agent's
intermediate reasoning and tool steps live while the answer is produced.

Run 'agentchat chat' for an interactive session, 'agentchat send' for a
single message, or 'agentchat mock-server' to start a scripted backend.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Directory to load project config from")
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "Agent backend URL")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&showEvent, "events", false, "Print every internal event as JSON to stderr")

	rootCmd.SetVersionTemplate(fmt.Sprintf("agentchat %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(draftCmd)
	rootCmd.AddCommand(mockCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func setup(cmd *cobra.Command, args []string) error {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.Server.URL = serverURL
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logging.Init(logConfig(cfg))
	loaded = cfg
	return nil
}

// logConfig sends logs to stderr with --print-logs and to a file under the
// data directory otherwise, so they never interleave with the chat.
func logConfig(cfg *config.Config) logging.Config {
	lc := logging.Config{Level: logging.ParseLevel(cfg.LogLevel)}
	if printLogs {
		lc.Output = os.Stderr
		lc.Pretty = true
		return lc
	}
	lc.Output = io.Discard
	if f, err := config.GetPaths().OpenLogFile(); err == nil {
		lc.Output = f
	}
	return lc
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
