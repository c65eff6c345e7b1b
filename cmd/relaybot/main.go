package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime/debug"

	"relaybot/internal/logging"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string // optional YAML file, overridable via --config
	envFile    string // optional .env file, overridable via --env-file
)

func main() {
	bootLogger, _, _ := logging.New(logging.Options{Level: "info"})
	slog.SetDefault(bootLogger)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("fatal panic", "panic", r, "stack", string(debug.Stack()))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("relaybot failed", tint.Err(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relaybot",
		Short: "Relay messages from a Discord channel to OpenRouter",
		Long: `relaybot watches a single Discord channel, forwards each message to the
OpenRouter chat completion API and edits a "Thinking..." reply with the answer.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(cmd.Flags().Changed("env-file"))
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "optional YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(runCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	return root
}

// loadEnvFile loads envFile into the process environment without overriding
// variables that are already set. A missing default .env is not an error.
func loadEnvFile(explicit bool) error {
	if envFile == "" {
		return nil
	}
	err := godotenv.Load(envFile)
	if err == nil {
		slog.Debug("loaded env file", "path", envFile)
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", envFile, err)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relaybot %s\n", version)
		},
	}
}
