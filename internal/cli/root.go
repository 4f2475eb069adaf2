// Package cli implements the ragchat command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"ragchat/internal/config"
	"ragchat/internal/logger"
)

type rootOptions struct {
	configPath string
	verbose    bool
	key        string
}

// Execute runs the root command with the process arguments.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// NewRootCmd builds the ragchat command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "ragchat",
		Short: "Chat with an assistant grounded in your documents",
		Long: `ragchat ingests plain-text documents into a vector index and answers
questions about them, keeping a per-user conversation history.

API keys may be placed in a .env file in the working directory.`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config file (default ./config.yaml or ~/.config/ragchat/config.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVarP(&opts.key, "key", "k", defaultKey(), "conversation key")

	root.AddCommand(
		newChatCmd(opts),
		newAskCmd(opts),
		newIngestCmd(opts),
		newHistoryCmd(opts),
		newResetCmd(opts),
	)
	return root
}

func defaultKey() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

func (o *rootOptions) loadConfig() (*config.AppConfig, error) {
	if o.configPath == "" {
		cfg, _, err := config.LoadDefault()
		return cfg, err
	}
	return config.Load(o.configPath)
}

// open loads config and builds the application, logging to logOut.
func (o *rootOptions) open(ctx context.Context, logOut io.Writer) (*App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(logOut, cfg.Log.Level, cfg.Log.Format, o.verbose)
	if err != nil {
		return nil, err
	}
	app, err := Build(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	log.Debug("conversation key", slog.String("key", o.key))
	return app, nil
}
