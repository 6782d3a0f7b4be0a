package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/client"
	"github.com/cory-johannsen/storyweave/internal/config"
	"github.com/cory-johannsen/storyweave/internal/observability"
)

type rootOptions struct {
	url      string
	logLevel string
	client   client.Options
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "storyclient --name NAME",
		Short: "Join a collaborative story session from the terminal",
		Long: "storyclient connects to a story server over websocket, joins a session " +
			"with a character and sends every line typed on stdin as that character's action.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "websocket endpoint of the story server")
	flags.StringVar(&opts.client.SessionID, "session", "", "session id to join; empty joins the server default")
	flags.StringVar(&opts.client.Name, "name", "", "character name")
	flags.StringVar(&opts.client.Backstory, "backstory", "", "character backstory")
	flags.StringVar(&opts.client.Setting, "start", "", "start a new session with this setting instead of joining")
	flags.StringVar(&opts.client.Language, "language", "", "display language to configure after joining")
	flags.BoolVar(&opts.client.Translate, "translate", false, "enable translation for --language")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "client log level")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func run(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := observability.NewLogger(config.LoggingConfig{
		Level:  opts.logLevel,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	c, err := client.Dial(ctx, opts.url, opts.client.SessionID, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Debug("connected", zap.String("url", opts.url))
	return c.Run(ctx, opts.client, os.Stdin, client.NewPrinter(os.Stdout))
}
