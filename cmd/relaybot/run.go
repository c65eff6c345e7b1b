package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/logging"
	"relaybot/internal/metrics"
	"relaybot/internal/provider"
	"relaybot/internal/relay"
	"relaybot/internal/server"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to Discord and relay messages",
		Long:  "Connects to the Discord gateway and relays messages from the allowed channel. Press Ctrl+C to stop.",
		RunE:  runBot,
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	// Configuration problems are fatal and must surface before any connection.
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One pooled HTTP client for the whole process.
	completer := provider.NewOpenRouter(provider.OpenRouterConfig{
		APIKey:      cfg.Completion.APIKey,
		APIBase:     cfg.Completion.APIBase,
		Model:       cfg.Completion.Model,
		MaxTokens:   cfg.Completion.MaxTokens,
		Temperature: cfg.Completion.Temperature,
		MaxRetries:  cfg.Completion.MaxRetries,
		Referer:     cfg.Completion.Referer,
		Title:       cfg.Completion.Title,
		Client:      provider.SharedHTTPClient(cfg.Completion.Timeout),
		Logger:      logger,
	})
	defer completer.Close()

	discord, err := channel.NewDiscord(channel.DiscordConfig{
		Token:    cfg.Discord.Token,
		GuildID:  cfg.Discord.GuildID,
		Activity: cfg.Discord.Activity,
		LogLevel: logging.ParseLevel(cfg.Log.Level),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	rel, err := relay.New(relay.Config{
		AllowedChannelID: cfg.Discord.AllowedChannelID,
		Model:            cfg.Completion.Model,
		Timeout:          cfg.Completion.Timeout,
		Completer:        completer,
		Messenger:        discord,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	if cfg.Status.Addr != "" {
		status := server.NewStatus(server.StatusConfig{
			Addr:    cfg.Status.Addr,
			Health:  discord.Connected,
			Metrics: metrics.Default.Handler(),
			Logger:  logger,
		})
		go func() {
			if err := status.Run(ctx); err != nil {
				logger.Error("status server error", tint.Err(err))
			}
		}()
	}

	logger.Info("starting relaybot",
		"version", version,
		"channel_id", cfg.Discord.AllowedChannelID,
		"model", cfg.Completion.Model,
		"timeout", cfg.Completion.Timeout,
	)

	err = discord.Start(ctx, func(ctx context.Context, msg domain.IncomingMessage) {
		rel.Handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
