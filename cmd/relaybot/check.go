package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/provider"

	"github.com/spf13/cobra"
)

const checkTimeout = 10 * time.Second

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run diagnostic checks against Discord and OpenRouter",
		Long: `Verifies that the configuration is complete, the OpenRouter key is accepted,
the Discord token is valid, and the bot can see the allowed channel.
Does not open a gateway connection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "relaybot check v%s\n\n", version)

			passed, failed := 0, 0
			pass := func(check, detail string) { printResult(out, "PASS", check, detail); passed++ }
			fail := func(check, detail string) { printResult(out, "FAIL", check, detail); failed++ }

			cfg, err := config.Load(configPath)
			if err != nil {
				fail("Configuration", err.Error())
				return fmt.Errorf("%d check(s) failed", failed)
			}
			pass("Configuration", "complete")

			ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
			defer cancel()

			completer := provider.NewOpenRouter(provider.OpenRouterConfig{
				APIKey:  cfg.Completion.APIKey,
				APIBase: cfg.Completion.APIBase,
				Model:   cfg.Completion.Model,
				Client:  provider.SharedHTTPClient(checkTimeout),
			})
			defer completer.Close()
			if err := completer.Healthy(ctx); err != nil {
				fail("OpenRouter", err.Error())
			} else {
				pass("OpenRouter", cfg.Completion.APIBase+" (model "+completer.Model()+")")
			}

			discord, err := channel.NewDiscord(channel.DiscordConfig{Token: cfg.Discord.Token})
			if err != nil {
				fail("Discord token", err.Error())
			} else if user, err := discord.Whoami(ctx); err != nil {
				fail("Discord token", err.Error())
			} else {
				pass("Discord token", "logged in as "+user.Username)
				if ch, err := discord.Channel(ctx, cfg.Discord.AllowedChannelID); err != nil {
					fail("Allowed channel", err.Error())
				} else {
					pass("Allowed channel", "#"+ch.Name)
				}
			}

			fmt.Fprintf(out, "\nResults: %d passed, %d failed\n", passed, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func printResult(w io.Writer, status, check, detail string) {
	fmt.Fprintf(w, "  [%s] %-16s %s\n", status, check, detail)
}
