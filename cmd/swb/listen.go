package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/dispatch"
	"github.com/zulandar/switchboard/internal/listener"
	slackmsgr "github.com/zulandar/switchboard/internal/messenger/slack"
	"github.com/zulandar/switchboard/internal/reminder"
	"github.com/zulandar/switchboard/internal/store"
)

func newListenCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Start the Socket Mode listener",
		Long:  "Connects to Slack over Socket Mode and handles picker interactions without a public HTTP endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runListen(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Slack.AppToken == "" {
		return fmt.Errorf("listen: slack.app_token is required (or SLACK_APP_TOKEN)")
	}

	gdb, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}
	st, err := store.New(gdb)
	if err != nil {
		return err
	}

	msgr, err := slackmsgr.New(slackmsgr.Opts{
		BotToken:      cfg.Slack.BotToken,
		RecordURLBase: cfg.Records.BaseURL,
	})
	if err != nil {
		return err
	}

	// The Socket Mode path resolves refresh owners from the stored record
	// and apologizes in-thread on failed interactions, matching the
	// listener's historical behavior.
	disp, err := dispatch.New(dispatch.Opts{
		Store:       st,
		Messenger:   msgr,
		OwnerSource: dispatch.OwnerFromRecord,
		Failures:    dispatch.FailInThread,
		Out:         cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := listener.Start(ctx, listener.Opts{
		Dispatcher: disp,
		Messenger:  msgr,
		BotToken:   cfg.Slack.BotToken,
		AppToken:   cfg.Slack.AppToken,
		Out:        cmd.OutOrStdout(),
	}); err != nil {
		return err
	}
	defer listener.Stop()

	if cfg.Reminder.Cron != "" {
		sweeper, err := reminder.New(reminder.Opts{
			Store:      st,
			Messenger:  msgr,
			Schedule:   cfg.Reminder.Cron,
			StaleAfter: time.Duration(cfg.Reminder.StaleAfterHours) * time.Hour,
			Out:        cmd.OutOrStdout(),
		})
		if err != nil {
			return err
		}
		go sweeper.Run(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "Reminder sweep scheduled (%s)\n", cfg.Reminder.Cron)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Listener running. Press Ctrl+C to stop.\n")
	<-ctx.Done()
	return nil
}
