package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/dispatch"
	"github.com/zulandar/switchboard/internal/ingress"
	slackmsgr "github.com/zulandar/switchboard/internal/messenger/slack"
	"github.com/zulandar/switchboard/internal/store"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook ingress server",
		Long:  "Serves the origination webhook and the Slack interactions endpoint over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
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

	// The HTTP interactions path resolves refresh owners from the acting
	// user and answers failed interactions with a 500 instead of an
	// in-thread apology, matching the endpoint's historical behavior.
	disp, err := dispatch.New(dispatch.Opts{
		Store:       st,
		Messenger:   msgr,
		OwnerSource: dispatch.OwnerFromActor,
		Failures:    dispatch.FailToCaller,
		Out:         cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Switchboard ingress starting on port %d\n", cfg.HTTP.Port)
	return ingress.Start(ctx, ingress.StartOpts{
		Dispatcher: disp,
		Port:       cfg.HTTP.Port,
		Out:        cmd.OutOrStdout(),
	})
}
