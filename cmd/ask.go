package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"memoire/internal/bootstrap"
	"memoire/internal/helper"
	"memoire/internal/models"
)

var (
	askSession string
	askJSON    bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a single question",
	Args:  cobra.ExactArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askSession, "session", "s", models.DefaultSession, "conversation session id")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output the response as JSON")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, sessions, err := bootstrap.NewEngine(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer sessions.Close()
	defer engine.Close()

	resp := engine.Ask(ctx, askSession, args[0])
	if askJSON {
		helper.PrettyPrint(cmd.OutOrStdout(), resp)
	} else {
		printResponse(cmd.OutOrStdout(), resp, newStyles())
	}

	if resp.Status == models.StatusInitFailed {
		return fmt.Errorf("engine not initialised: %w", engine.InitError())
	}
	return nil
}
