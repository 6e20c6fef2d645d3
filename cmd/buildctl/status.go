package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/buildrelay/internal/client"
)

func newLimitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "limit",
		Short: "Show today's message allowance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.newClient(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			limit, err := c.FetchLimit(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "used:      %d of %d\n", limit.CurrentUsage, limit.DailyMessageLimit)
			_, _ = fmt.Fprintf(out, "remaining: %d\n", limit.RemainingMessages)
			_, _ = fmt.Fprintf(out, "resets:    %s\n", limit.NextResetTime.UTC().Format(time.RFC3339))
			return nil
		},
	}
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history APPLICATION_ID",
		Short: "Print the prompts logged for an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newClient(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			prompts, err := c.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printMessages(cmd.OutOrStdout(), client.NewThread(client.PromptsToEvents(prompts)...).Messages())
			return nil
		},
	}
}
