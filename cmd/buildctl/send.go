package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/buildrelay/internal/client"
	"github.com/ashureev/buildrelay/internal/domain"
)

func newSendCmd(opts *globalOptions) *cobra.Command {
	var (
		applicationID string
		settings      string
		withHistory   bool
	)
	cmd := &cobra.Command{
		Use:   "send MESSAGE...",
		Short: "Send a message and stream the agent's progress",
		Long: `Send relays one message to the agent and prints each event as it arrives.

Without --app a new application is created; its id is printed when the
exchange ends so later messages can continue it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if settings != "" && !json.Valid([]byte(settings)) {
				return fmt.Errorf("--settings must be a JSON object")
			}
			c, err := opts.newClient(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			s := client.NewSession(c, applicationID)
			if withHistory {
				if err := s.LoadHistory(cmd.Context()); err != nil {
					return err
				}
				printMessages(out, s.Thread().Messages())
			}

			message := strings.Join(args, " ")
			err = s.Send(cmd.Context(), message, json.RawMessage(settings), func(ev domain.AgentEvent) {
				printEvent(out, ev)
			})
			var failure *client.StreamFailure
			switch {
			case errors.Is(err, client.ErrLimitReached):
				if limit, ok := s.Limit(); ok {
					return fmt.Errorf("daily message limit reached (%d/%d), resets %s",
						limit.CurrentUsage, limit.DailyMessageLimit, limit.NextResetTime.Format("2006-01-02 15:04 MST"))
				}
				return err
			case errors.As(err, &failure):
				_, _ = fmt.Fprintf(out, "agent failed: %s\n", failure.Message)
			case err != nil:
				return err
			}

			_, _ = fmt.Fprintf(out, "\napplication: %s\n", s.ApplicationID())
			if limit, ok := s.Limit(); ok {
				_, _ = fmt.Fprintf(out, "messages left today: %d of %d\n", limit.RemainingMessages, limit.DailyMessageLimit)
			}
			_, _ = fmt.Fprintf(out, "%s\n", s.Prompt().Question)
			return nil
		},
	}
	cmd.Flags().StringVar(&applicationID, "app", "", "continue an existing application")
	cmd.Flags().StringVar(&settings, "settings", "", "agent settings as JSON")
	cmd.Flags().BoolVar(&withHistory, "history", false, "print the application's earlier prompts first")
	return cmd
}

func printEvent(w io.Writer, ev domain.AgentEvent) {
	texts := ev.AssistantText()
	if len(texts) == 0 && ev.IsPlatformMessage() && ev.Message.Content != "" {
		texts = []string{ev.Message.Content}
	}
	if len(texts) == 0 {
		_, _ = fmt.Fprintf(w, "[%s] %s\n", ev.Message.Kind, ev.Status)
		return
	}
	for _, t := range texts {
		_, _ = fmt.Fprintf(w, "[%s] %s\n", ev.Message.Kind, t)
	}
}

func printMessages(w io.Writer, msgs []domain.ConversationMessage) {
	for _, m := range msgs {
		_, _ = fmt.Fprintf(w, "%s: %s\n", m.Role, m.Content)
	}
}
