// buildctl talks to a buildrelay server from the terminal.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/buildrelay/internal/agent"
	"github.com/ashureev/buildrelay/internal/client"
)

const (
	defaultServer = "http://localhost:8080"
	clientSource  = "buildctl"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	server      string
	user        string
	environment string
	verbose     bool
}

func (o *globalOptions) newClient(out io.Writer) (*client.Client, error) {
	env, err := agent.ParseEnvironment(o.environment)
	if err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return client.New(o.server,
		client.WithUserID(o.user),
		client.WithEnvironment(env),
		client.WithClientSource(clientSource),
		client.WithLogger(logger),
	)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:          "buildctl",
		Short:        "Build and iterate on applications through a buildrelay server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.user == "" {
				return fmt.Errorf("a user id is required: pass --user or set BUILDRELAY_USER")
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("BUILDRELAY_URL", defaultServer), "relay base URL")
	flags.StringVar(&opts.user, "user", os.Getenv("BUILDRELAY_USER"), "user id sent to the relay")
	flags.StringVar(&opts.environment, "env", os.Getenv("BUILDRELAY_ENV"), "agent environment (production or staging)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log client diagnostics to stderr")

	cmd.AddCommand(newSendCmd(opts), newLimitCmd(opts), newHistoryCmd(opts))
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
