// ABOUTME: Admin CLI for coven-assist: one-shot questions, agent listing and conversation reset
// ABOUTME: Talks to the assistant through the same session and conversation store as the bridge

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/coven-assist/internal/assist"
	"github.com/2389/coven-assist/internal/config"
)

// client is the part of *assist.Session the commands use.
type client interface {
	Run(ctx context.Context, req assist.RunRequest) (assist.Reply, error)
	ListAgents(ctx context.Context) (assist.AgentList, error)
	Forget(ctx context.Context, key string) error
}

// opener builds a client from the loaded config. The cleanup runs after the command, whether or not it fails.
type opener func(cfg *config.Config, logger *slog.Logger) (client, func(), error)

func openSession(cfg *config.Config, logger *slog.Logger) (client, func(), error) {
	store, closeStore, err := cfg.OpenStore()
	if err != nil {
		return nil, nil, fmt.Errorf("opening conversation store: %w", err)
	}
	sess := assist.New(cfg.SessionConfig(), assist.Options{Store: store, Logger: logger})
	return sess, func() {
		_ = sess.Close()
		_ = closeStore()
	}, nil
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(openSession, os.Stdout).Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	open       opener
	out        io.Writer
	configPath string
	verbose    bool

	client  client
	cleanup func()
}

func newRootCmd(open opener, out io.Writer) *cobra.Command {
	a := &app{open: open, out: out}

	root := &cobra.Command{
		Use:   "assist-admin",
		Short: "Query and manage a Home Assistant conversation agent",
		Long: `assist-admin sends one-shot questions to the assist pipeline,
lists the configured conversation agents, and resets remembered
conversations for a key.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.connect()
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to config file (default: COVEN_ASSIST_CONFIG or XDG config dir)")
	root.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "Enable debug logging")

	root.AddCommand(newAskCmd(a))
	root.AddCommand(newAgentsCmd(a))
	root.AddCommand(newForgetCmd(a))
	return root
}

func (a *app) connect() error {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.Load(a.configPath)
	} else {
		cfg, _, err = config.LoadDefault()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	a.client, a.cleanup, err = a.open(cfg, logger)
	return err
}

// run wraps a command body so the client is released even when the body
// returns an error. Cobra skips post-run hooks on failure.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer a.release()
		return fn(cmd, args)
	}
}

func (a *app) release() {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}

func newAskCmd(a *app) *cobra.Command {
	var (
		key      string
		agent    string
		forceNew bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Send a question and print the spoken response",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			reply, err := a.client.Run(cmd.Context(), assist.RunRequest{
				Text:            strings.Join(args, " "),
				Agent:           agent,
				ConversationKey: key,
				ForceNew:        forceNew,
			})
			if err != nil {
				return err
			}
			switch {
			case reply.TimedOut && reply.Text == "":
				return fmt.Errorf("no response within the request timeout")
			case reply.Err != "" && reply.Text == "":
				return fmt.Errorf("pipeline error: %s", reply.Err)
			}
			fmt.Fprintln(a.out, reply.Text)
			if reply.ConversationID != "" {
				color.New(color.Faint).Fprintf(a.out, "conversation: %s\n", reply.ConversationID)
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&key, "key", "", "Conversation key; turns with the same key continue one conversation")
	cmd.Flags().StringVar(&agent, "agent", "", "Pipeline id to use instead of the default agent")
	cmd.Flags().BoolVar(&forceNew, "new", false, "Start a new conversation")
	return cmd
}

func newAgentsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the conversation agents configured on the server",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			list, err := a.client.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			if len(list.Agents) == 0 {
				fmt.Fprintln(a.out, "No agents found.")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tLANGUAGE\tENGINE\tPREFERRED")
			for _, ag := range list.Agents {
				preferred := ""
				if ag.ID == list.Preferred {
					preferred = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ag.ID, ag.Name, ag.Language, ag.ConversationEngine, preferred)
			}
			return w.Flush()
		}),
	}
}

func newForgetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <key>",
		Short: "Drop the remembered conversation for a key",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			if err := a.client.Forget(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Forgot conversation for %s\n", args[0])
			return nil
		}),
	}
}
