// Penguin is an autonomous coding-assistant runtime: a conversation
// engine with tool dispatch, context-window management, session
// persistence, checkpoints, and multi-agent coordination.
//
// Basic usage:
//
//	penguin chat "explain this repo"
//	penguin task "write hello world to /tmp/h.txt then report TASK_COMPLETE"
//	penguin sessions list
//
// Configuration comes from penguin.yaml (override with --config) and
// PENGUIN_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/penguin/internal/config"
	"github.com/haasonsaas/penguin/internal/engine"
	"github.com/haasonsaas/penguin/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "penguin",
		Short:         "Autonomous coding-assistant runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "penguin.yaml", "path to configuration file")

	root.AddCommand(newChatCmd())
	root.AddCommand(newTaskCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withRuntime loads config, builds the runtime, and tears it down after
// the command body returns.
func withRuntime(fn func(ctx context.Context, rt *Runtime) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, rt)
}

func newChatCmd() *cobra.Command {
	var stream bool
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Run a single conversational turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *Runtime) error {
				if _, err := rt.Conv.CreateAgentConversation(ctx, "main"); err != nil {
					return err
				}
				opts := engine.TurnOptions{Streaming: stream}
				if stream {
					opts.StreamCallback = func(chunk string, channel models.StreamChannel) {
						if channel == models.ChannelAssistant {
							fmt.Print(chunk)
						}
					}
				}
				res, err := rt.Engine.RunSingleTurn(ctx, args[0], opts)
				if err != nil {
					return err
				}
				if stream {
					fmt.Println()
				} else {
					fmt.Println(res.AssistantResponse)
				}
				for _, tr := range res.ActionResults {
					fmt.Printf("[tool %s] %s\n", tr.ToolCallID, tr.Content)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", true, "stream the response")
	return cmd
}

func newTaskCmd() *cobra.Command {
	var maxIterations int
	var timeLimit time.Duration
	cmd := &cobra.Command{
		Use:   "task [prompt]",
		Short: "Run a reason/act loop until completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *Runtime) error {
				if _, err := rt.Conv.CreateAgentConversation(ctx, "main"); err != nil {
					return err
				}
				res, err := rt.Engine.RunTask(ctx, args[0], engine.TaskOptions{
					MaxIterations: maxIterations,
					TimeLimit:     timeLimit,
					StreamCallback: func(chunk string, channel models.StreamChannel) {
						if channel == models.ChannelAssistant {
							fmt.Print(chunk)
						}
					},
				})
				if err != nil {
					return err
				}
				fmt.Printf("\n\nstatus=%s iterations=%d elapsed=%s\n",
					res.Status, res.Iterations, res.ExecutionTime.Round(time.Millisecond))
				if res.Status != models.PhaseCompleted {
					os.Exit(1)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 10, "iteration bound for the loop")
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 0, "wall-clock bound (0 disables)")
	return cmd
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withRuntime(func(ctx context.Context, rt *Runtime) error {
				summaries, err := rt.Store.List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tAGENT\tMESSAGES\tCREATED\tTITLE")
				for _, s := range summaries {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
						s.ID, s.AgentID, s.MessageCount, s.CreatedAt.Format(time.RFC3339), s.Title)
				}
				return w.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *Runtime) error {
				res, err := rt.Store.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				if !res.Deleted {
					fmt.Println("refused:", res.Warning)
					return nil
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rollback [session-id] [checkpoint-id]",
		Short: "Restore a session to a checkpoint snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *Runtime) error {
				if err := rt.Checkpoints.Rollback(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("rolled back %s to %s\n", args[0], args[1])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "checkpoints [session-id]",
		Short: "List checkpoints for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, rt *Runtime) error {
				checkpoints, err := rt.Checkpoints.List(ctx, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tCREATED\tNAME")
				for _, cp := range checkpoints {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						cp.ID, cp.Kind, cp.CreatedAt.Format(time.RFC3339), cp.Name)
				}
				return w.Flush()
			})
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("penguin %s (%s)\n", version, commit)
		},
	}
}
