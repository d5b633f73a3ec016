package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Transactional email pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newMessagesCmd(),
		newTasksCmd(),
		newDeliveriesCmd(),
		newDestinationsCmd(),
	)
	return root
}

// withApp loads the configuration, connects the service, runs fn and closes
// everything on the way out.
func withApp(cmd *cobra.Command, withSender bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, withSender)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.logger.Error("shutdown", "error", err)
		}
	}()
	return fn(ctx, a)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the provider callback and send API, and run the task workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				srv := &http.Server{
					Addr:              a.cfg.HTTPAddress,
					Handler:           newRouter(a.svc, a.logger),
					ReadHeaderTimeout: 10 * time.Second,
				}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.logger.Info("listening", "address", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					return a.svc.Run(ctx)
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				return ignoreCanceled(g.Wait())
			})
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the task workers without the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				a.logger.Info("worker started", "workers", a.cfg.Workers)
				return ignoreCanceled(a.svc.Run(ctx))
			})
		},
	}
}

func newMessagesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "messages", Short: "Inspect and replay messages"}

	var (
		inbox     string
		direction string
		limit     int
	)
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List messages in failed or parse_failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				msgs, err := a.svc.FailedMessages(ctx, relay.MessageQuery{
					InboxID:   inbox,
					Direction: store.Direction(direction),
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				return printMessages(cmd.OutOrStdout(), msgs)
			})
		},
	}
	failed.Flags().StringVar(&inbox, "inbox", "", "only this inbox")
	failed.Flags().StringVar(&direction, "direction", "", "inbound or outbound")
	failed.Flags().IntVar(&limit, "limit", 0, "maximum results")

	show := &cobra.Command{
		Use:   "show <message-id>",
		Short: "Show a message and its lifecycle events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				msg, err := a.svc.GetMessage(ctx, args[0])
				if err != nil {
					return err
				}
				evs, err := a.svc.MessageEvents(ctx, msg.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if err := printMessages(out, []*store.Message{msg}); err != nil {
					return err
				}
				fmt.Fprintln(out)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "EVENT\tTYPE\tCREATED")
				for _, ev := range evs {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", ev.ID, ev.Type, ev.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	thread := &cobra.Command{
		Use:   "thread <thread-id>",
		Short: "List the messages of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				th, msgs, err := a.svc.Thread(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "thread %s %q participants=%v\n\n", th.ID, th.Subject, th.Participants)
				return printMessages(cmd.OutOrStdout(), msgs)
			})
		},
	}

	replay := &cobra.Command{
		Use:   "replay <message-id>",
		Short: "Put a parse_failed inbound message back through the parser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				msg, err := a.svc.ReplayInbound(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "message %s is %s\n", msg.ID, msg.Status)
				return nil
			})
		},
	}

	cmd.AddCommand(failed, show, thread, replay, newImportCmd())
	return cmd
}

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "Inspect and retry failed tasks"}

	var (
		kind  string
		limit int
	)
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List tasks that ran out of attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				tasks, err := a.svc.FailedTasks(ctx, store.Kind(kind), limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tATTEMPTS\tUPDATED\tLAST ERROR")
				for _, t := range tasks {
					fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
						t.ID, t.Kind, t.AttemptCount, t.MaxAttempts, t.UpdatedAt.Format(time.RFC3339), t.LastError)
				}
				return tw.Flush()
			})
		},
	}
	failed.Flags().StringVar(&kind, "kind", "", "only this task kind")
	failed.Flags().IntVar(&limit, "limit", 0, "maximum results")

	retry := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Start a new attempt sequence for a failed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				if err := a.svc.RetryTask(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "task %s requeued\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(failed, retry)
	return cmd
}

func newDeliveriesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "deliveries", Short: "Inspect and redeliver webhook deliveries"}

	var limit int
	exhausted := &cobra.Command{
		Use:   "exhausted",
		Short: "List deliveries that ran out of attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				ds, err := a.svc.ExhaustedDeliveries(ctx, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tEVENT\tURL\tATTEMPTS\tSTATUS CODE\tLAST ERROR")
				for _, d := range ds {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
						d.ID, d.EventID, d.DestinationURL, d.AttemptCount, d.MaxAttempts, d.LastStatusCode, d.LastError)
				}
				return tw.Flush()
			})
		},
	}
	exhausted.Flags().IntVar(&limit, "limit", 0, "maximum results")

	redeliver := &cobra.Command{
		Use:   "redeliver <delivery-id>",
		Short: "Start a new attempt sequence for a delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				d, err := a.svc.RedeliverWebhook(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "delivery %s is %s\n", d.ID, d.Status)
				return nil
			})
		},
	}

	cmd.AddCommand(exhausted, redeliver)
	return cmd
}

func newDestinationsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "destinations", Short: "Manage customer webhook destinations"}

	var secret string
	add := &cobra.Command{
		Use:   "add <inbox-id> <url>",
		Short: "Register a webhook destination for an inbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				d, err := a.svc.AddDestination(ctx, args[0], args[1], secret)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "destination %s added\n", d.ID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&secret, "secret", "", "HMAC signing secret")
	_ = add.MarkFlagRequired("secret")

	list := &cobra.Command{
		Use:   "list <inbox-id>",
		Short: "List the destinations of an inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				ds, err := a.svc.ListDestinations(ctx, args[0])
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tURL\tACTIVE")
				for _, d := range ds {
					fmt.Fprintf(tw, "%s\t%s\t%t\n", d.ID, d.URL, d.Active)
				}
				return tw.Flush()
			})
		},
	}

	setActive := func(use, short string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <destination-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, false, func(ctx context.Context, a *app) error {
					return a.svc.SetDestinationActive(ctx, args[0], active)
				})
			},
		}
	}

	cmd.AddCommand(add, list,
		setActive("enable", "Resume deliveries to a destination", true),
		setActive("disable", "Stop deliveries to a destination", false),
	)
	return cmd
}

func printMessages(w io.Writer, msgs []*store.Message) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDIRECTION\tSTATUS\tFROM\tTO\tSUBJECT\tUPDATED\tLAST ERROR")
	for _, m := range msgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.Direction, m.Status, m.Sender, m.Recipient, m.Subject, m.UpdatedAt.Format(time.RFC3339), m.LastError)
	}
	return tw.Flush()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
