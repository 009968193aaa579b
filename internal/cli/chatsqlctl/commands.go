package chatsqlctl

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatsql/chatsql/internal/client"
	"github.com/chatsql/chatsql/internal/reconcile"
)

func askCommand(rt *runtime) *cobra.Command {
	var (
		sessionID  string
		connection string
		model      string
		title      string
		hint       string
		detach     bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question and follow the answer as it is produced",
		Long: `Ask a question in a new or existing session.

Examples:
  # Start a session against the warehouse connection
  chatsqlctl ask --connection warehouse "how many orders shipped last week?"

  # Follow up in the same session
  chatsqlctl ask --session <session-id> "break that down by region"`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || strings.TrimSpace(strings.Join(args, " ")) == "" {
				return usageError{fmt.Errorf("ask expects a question")}
			}
			if sessionID == "" && connection == "" {
				return usageError{fmt.Errorf("either --session or --connection is required")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c := rt.client()
			resp, err := c.Converse(cmd.Context(), client.ConversationRequest{
				SessionID:             sessionID,
				Title:                 title,
				DatabaseConnectionRef: connection,
				ModelConnectionRef:    model,
				Message:               strings.Join(args, " "),
				Hint:                  hint,
			})
			if err != nil {
				return err
			}
			if detach {
				if rt.jsonOutput {
					return rt.printJSON(resp)
				}
				_, _ = fmt.Fprintf(rt.stdout, "session %s task %s %s\n", resp.Session.ID, resp.Task.ID, resp.Task.Status)
				return nil
			}

			store := reconcile.NewStore()
			store.AddLocal(resp.Session.ID, resp.UserMessage)
			out := newTranscript(rt.stdout, resp.UserMessage.Timestamp)
			out.seen[resp.UserMessage.ID] = true
			if !rt.jsonOutput {
				_, _ = fmt.Fprintln(rt.stdout, dimStyle.Render("session "+resp.Session.ID))
			}
			err = c.Watch(cmd.Context(), store, resp.Session.ID, rt.watchOptions(out, true))
			if err != nil {
				return err
			}
			if rt.jsonOutput {
				view, _ := store.View(resp.Session.ID)
				return rt.printJSON(view)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue an existing session")
	cmd.Flags().StringVarP(&connection, "connection", "c", "", "database connection for a new session")
	cmd.Flags().StringVar(&model, "model", "", "model connection for a new session")
	cmd.Flags().StringVar(&title, "title", "", "title for a new session")
	cmd.Flags().StringVar(&hint, "hint", "", "command hint passed to the translator")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "submit and return without following the answer")
	return cmd
}

func (r *runtime) watchOptions(out *transcript, untilIdle bool) client.WatchOptions {
	opts := client.WatchOptions{
		UntilIdle: untilIdle,
		OnReconnect: func(attempt uint, err error) {
			_, _ = fmt.Fprintln(r.stderr, dimStyle.Render(fmt.Sprintf("stream lost (%v), reconnect %d", err, attempt)))
		},
	}
	if !r.jsonOutput {
		opts.OnUpdate = out.update
	}
	return opts
}

func statusCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show whether a session has an active task",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := rt.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rt.jsonOutput {
				return rt.printJSON(view)
			}
			line := fmt.Sprintf("%s %s", view.SessionID, statusStyle(string(view.Status)))
			if view.ActiveTaskID != "" {
				line += " task " + view.ActiveTaskID
			}
			_, _ = fmt.Fprintln(rt.stdout, line)
			return nil
		},
	}
}

func watchCommand(rt *runtime) *cobra.Command {
	var untilIdle bool
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Print a session's transcript and follow new activity",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newTranscript(rt.stdout, time.Time{})
			opts := rt.watchOptions(out, untilIdle)
			opts.ReconnectDelay = delay
			store := reconcile.NewStore()
			if err := rt.client().Watch(cmd.Context(), store, args[0], opts); err != nil {
				return err
			}
			if rt.jsonOutput {
				view, _ := store.View(args[0])
				return rt.printJSON(view)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&untilIdle, "until-idle", false, "exit once no task is active")
	cmd.Flags().DurationVar(&delay, "reconnect-delay", client.DefaultReconnectDelay, "pause before reopening a dropped stream")
	return cmd
}

func sessionsCommand(rt *runtime) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List your sessions, most recent first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := rt.client().Sessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if rt.jsonOutput {
				return rt.printJSON(sessions)
			}
			return writeSessions(rt.stdout, sessions)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to list")
	return cmd
}

func showCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's transcript",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rt.client().Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rt.jsonOutput {
				return rt.printJSON(sess)
			}
			store := reconcile.NewStore()
			store.ApplySnapshot(sess)
			view, _ := store.View(sess.ID)
			_, _ = fmt.Fprintln(rt.stdout, titleStyle.Render(firstNonEmpty(sess.Title, sess.ID)))
			newTranscript(rt.stdout, time.Time{}).update(view)
			return nil
		},
	}
}

func cancelCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a running task",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rt.client().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(rt.stdout, "cancellation requested for %s\n", args[0])
			return nil
		},
	}
}

func truncateCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "truncate <session-id> <message-id>",
		Short: "Remove a message and everything after it",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := rt.client().Truncate(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(rt.stdout, "removed %d message(s)\n", removed)
			return nil
		},
	}
}

func deleteCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its archived results",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rt.client().DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(rt.stdout, "deleted %s\n", args[0])
			return nil
		},
	}
}
