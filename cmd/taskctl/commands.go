package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"taskorch/client"
	v1 "taskorch/pkg/api/v1"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newRootCmd builds the command tree. Flags fall back to TASKCTL_* environment
// variables, e.g. TASKCTL_URL and TASKCTL_TOKEN.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("taskctl")
	v.AutomaticEnv()
	v.SetDefault("url", "http://localhost:8080")
	v.SetDefault("timeout", 30*time.Second)

	root := &cobra.Command{
		Use:           "taskctl",
		Short:         "Operate the task orchestrator: tasks, dead letters and the outbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("url", "", "orchestrator base URL")
	root.PersistentFlags().String("token", "", "access token")
	root.PersistentFlags().Duration("timeout", 0, "request timeout")
	_ = v.BindPFlag("url", root.PersistentFlags().Lookup("url"))
	_ = v.BindPFlag("token", root.PersistentFlags().Lookup("token"))
	_ = v.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))

	admin := func() *client.AdminClient {
		return client.NewAdminClient(strings.TrimRight(v.GetString("url"), "/"), v.GetString("token"))
	}
	ctxFor := func(cmd *cobra.Command) (context.Context, context.CancelFunc) {
		return context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
	}

	root.AddCommand(
		loginCmd(admin, ctxFor),
		statsCmd(admin, ctxFor),
		tasksCmd(admin, ctxFor),
		deadLettersCmd(admin, ctxFor),
		outboxCmd(admin, ctxFor),
		watchCmd(v),
	)
	return root
}

type adminFactory func() *client.AdminClient
type ctxFactory func(*cobra.Command) (context.Context, context.CancelFunc)

func printJSON(w io.Writer, raw json.RawMessage) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err := w.Write(out.Bytes())
	return err
}

// rawRun wraps a call whose JSON result is printed as is.
func rawRun(ctxFor ctxFactory, call func(ctx context.Context, args []string) (json.RawMessage, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := ctxFor(cmd)
		defer cancel()
		raw, err := call(ctx, args)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	}
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func loginCmd(admin adminFactory, ctxFor ctxFactory) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print an access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("TASKCTL_PASSWORD")
			}
			ctx, cancel := ctxFor(cmd)
			defer cancel()
			token, err := admin().Login(ctx, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (or TASKCTL_PASSWORD)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func statsCmd(admin adminFactory, ctxFor ctxFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counts, outbox backlog and queue depths",
		Args:  cobra.NoArgs,
		RunE: rawRun(ctxFor, func(ctx context.Context, _ []string) (json.RawMessage, error) {
			return admin().Stats(ctx)
		}),
	}
}

func tasksCmd(admin adminFactory, ctxFor ctxFactory) *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "Inspect tasks"}

	var q client.TaskQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: rawRun(ctxFor, func(ctx context.Context, _ []string) (json.RawMessage, error) {
			return admin().ListTasks(ctx, q)
		}),
	}
	list.Flags().Int64Var(&q.ProjectID, "project", 0, "project id")
	list.Flags().Int64Var(&q.MrIID, "mr", 0, "merge request iid")
	list.Flags().StringVar(&q.Type, "type", "", "task type")
	list.Flags().StringVar(&q.Status, "status", "", "task status")
	list.Flags().IntVar(&q.Offset, "offset", 0, "offset")
	list.Flags().IntVar(&q.Limit, "limit", 0, "page size")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: rawRun(ctxFor, func(ctx context.Context, args []string) (json.RawMessage, error) {
			id, err := parseID(args[0])
			if err != nil {
				return nil, err
			}
			return admin().GetTask(ctx, id)
		}),
	}
	events := &cobra.Command{
		Use:   "events <id>",
		Short: "Show the outbox events recorded for a task",
		Args:  cobra.ExactArgs(1),
		RunE: rawRun(ctxFor, func(ctx context.Context, args []string) (json.RawMessage, error) {
			id, err := parseID(args[0])
			if err != nil {
				return nil, err
			}
			return admin().TaskEvents(ctx, id)
		}),
	}
	cmd.AddCommand(list, get, events)
	return cmd
}

func deadLettersCmd(admin adminFactory, ctxFor ctxFactory) *cobra.Command {
	cmd := &cobra.Command{Use: "dlq", Aliases: []string{"deadletters"}, Short: "Inspect and resolve dead letters"}

	var q client.DeadLetterQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List unresolved dead letters",
		Args:  cobra.NoArgs,
		RunE: rawRun(ctxFor, func(ctx context.Context, _ []string) (json.RawMessage, error) {
			return admin().ListDeadLetters(ctx, q)
		}),
	}
	list.Flags().StringVar(&q.Reason, "reason", "", "failure reason")
	list.Flags().BoolVar(&q.IncludeResolved, "all", false, "include retried and dismissed entries")
	list.Flags().IntVar(&q.Offset, "offset", 0, "offset")
	list.Flags().IntVar(&q.Limit, "limit", 0, "page size")

	byID := func(use, short string, call func(*client.AdminClient, context.Context, uint64) (json.RawMessage, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: rawRun(ctxFor, func(ctx context.Context, args []string) (json.RawMessage, error) {
				id, err := parseID(args[0])
				if err != nil {
					return nil, err
				}
				return call(admin(), ctx, id)
			}),
		}
	}
	cmd.AddCommand(
		list,
		byID("get", "Show one entry with its task snapshot", (*client.AdminClient).GetDeadLetter),
		byID("retry", "Create a fresh task from the entry and queue it", (*client.AdminClient).RetryDeadLetter),
		byID("dismiss", "Resolve the entry without retrying", (*client.AdminClient).DismissDeadLetter),
	)
	return cmd
}

func outboxCmd(admin adminFactory, ctxFor ctxFactory) *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Operate the event outbox"}

	var failed bool
	replay := &cobra.Command{
		Use:   "replay [id...]",
		Short: "Reset outbox rows to pending so the worker delivers them again",
		RunE: rawRun(ctxFor, func(ctx context.Context, args []string) (json.RawMessage, error) {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil || id <= 0 {
					return nil, fmt.Errorf("invalid id %q", a)
				}
				ids = append(ids, id)
			}
			if len(ids) == 0 && !failed {
				return nil, errors.New("give outbox ids or --failed")
			}
			return admin().ReplayOutbox(ctx, ids, failed)
		}),
	}
	replay.Flags().BoolVar(&failed, "failed", false, "replay every failed row")
	cmd.AddCommand(replay)
	return cmd
}

func watchCmd(v *viper.Viper) *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow task events as they are published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			out := cmd.OutOrStdout()
			w := client.NewStreamWatcher(strings.TrimRight(v.GetString("url"), "/"), v.GetString("token"), projectID)
			w.OnMessage = func(m v1.Message) {
				fmt.Fprintf(out, "%d\t%s\ttask=%d\tproject=%d\t%s\n", m.Seq, m.EventType, m.TaskID, m.ProjectID, m.Status)
			}
			w.OnReset = func() {
				fmt.Fprintln(out, "-- history gone, events may have been missed --")
			}
			w.Run(ctx)
			return nil
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "only events of this project")
	return cmd
}
