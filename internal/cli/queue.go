package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/acksync/internal/config"
	"github.com/roach88/acksync/internal/queue"
	"github.com/roach88/acksync/internal/store"
)

// QueueOptions holds flags for the queue commands.
type QueueOptions struct {
	*RootOptions
	DBPath string
}

// QueuedItem is the JSON form of a persisted queue item.
type QueuedItem struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	OperationType  string    `json:"operation_type"`
	Targets        []string  `json:"targets"`
	Actor          string    `json:"actor"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// QueueListResult is the output of queue list.
type QueueListResult struct {
	Items []QueuedItem `json:"items"`
	Count int          `json:"count"`
}

// QueueClearResult is the output of queue clear.
type QueueClearResult struct {
	Removed int `json:"removed"`
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable retry queue",
		Long: `Inspect or reset the SQLite file backing the retry queue.

The database path comes from --db, or from store.path in the config file
(or ACKSYNC_STORE_PATH) when --db is not set.`,
	}

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to the queue database")

	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueClearCommand(opts))

	return cmd
}

func newQueueListCommand(opts *QueueOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued acknowledgments",
		Long: `List every pending or in-flight item in the queue database, in
enqueue order.

Examples:
  ackctl queue list --db ./acksync.db
  ackctl queue list --db ./acksync.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func newQueueClearCommand(opts *QueueOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every queued acknowledgment",
		Long: `Delete every item from the queue database. Pending acknowledgments
are dropped and will not be delivered.

Examples:
  ackctl queue clear --db ./acksync.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueClear(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runQueueList(ctx context.Context, opts *QueueOptions, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFormatter(opts.RootOptions, stdout, stderr)

	st, err := openQueueStore(opts, f)
	if err != nil {
		return err
	}
	defer st.Close()

	items, err := st.LoadItems(ctx)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeStore, "failed to load queue items", err)
	}
	f.VerboseLog("Loaded %d item(s)", len(items))

	result := QueueListResult{Items: make([]QueuedItem, 0, len(items)), Count: len(items)}
	for _, it := range items {
		result.Items = append(result.Items, toQueuedItem(it))
	}

	if opts.Format == "json" {
		return f.Success(result)
	}

	if len(items) == 0 {
		fmt.Fprintln(stdout, "Queue is empty.")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tNEXT\tACTOR\tTARGETS\tLAST ERROR")
	for _, it := range result.Items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			it.ID,
			it.Status,
			it.AttemptCount,
			it.NextEligibleAt.UTC().Format(time.RFC3339),
			it.Actor,
			strings.Join(it.Targets, ","),
			it.LastError,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "\n%d item(s) queued\n", result.Count)
	return nil
}

func runQueueClear(ctx context.Context, opts *QueueOptions, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFormatter(opts.RootOptions, stdout, stderr)

	st, err := openQueueStore(opts, f)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.CountItems(ctx)
	if err != nil {
		return f.fail(ExitCommandError, ErrCodeStore, "failed to count queue items", err)
	}
	if err := st.ClearItems(ctx); err != nil {
		return f.fail(ExitCommandError, ErrCodeStore, "failed to clear queue", err)
	}

	if opts.Format == "json" {
		return f.Success(QueueClearResult{Removed: n})
	}
	fmt.Fprintf(stdout, "Removed %d item(s)\n", n)
	return nil
}

// openQueueStore resolves the database path and opens it. The file must
// already exist; inspecting a queue never creates one.
func openQueueStore(opts *QueueOptions, f *OutputFormatter) (*store.Store, error) {
	path := opts.DBPath
	if path == "" {
		cfg, err := config.Load(opts.Config)
		if err != nil {
			return nil, f.fail(ExitCommandError, ErrCodeInvalidConfig, "failed to load config", err)
		}
		path = cfg.Store.Path
	}
	if path == "" {
		return nil, f.fail(ExitCommandError, ErrCodeGeneric, "no queue database: set --db or store.path", nil)
	}
	if !fileExists(path) {
		return nil, f.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("queue database not found: %s", path), nil)
	}

	f.VerboseLog("Opening queue database %s", path)
	st, err := store.Open(path)
	if err != nil {
		return nil, f.fail(ExitCommandError, ErrCodeStore, "failed to open queue database", err)
	}
	return st, nil
}

func toQueuedItem(it queue.Item) QueuedItem {
	targets := make([]string, len(it.Payload.Targets))
	for i, t := range it.Payload.Targets {
		targets[i] = string(t)
	}
	return QueuedItem{
		ID:             it.ID,
		Seq:            it.Seq,
		OperationType:  it.OperationType,
		Targets:        targets,
		Actor:          it.Payload.Actor,
		Kind:           it.Payload.Kind,
		Status:         string(it.Status),
		AttemptCount:   it.AttemptCount,
		EnqueuedAt:     it.EnqueuedAt,
		NextEligibleAt: it.NextEligibleAt,
		LastError:      it.LastError,
	}
}
