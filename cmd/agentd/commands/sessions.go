package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/agentd/internal/storage"
)

var (
	sessionsJSON  bool
	sessionsMatch string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted sessions",
	Long: `Inspect the session records persisted by a server running in the
same project directory.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the persisted trace of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>...",
	Short: "Delete persisted sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	sessionsCmd.PersistentFlags().BoolVar(&sessionsJSON, "json", false, "Output JSON")
	sessionsListCmd.Flags().StringVar(&sessionsMatch, "match", "", "Only list session ids matching this glob pattern")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

// openStore returns the configured session store.
func openStore() (*storage.SessionStore, error) {
	cfg, dir, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store := storage.NewSessionStore(storeOptions(cfg, dir))
	if !store.Enabled() {
		return nil, storage.ErrDisabled
	}
	return store, nil
}

// sessionSummary is one row of `sessions list`.
type sessionSummary struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	if sessionsMatch != "" && !doublestar.ValidatePattern(sessionsMatch) {
		return fmt.Errorf("invalid --match pattern %q", sessionsMatch)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	ids, err := store.List(ctx)
	if err != nil {
		return err
	}

	summaries := make([]sessionSummary, 0, len(ids))
	for _, id := range ids {
		if sessionsMatch != "" {
			if ok, _ := doublestar.Match(sessionsMatch, id); !ok {
				continue
			}
		}
		rec, err := store.Load(ctx, id)
		if err != nil {
			continue
		}
		summaries = append(summaries, sessionSummary{
			ID:        rec.SessionID,
			Messages:  len(rec.Trace),
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}

	out := cmd.OutOrStdout()
	if sessionsJSON {
		return printJSON(out, summaries)
	}

	if len(summaries) == 0 {
		fmt.Fprintf(out, "No sessions in %s\n", store.Folder())
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tMESSAGES\tUPDATED\t")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%d\t%s\t\n", s.ID, s.Messages, s.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	rec, err := store.Load(context.Background(), args[0])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("session %s: %w", args[0], err)
		}
		return err
	}

	out := cmd.OutOrStdout()
	if sessionsJSON {
		return printJSON(out, rec)
	}

	fmt.Fprintf(out, "Session:  %s\n", rec.SessionID)
	fmt.Fprintf(out, "Created:  %s\n", rec.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "Updated:  %s\n", rec.UpdatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "Messages: %d\n\n", len(rec.Trace))
	for _, msg := range rec.Trace {
		fmt.Fprintf(out, "[%s] %s\n", msg.Role, msg.Content)
	}
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	for _, id := range args {
		if err := store.Delete(context.Background(), id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
	}
	return nil
}

// printJSON pretty-prints v.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
