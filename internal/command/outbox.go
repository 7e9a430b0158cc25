package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adamavenir/threadline/internal/outbox"
	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
)

type outboxRow struct {
	Key      string `json:"key"`
	ThreadID string `json:"threadId"`
	Text     string `json:"text,omitempty"`
	Files    int    `json:"files"`
	Bytes    int64  `json:"bytes"`
	Attempts int    `json:"attempts"`
	Enqueued string `json:"enqueuedAt"`
}

// NewOutboxCmd creates the outbox command.
func NewOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List messages waiting for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			pattern, _ := cmd.Flags().GetString("thread")
			drop, _ := cmd.Flags().GetString("drop")
			match, err := glob.Compile(pattern)
			if err != nil {
				return writeCommandError(cmd, fmt.Errorf("invalid --thread pattern: %w", err))
			}

			// Offline manager: lists and removes persisted entries without
			// delivering them.
			box := outbox.New(outbox.Options{Store: ctx.Small, Logger: ctx.Logger})
			defer box.Close()
			bg := context.Background()
			if _, err := box.Restore(bg); err != nil {
				return writeCommandError(cmd, err)
			}

			out := cmd.OutOrStdout()
			if drop != "" {
				if !box.Remove(bg, drop) {
					return writeCommandError(cmd, fmt.Errorf("no outbox entry %s", drop))
				}
				fmt.Fprintf(out, "Dropped %s\n", drop)
				return nil
			}

			var rows []outboxRow
			for _, e := range box.Entries() {
				if !match.Match(e.ThreadID) {
					continue
				}
				row := outboxRow{
					Key:      e.Key,
					ThreadID: e.ThreadID,
					Text:     e.Payload.Text,
					Files:    len(e.Files),
					Attempts: e.Attempts,
					Enqueued: e.EnqueuedAt.Format("2006-01-02T15:04:05Z07:00"),
				}
				for _, f := range e.Files {
					row.Bytes += f.Size
				}
				rows = append(rows, row)

				if ctx.JSONMode {
					continue
				}
				fmt.Fprintf(out, "%s  %s  %s", e.Key, e.ThreadID, preview(e.Payload.Text))
				if len(e.Files) > 0 {
					fmt.Fprintf(out, "  +%d files (%s)", len(e.Files), formatSize(row.Bytes))
				}
				fmt.Fprintf(out, "  %squeued %s, %d attempts%s\n", dim, humanize.Time(e.EnqueuedAt), e.Attempts, reset)
			}

			if ctx.JSONMode {
				if rows == nil {
					rows = []outboxRow{}
				}
				return json.NewEncoder(out).Encode(rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "Outbox is empty")
			}
			return nil
		},
	}

	cmd.Flags().String("thread", "*", "only entries whose thread id matches this glob")
	cmd.Flags().String("drop", "", "remove the entry with this key")
	return cmd
}
