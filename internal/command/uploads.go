package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adamavenir/threadline/internal/types"
	"github.com/adamavenir/threadline/internal/uploads"
	"github.com/spf13/cobra"
)

// NewUploadsCmd creates the uploads command.
func NewUploadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "List interrupted uploads that will resume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			discard, _ := cmd.Flags().GetString("discard")
			m := uploads.New(uploads.Options{Store: ctx.Small, Logger: ctx.Logger})
			defer m.Close()
			bg := context.Background()
			out := cmd.OutOrStdout()

			if discard != "" {
				if err := m.Discard(bg, discard); err != nil {
					return writeCommandError(cmd, err)
				}
				fmt.Fprintf(out, "Discarded %s\n", discard)
				return nil
			}

			jobs, err := m.Jobs(bg)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				if jobs == nil {
					jobs = []types.UploadJob{}
				}
				return json.NewEncoder(out).Encode(jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No pending uploads")
				return nil
			}
			for _, j := range jobs {
				fmt.Fprintf(out, "%s  %s  %s / %s (%d%%)  %sthread %s%s\n",
					j.ID, j.File.Name, formatSize(j.UploadedBytes), formatSize(j.File.Size), j.Percent(),
					dim, j.ThreadID, reset)
			}
			return nil
		},
	}

	cmd.Flags().String("discard", "", "drop the job with this id")
	return cmd
}
