package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adamavenir/threadline/internal/drafts"
	"github.com/adamavenir/threadline/internal/types"
	"github.com/spf13/cobra"
)

// NewDraftCmd creates the draft command.
func NewDraftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft <thread> [text...]",
		Short: "Show, replace or clear the saved draft for a thread",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			clear, _ := cmd.Flags().GetBool("clear")
			reply, _ := cmd.Flags().GetString("reply")
			files, _ := cmd.Flags().GetStringArray("file")
			threadID := args[0]

			m := drafts.New(drafts.Options{
				Small:          ctx.Small,
				Blob:           ctx.Blob,
				Debounce:       ctx.Config.Drafts.Debounce.Duration(),
				LargeThreshold: ctx.Config.Drafts.LargeThreshold,
				Cipher:         ctx.Cipher,
				Logger:         ctx.Logger,
			})
			defer m.Close()

			bg := context.Background()
			m.Open(bg, threadID)
			switch {
			case clear:
				m.Clear(bg)
			case len(args) > 1 || reply != "" || len(files) > 0:
				if len(args) > 1 {
					m.SetText(strings.Join(args[1:], " "))
				}
				if reply != "" {
					m.SetReplyTarget(reply)
				}
				for _, path := range files {
					ref, err := fileRef(path)
					if err != nil {
						return writeCommandError(cmd, err)
					}
					m.AddAttachment(ref)
				}
				m.Flush()
			}

			return printDraft(cmd, ctx, m.Draft())
		},
	}

	cmd.Flags().Bool("clear", false, "discard the draft")
	cmd.Flags().String("reply", "", "message id to reply to")
	cmd.Flags().StringArray("file", nil, "attach a file (repeatable)")
	return cmd
}

func printDraft(cmd *cobra.Command, ctx *CommandContext, d types.Draft) error {
	if ctx.JSONMode {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(d)
	}
	out := cmd.OutOrStdout()
	if d.Empty() {
		fmt.Fprintln(out, "No draft")
		return nil
	}
	if d.ReplyToID != "" {
		fmt.Fprintf(out, "%sreplying to %s%s\n", dim, d.ReplyToID, reset)
	}
	if d.Text != "" {
		fmt.Fprintln(out, d.Text)
	}
	for _, f := range d.Attachments {
		fmt.Fprintf(out, "  + %s (%s)\n", f.Name, formatSize(f.Size))
	}
	return nil
}
