package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adamavenir/threadline/internal/types"
	"github.com/spf13/cobra"
)

type sendResult struct {
	ID           string `json:"id"`
	ClientTempID string `json:"clientTempId"`
	Status       string `json:"status"`
}

// NewSendCmd creates the send command.
func NewSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <thread> [text...]",
		Short: "Send a message, queueing it when the server is unreachable",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			files, _ := cmd.Flags().GetStringArray("file")
			reply, _ := cmd.Flags().GetString("reply")
			wait, _ := cmd.Flags().GetDuration("wait")
			text := strings.TrimSpace(strings.Join(args[1:], " "))
			if text == "" && len(files) == 0 {
				return writeCommandError(cmd, errors.New("nothing to send"))
			}

			s, err := ctx.OpenSession(args[0], nil, nil)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer s.Close()

			notify := make(chan struct{}, 1)
			unsub := s.Timeline.Subscribe(func([]types.Message) {
				select {
				case notify <- struct{}{}:
				default:
				}
			})
			defer unsub()

			runCtx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if err := s.Start(runCtx); err != nil {
				ctx.Logger.Warn("history unavailable", "error", err)
			}

			s.Drafts.SetText(text)
			if reply != "" {
				s.Drafts.SetReplyTarget(reply)
			}
			for _, path := range files {
				ref, err := fileRef(path)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				s.Drafts.AddAttachment(ref)
			}

			tempID, err := s.Composer.Send(runCtx)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			m := awaitSettled(runCtx, s.Timeline.Get, tempID, notify)
			if m.Pending() && !m.Queued {
				// No acknowledgement in time: park it in the outbox so the
				// next session delivers it.
				s.SetNetwork(false)
				if err := s.Composer.Resend(context.Background(), tempID); err != nil {
					return writeCommandError(cmd, err)
				}
				m, _ = s.Timeline.Get(tempID)
			}

			res := sendResult{ID: m.ID, ClientTempID: tempID, Status: string(m.Status)}
			if m.Queued {
				res.Status = "queued"
			}
			if ctx.JSONMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
			}
			switch {
			case m.Status == types.StatusFailed:
				return writeCommandError(cmd, fmt.Errorf("message %s failed", tempID))
			case m.Queued:
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (delivered when the server is reachable)\n", tempID)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", m.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringArray("file", nil, "attach a file (repeatable)")
	cmd.Flags().String("reply", "", "message id to reply to")
	cmd.Flags().Duration("wait", 15*time.Second, "how long to wait for the server to confirm")
	return cmd
}

// awaitSettled waits until tempID is acknowledged, queued or failed, or ctx
// ends, and returns its latest state.
func awaitSettled(ctx context.Context, get func(string) (types.Message, bool), tempID string, notify <-chan struct{}) types.Message {
	for {
		m, ok := get(tempID)
		if !ok || !m.Pending() || m.Queued || m.Status == types.StatusFailed {
			return m
		}
		select {
		case <-ctx.Done():
			return m
		case <-notify:
		}
	}
}
