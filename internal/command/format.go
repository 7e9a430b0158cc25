package command

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adamavenir/threadline/internal/types"
	"github.com/dustin/go-humanize"
)

const previewLen = 60

var (
	noColor = os.Getenv("NO_COLOR") != ""

	dim   = ansiCode("\x1b[2m")
	bold  = ansiCode("\x1b[1m")
	red   = ansiCode("\x1b[31m")
	reset = ansiCode("\x1b[0m")
)

func ansiCode(code string) string {
	if noColor {
		return ""
	}
	return code
}

// formatMessage renders one timeline line.
func formatMessage(m types.Message, now time.Time) string {
	var b strings.Builder
	name := m.Sender.Name
	if name == "" {
		name = m.Sender.ID
	}
	fmt.Fprintf(&b, "%s%s%s ", bold, name, reset)

	switch {
	case m.Deleted():
		fmt.Fprintf(&b, "%s(deleted)%s", dim, reset)
	default:
		if m.ReplyTo != nil {
			fmt.Fprintf(&b, "%s> %s%s ", dim, preview(m.ReplyTo.Text), reset)
		}
		b.WriteString(m.Text)
		for _, a := range m.Attachments {
			fmt.Fprintf(&b, " [%s %s]", a.Name, humanize.Bytes(uint64(max(a.Size, 0))))
		}
		if m.EditedAt != nil {
			fmt.Fprintf(&b, " %s(edited)%s", dim, reset)
		}
	}

	for _, r := range m.Reactions {
		fmt.Fprintf(&b, " %s%d", r.Emoji, r.Count())
	}

	status := string(m.Status)
	if m.Queued {
		status = "queued"
	}
	color := dim
	if m.Status == types.StatusFailed {
		color = red
	}
	fmt.Fprintf(&b, " %s%s · %s · %s%s", color, m.ID, status, humanize.RelTime(m.CreatedAt, now, "ago", "from now"), reset)
	return b.String()
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= previewLen {
		return text
	}
	return string(runes[:previewLen-1]) + "…"
}
