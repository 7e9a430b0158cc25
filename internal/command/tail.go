package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adamavenir/threadline/internal/connstate"
	"github.com/adamavenir/threadline/internal/metrics"
	"github.com/adamavenir/threadline/internal/realtime"
	"github.com/adamavenir/threadline/internal/session"
	"github.com/adamavenir/threadline/internal/types"
	"github.com/spf13/cobra"
)

// NewTailCmd creates the tail command.
func NewTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail <thread>",
		Short: "Follow a thread and send the lines typed on stdin",
		Long: `Follow a thread and send the lines typed on stdin.

Lines starting with a slash are actions:
  /reply <id>          reply to a message with the next line
  /react <id> <emoji>  toggle a reaction
  /edit <id> <text>    edit one of your messages
  /delete <id>         delete a message for yourself
  /unsend <id>         delete one of your messages for everyone
  /older               load older history
  /retry               reconnect after the connection gave up
  /quit                exit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			addr, _ := cmd.Flags().GetString("metrics-addr")
			if addr == "" {
				addr = ctx.Config.MetricsAddr
			}
			follow, _ := cmd.Flags().GetDuration("for")

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if follow > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(runCtx, follow)
				defer cancel()
			}

			m := metrics.New()
			if addr != "" {
				shutdown, err := serveMetrics(addr, m)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				defer shutdown()
				fmt.Fprintf(cmd.ErrOrStderr(), "metrics on http://%s/metrics\n", addr)
			}

			p := &printer{out: cmd.OutOrStdout(), now: time.Now, shown: make(map[string]string)}
			s, err := ctx.OpenSession(args[0], m, p.event)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer s.Close()
			p.attach(s)

			unsubTimeline := s.Timeline.Subscribe(p.update)
			defer unsubTimeline()
			unsubConn := s.Conn.Subscribe(p.connection)
			defer unsubConn()

			if err := s.Start(runCtx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "history unavailable: %v\n", err)
			}
			p.update(s.Timeline.Snapshot())

			quit := make(chan struct{})
			go func() {
				defer close(quit)
				readInput(runCtx, cmd.InOrStdin(), s, p)
			}()

			select {
			case <-runCtx.Done():
			case <-quit:
			}
			return nil
		},
	}

	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().Duration("for", 0, "stop following after this long (0 follows until interrupted)")
	return cmd
}

func serveMetrics(addr string, m *metrics.Metrics) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// readInput sends plain lines and runs slash actions until /quit or EOF.
func readInput(ctx context.Context, in io.Reader, s *session.Session, p *printer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if err := runLine(ctx, s, line); err != nil {
			p.notice("error: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func runLine(ctx context.Context, s *session.Session, line string) error {
	if !strings.HasPrefix(line, "/") {
		s.Typing.Keystroke()
		s.Drafts.SetText(line)
		_, err := s.Composer.Send(ctx)
		s.Typing.Stop()
		return err
	}

	fields := strings.Fields(line)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	rest := func(i int) string {
		if i < len(fields) {
			return strings.Join(fields[i:], " ")
		}
		return ""
	}

	switch fields[0] {
	case "/reply":
		s.Drafts.SetReplyTarget(arg(1))
		return nil
	case "/react":
		return s.React(ctx, arg(1), arg(2))
	case "/edit":
		return s.Edit(ctx, arg(1), rest(2))
	case "/delete":
		return s.DeleteForMe(ctx, arg(1))
	case "/unsend":
		return s.DeleteForEveryone(ctx, arg(1))
	case "/older":
		_, err := s.LoadOlder(ctx)
		return err
	case "/retry":
		if !s.Conn.Retry() {
			return errors.New("connection is not in the error state")
		}
		return nil
	}
	return fmt.Errorf("unknown action %s", fields[0])
}

// printer writes timeline changes and live events as lines.
type printer struct {
	out io.Writer
	now func() time.Time

	mu    sync.Mutex
	s     *session.Session
	shown map[string]string
}

func (p *printer) attach(s *session.Session) {
	p.mu.Lock()
	p.s = s
	p.mu.Unlock()
}

// update prints messages that are new or changed since the last call.
func (p *printer) update(msgs []types.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, m := range msgs {
		sig := formatMessage(m, m.CreatedAt)
		key := m.ID
		if m.ClientTempID != "" {
			key = m.ClientTempID
		}
		if p.shown[key] == sig {
			continue
		}
		p.shown[key] = sig
		fmt.Fprintln(p.out, formatMessage(m, now))
	}
}

func (p *printer) event(env realtime.Envelope) {
	switch env.Type {
	case realtime.EventTypingUpdate:
		p.mu.Lock()
		s := p.s
		p.mu.Unlock()
		if s == nil {
			return
		}
		if typers := s.Typers(); len(typers) > 0 {
			p.notice("%s typing…", strings.Join(typers, ", "))
		}
	case realtime.EventPresenceUpdate:
		var ev realtime.PresenceEvent
		if env.Decode(&ev) == nil {
			state := "offline"
			if ev.Online {
				state = "online"
			}
			p.notice("%s is %s", ev.UserID, state)
		}
	case realtime.EventError:
		var ev realtime.ErrorEvent
		if env.Decode(&ev) == nil {
			p.notice("server error: %s", ev.Message)
		}
	}
}

func (p *printer) connection(_, to connstate.State) {
	p.notice("connection %s", to)
}

func (p *printer) notice(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s-- %s%s\n", dim, fmt.Sprintf(format, args...), reset)
}
