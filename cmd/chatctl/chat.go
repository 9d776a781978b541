package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"convsync/internal/identity"
	"convsync/internal/metrics"
	"convsync/internal/usecase"
)

const shutdownTimeout = 5 * time.Second

var chatCommand = &cli.Command{
	Name:      "chat",
	Usage:     "Open a live conversation",
	ArgsUsage: "PEER_PUBLIC_ID",
	Action:    cmdChat,
}

const chatHelp = `Type a line to send it. Commands:
  /earlier              load older messages
  /read                 mark everything so far as read
  /edit ID TEXT         replace a message body
  /delete ID            delete a message
  /react ID EMOJI       toggle a reaction
  /star ID...           toggle stars
  /cancel LOCAL_ID      cancel a delayed send
  /retry LOCAL_ID       resend a failed message
  /typing               tell the other person you are typing
  /quit                 leave`

func cmdChat(ctx *cli.Context) error {
	acct, err := requireUID(ctx)
	if err != nil {
		return err
	}
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify the other person's public id")
	}
	env := getEnv(ctx)

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := usecase.Observers{usecase.LogObserver{Logger: env.logger}}
	if addr := env.cfg.MetricsAddr; addr != "" {
		m, err := metrics.NewObserver(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		obs = append(obs, m)
		srv := serveMetrics(addr, env.logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	r := newRenderer(os.Stdout, acct.UID)
	sess, err := usecase.NewSession(usecase.SessionConfig{
		Store:               env.store,
		Identity:            identity.NewResolver(acct, ctx.Args().Get(0)),
		Filter:              env.filter,
		Observer:            obs,
		Logger:              env.logger,
		PageSize:            env.cfg.PageSize,
		DefaultDelaySeconds: env.defaultDelay,
		OnChange:            r.render,
	})
	if err != nil {
		return err
	}
	if err := sess.Start(runCtx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			env.logger.Warn("session_close_failed", "err", err)
		}
	}()
	fmt.Println(chatHelp)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runLine(runCtx, sess, r, line)
			if err != nil {
				r.notice("error: %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// sessionOps is the part of *usecase.Session the command loop drives.
type sessionOps interface {
	Send(ctx context.Context, text string, done func(usecase.SendResult)) string
	RequestEarlier(ctx context.Context) (bool, error)
	MarkReadUpTo(ctx context.Context, ts int64) (int, error)
	Edit(ctx context.Context, messageID, text string) error
	Delete(ctx context.Context, messageID string) error
	ToggleReaction(ctx context.Context, messageID, emoji string) error
	ToggleStars(ctx context.Context, messageIDs []string)
	Cancel(localID string) bool
	Retry(ctx context.Context, localID string, done func(usecase.SendResult)) (string, bool)
	Keystroke()
}

var _ sessionOps = (*usecase.Session)(nil)

var errUsage = errors.New("wrong arguments, see /help")

// runLine executes one input line and reports whether the user asked to quit.
func runLine(ctx context.Context, sess sessionOps, r *renderer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		sess.Send(ctx, line, r.sendResult)
		return false, nil
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)
	switch cmd {
	case "quit", "q":
		return true, nil
	case "help":
		r.notice("%s", chatHelp)
	case "earlier":
		ok, err := sess.RequestEarlier(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			r.notice("slow down")
		}
	case "read":
		n, err := sess.MarkReadUpTo(ctx, time.Now().UnixMilli())
		if err != nil {
			return false, err
		}
		r.notice("marked %d read", n)
	case "edit":
		id, text, _ := strings.Cut(rest, " ")
		if id == "" || strings.TrimSpace(text) == "" {
			return false, errUsage
		}
		return false, sess.Edit(ctx, id, text)
	case "delete":
		if len(args) != 1 {
			return false, errUsage
		}
		return false, sess.Delete(ctx, args[0])
	case "react":
		if len(args) != 2 {
			return false, errUsage
		}
		return false, sess.ToggleReaction(ctx, args[0], args[1])
	case "star":
		if len(args) == 0 {
			return false, errUsage
		}
		sess.ToggleStars(ctx, args)
	case "cancel":
		if len(args) != 1 {
			return false, errUsage
		}
		if !sess.Cancel(args[0]) {
			r.notice("nothing to cancel")
		}
	case "retry":
		if len(args) != 1 {
			return false, errUsage
		}
		if _, ok := sess.Retry(ctx, args[0], r.sendResult); !ok {
			r.notice("nothing to retry")
		}
	case "typing":
		sess.Keystroke()
	default:
		return false, errUsage
	}
	return false, nil
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", "addr", addr, "err", err)
		}
	}()
	return srv
}
