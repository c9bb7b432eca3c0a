package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/engine"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/groupbuf"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/orchestrator"
	"github.com/chatrelay/chatrelay/internal/ratelimit"
	"github.com/chatrelay/chatrelay/internal/safety"
	"github.com/chatrelay/chatrelay/internal/server"
	"github.com/chatrelay/chatrelay/internal/store"
	"github.com/chatrelay/chatrelay/internal/transport"
	"github.com/chatrelay/chatrelay/pkg/types"
)

var resumeLast bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay with a console transport",
	Long: `Run starts the relay reading messages from stdin. Slash commands:
/stop aborts the in-flight query, /kill ends the conversation, /status
prints the session snapshot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&resumeLast, "resume", false, "Resume the last persisted session")
}

func runRelay(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	wd, err := resolveWorkDir()
	if err != nil {
		return err
	}

	cfg, err := config.Load(wd)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.StateDir)
	if err != nil {
		return err
	}

	gate := safety.New(cfg.Safety, cfg.WorkDir)
	if err := config.Watch(ctx, wd, func(fresh *types.Config) {
		gate.Reload(fresh.Safety)
	}); err != nil {
		logging.Warn().Err(err).Msg("config watch unavailable")
	}

	eng, err := engine.NewClaudeEngine(ctx, cfg.Engine)
	if err != nil {
		return err
	}

	tp := newConsoleTransport(os.Stdout)
	limiter := ratelimit.New(cfg.RateLimit)

	orch := orchestrator.New(orchestrator.Options{
		Engine:      eng,
		Gate:        gate,
		Transport:   tp,
		Store:       st,
		WorkDir:     cfg.WorkDir,
		AllowedDirs: cfg.Safety.AllowedRoots,
		Stream:      cfg.Stream,
		Thinking:    cfg.Thinking,
	})

	// Rate-limit rejections go to the audit log.
	unsub := event.Subscribe(event.RateLimited, func(e event.Event) {
		if d, ok := e.Data.(event.RateLimitedData); ok {
			st.Audit(types.AuditRecord{
				Identity:   d.Identity,
				Kind:       "rate_limited",
				RetryAfter: d.RetryAfter,
			})
		}
	})
	defer unsub()

	if cfg.Server.Listen != "" {
		srv := server.New(cfg.Server.Listen, orch)
		go func() {
			if err := srv.Start(); err != nil {
				logging.Error().Err(err).Msg("status server failed")
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if resumeLast {
		if rec, err := orch.ResumeLast(); err != nil {
			fmt.Fprintf(os.Stderr, "cannot resume: %v\n", err)
		} else {
			fmt.Printf("resumed session %s\n", rec.SessionID)
		}
	}

	identity := os.Getenv("USER")
	if identity == "" {
		identity = "console"
	}

	return consoleLoop(ctx, orch, limiter, tp, cfg.Group.Debounce(), identity)
}

// consoleLoop reads stdin and feeds messages through the group buffer:
// lines typed in one burst coalesce into a single turn, and because turns
// run off the buffer's flush, the loop stays free to take /stop while a
// turn is in flight.
func consoleLoop(ctx context.Context, orch *orchestrator.Orchestrator, limiter *ratelimit.Limiter, tp transport.Transport, debounce time.Duration, identity string) error {
	buf := groupbuf.New[string](debounce, limiter, tp)
	defer buf.Stop()
	runner := newBatchRunner(ctx, orch, os.Stderr)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/stop":
			fmt.Printf("stop: %s\n", orch.Stop())
			continue
		case "/kill":
			orch.Kill()
			fmt.Println("session ended")
			continue
		case "/status":
			snap := orch.Snapshot()
			fmt.Printf("session=%q running=%v lastTool=%q tokens=%d\n",
				snap.ID, snap.Running, snap.LastTool, snap.LastUsage.Total())
			continue
		case "/quit", "/exit":
			return nil
		}

		if accepted, retryAfter := buf.Add(ctx, identity, line, identity, "", runner); !accepted {
			fmt.Printf("rate limited, retry in %.0fs\n", retryAfter)
		}
	}
}

// newBatchRunner returns the batch callback that runs one turn per flushed
// group, joining the items into a single prompt. A batch landing while a
// turn is still running interrupts that turn and takes its place. The
// buffer flushes with a background context, so the callback closes over the
// relay's lifetime context instead.
func newBatchRunner(ctx context.Context, orch *orchestrator.Orchestrator, errOut io.Writer) groupbuf.BatchFunc[string] {
	return func(_ context.Context, items []string, caption, identity string) {
		prompt := strings.Join(items, "\n")
		if caption != "" {
			prompt = caption + "\n" + prompt
		}

		release, err := orch.StartProcessing()
		for err != nil {
			orch.Interrupt()
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			release, err = orch.StartProcessing()
		}

		_, err = orch.SendMessageStreaming(ctx, prompt, identity)
		release()

		switch {
		case err == nil:
		case errors.Is(err, orchestrator.ErrStopped):
			// Stops and interrupts print nothing; the interrupted flag
			// still has to be consumed here.
			if !orch.TakeInterrupted() {
				logging.Debug().Msg("query stopped")
			}
		default:
			fmt.Fprintf(errOut, "error: %v\n", err)
		}
	}
}
