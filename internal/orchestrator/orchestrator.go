// Package orchestrator owns the single long-running conversation: turn
// admission, streaming dispatch, safety enforcement, stop/kill semantics,
// and crash retry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/internal/engine"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/safety"
	"github.com/chatrelay/chatrelay/internal/store"
	"github.com/chatrelay/chatrelay/internal/transport"
	"github.com/chatrelay/chatrelay/pkg/types"
)

var (
	// ErrBusy is returned when a turn is already in flight. Callers
	// serialize turns; the orchestrator holds no queue.
	ErrBusy = errors.New("a query is already running")

	// ErrStopped is returned when a turn was aborted by a stop request
	// before or during engine streaming.
	ErrStopped = errors.New("query stopped")

	// ErrNoSession is returned by ResumeLast when nothing can be resumed.
	ErrNoSession = errors.New("no resumable session")
)

// StopResult reports what a stop request applied to.
type StopResult string

const (
	// StopNone: nothing was running or processing.
	StopNone StopResult = "none"
	// StopPending: a turn was admitted but the engine had not started;
	// the turn will abort before invocation.
	StopPending StopResult = "pending"
	// Stopped: a running engine stream was signaled to cancel.
	Stopped StopResult = "stopped"
)

// Options wires an Orchestrator.
type Options struct {
	Engine      engine.Engine
	Gate        *safety.Gate
	Transport   transport.Transport
	Store       *store.Store
	WorkDir     string
	AllowedDirs []string
	Stream      types.StreamConfig
	Thinking    []types.ThinkingTier
}

// Orchestrator is the single-instance session state machine. At most one
// call to SendMessageStreaming may be in flight at a time; a second call
// while one is Running returns ErrBusy.
type Orchestrator struct {
	mu      sync.Mutex
	session types.Session

	eng       engine.Engine
	gate      *safety.Gate
	transport transport.Transport
	store     *store.Store

	workDir     string
	allowedDirs []string
	streamCfg   types.StreamConfig
	thinking    []types.ThinkingTier

	stopRequested bool
	interrupted   bool
	cancelTurn    context.CancelFunc

	log zerolog.Logger

	// now is replaceable for tests.
	now func() time.Time
}

// New creates the orchestrator. There is exactly one per process.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		eng:         opts.Engine,
		gate:        opts.Gate,
		transport:   opts.Transport,
		store:       opts.Store,
		workDir:     opts.WorkDir,
		allowedDirs: opts.AllowedDirs,
		streamCfg:   opts.Stream,
		thinking:    opts.Thinking,
		log:         logging.Component("orchestrator"),
		now:         time.Now,
	}
}

// StartProcessing marks a turn as admitted. The returned release function
// must be called exactly once when the turn concludes, on every exit path;
// it is idempotent to make that guarantee cheap to keep.
func (o *Orchestrator) StartProcessing() (release func(), err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session.Processing || o.session.Running {
		return nil, ErrBusy
	}
	o.session.Processing = true

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			o.session.Processing = false
			o.stopRequested = false
			o.mu.Unlock()
		})
	}, nil
}

// Stop requests a user-initiated stop of the in-flight turn. Cancellation is
// cooperative: the engine stream's context is canceled and the event loop
// observes the flag, but at least one more event may still be processed.
func (o *Orchestrator) Stop() StopResult {
	return o.stop(false)
}

// Interrupt is a stop triggered by a new message preempting the current
// turn. It additionally sets the sticky interrupted flag so the caller of
// the preempted turn can suppress its stop notice.
func (o *Orchestrator) Interrupt() StopResult {
	return o.stop(true)
}

func (o *Orchestrator) stop(interrupt bool) StopResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.session.Running:
		o.stopRequested = true
		if interrupt {
			o.interrupted = true
		}
		if o.cancelTurn != nil {
			o.cancelTurn()
		}
		return Stopped
	case o.session.Processing:
		o.stopRequested = true
		if interrupt {
			o.interrupted = true
		}
		return StopPending
	default:
		return StopNone
	}
}

// TakeInterrupted reads and clears the interrupted-by-new-message flag. It
// must be consumed exactly once, by the caller deciding whether to show a
// stop notice.
func (o *Orchestrator) TakeInterrupted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := o.interrupted
	o.interrupted = false
	return v
}

// Kill unconditionally ends the conversation: session identity and activity
// timestamp are cleared regardless of run state, and the durable record is
// removed.
func (o *Orchestrator) Kill() {
	o.mu.Lock()
	o.session.ID = ""
	o.session.QueryStartedAt = nil
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.ClearSession(); err != nil {
			o.log.Warn().Err(err).Msg("clear session record failed")
		}
	}
	o.log.Info().Msg("session killed")
}

// ResumeLast reattaches to the persisted session. Resumption is refused
// when no record exists, the record has no identity, or it was saved from a
// different working directory.
func (o *Orchestrator) ResumeLast() (types.SessionRecord, error) {
	if o.store == nil {
		return types.SessionRecord{}, ErrNoSession
	}

	rec, err := o.store.LoadSession()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return rec, ErrNoSession
		}
		return rec, err
	}
	if rec.SessionID == "" {
		return rec, ErrNoSession
	}
	if rec.WorkingDir != o.workDir {
		return rec, fmt.Errorf("%w: saved in %s, current %s",
			ErrNoSession, rec.WorkingDir, o.workDir)
	}

	o.mu.Lock()
	o.session.ID = rec.SessionID
	o.mu.Unlock()

	o.log.Info().Str("session", rec.SessionID).Msg("session resumed")
	return rec, nil
}

// Snapshot returns a copy of the session state.
func (o *Orchestrator) Snapshot() types.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// setError records a turn failure on the session.
func (o *Orchestrator) setError(err error) {
	now := o.now()
	o.mu.Lock()
	o.session.LastError = err.Error()
	o.session.LastErrorTime = &now
	o.mu.Unlock()
}
