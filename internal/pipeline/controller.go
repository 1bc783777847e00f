// Package pipeline orchestrates one analysis run end to end: credential
// lookup, extraction, opening the chunked analysis stream, consuming it
// through the line reassembler and event decoder, and reducing events into
// the observable progress state. It is the only component with side effects:
// it owns the open stream reader and the timeout timer, and it decides when
// the reducer receives events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/resume-fit-pipeline/internal/config"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/domain"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/observability"
	"github.com/fairyhunter13/resume-fit-pipeline/internal/stream"
)

// Phase is the controller's lifecycle state. Terminal phases are absorbing;
// Reset is the only way back to PhaseIdle.
type Phase string

// Controller phases.
const (
	PhaseIdle           Phase = "idle"
	PhaseAuthenticating Phase = "authenticating"
	PhaseExtracting     Phase = "extracting"
	PhaseStreaming      Phase = "streaming"
	PhaseComplete       Phase = "complete"
	PhaseFailed         Phase = "failed"
	PhaseCancelled      Phase = "cancelled"
	PhaseTimedOut       Phase = "timed_out"
)

const defaultAnalysisTimeout = 5 * time.Minute

// Subscriber receives every progress state transition, in order. Callbacks
// run synchronously on the run's goroutine and must not call back into the
// controller.
type Subscriber func(domain.ProgressState)

// run bundles the resources exclusively owned by one in-flight run so that
// cancellation, timeout and the deferred cleanup all release the same
// things exactly once.
type run struct {
	id     string
	log    *slog.Logger
	cancel context.CancelFunc

	mu      sync.Mutex
	timer   *time.Timer
	reader  io.ReadCloser
	reason  domain.EventKind // EventCancelled or EventTimedOut once preempted
	stopped bool
}

// stop releases the timer, the stream reader and the run context. Safe to
// call more than once; every exit path goes through it.
func (r *run) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.reader != nil {
		_ = r.reader.Close()
	}
	r.cancel()
}

// setReader hands the open stream body to the run. When the run was already
// preempted the body is closed immediately so no bytes are ever read from a
// dead run.
func (r *run) setReader(rc io.ReadCloser) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		_ = rc.Close()
		return false
	}
	r.reader = rc
	return true
}

// Controller drives analysis runs. One run at a time; concurrent runs are
// achieved by separate Controller instances, each owning its own timer,
// connection and state.
type Controller struct {
	sessions domain.SessionProvider
	api      domain.AnalysisAPI
	timeout  time.Duration

	mu    sync.Mutex
	phase Phase
	state domain.ProgressState
	subs  []Subscriber
	run   *run
}

// New constructs a Controller. cfg.AnalysisTimeout bounds the streaming
// phase; zero falls back to the 5 minute default.
func New(sessions domain.SessionProvider, api domain.AnalysisAPI, cfg config.Config) *Controller {
	timeout := cfg.AnalysisTimeout
	if timeout <= 0 {
		timeout = defaultAnalysisTimeout
	}
	return &Controller{
		sessions: sessions,
		api:      api,
		timeout:  timeout,
		phase:    PhaseIdle,
	}
}

// Subscribe registers a callback for state transitions.
func (c *Controller) Subscribe(fn Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// State returns the current progress state. The embedded result pointer is
// shared and must be treated as read-only.
func (c *Controller) State() domain.ProgressState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Phase returns the controller's lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Cancel preempts the in-flight run, if any. It takes effect even when
// further chunks are already buffered in transit: the state is marked
// terminal synchronously and the reader is closed, so no later event can
// mutate state.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preemptLocked(domain.EventCancelled)
}

// Reset clears any in-flight resources and returns to Idle with a fresh
// progress state. Callable from any phase.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		c.run.mu.Lock()
		if c.run.reason == "" {
			c.run.reason = domain.EventCancelled
		}
		c.run.mu.Unlock()
		c.run.stop()
		c.run = nil
	}
	c.phase = PhaseIdle
	c.state = domain.NewProgressState("")
}

// preemptLocked marks the run terminal exactly once, releases its resources
// and publishes the terminal state. Caller holds c.mu.
func (c *Controller) preemptLocked(kind domain.EventKind) {
	r := c.run
	if r == nil {
		return
	}
	r.mu.Lock()
	already := r.reason != "" || r.stopped
	if !already {
		r.reason = kind
	}
	r.mu.Unlock()
	if already || c.state.Terminal() {
		return
	}
	c.state = domain.Reduce(c.state, domain.StreamEvent{Kind: kind})
	if kind == domain.EventTimedOut {
		c.phase = PhaseTimedOut
	} else {
		c.phase = PhaseCancelled
	}
	r.log.Info("run preempted", slog.String("kind", string(kind)))
	r.stop()
	c.publishLocked()
}

// setPhase moves to a non-terminal phase and publishes, guarded against a
// concurrent preemption having already terminated the run.
func (c *Controller) setPhase(r *run, p Phase, status string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != r || c.state.Terminal() {
		return false
	}
	c.phase = p
	c.state.CurrentStatus = status
	c.publishLocked()
	return true
}

// apply feeds one decoded event to the reducer. Events arriving after
// preemption or after a terminal state are discarded.
func (c *Controller) apply(r *run, ev domain.StreamEvent) (domain.ProgressState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != r {
		return c.state, false
	}
	r.mu.Lock()
	preempted := r.reason != ""
	r.mu.Unlock()
	if preempted || c.state.Terminal() {
		return c.state, false
	}
	c.state = domain.Reduce(c.state, ev)
	if c.state.IsComplete {
		c.phase = PhaseComplete
	} else if c.state.HasError {
		c.phase = PhaseFailed
	}
	c.publishLocked()
	return c.state, true
}

func (c *Controller) publishLocked() {
	for _, fn := range c.subs {
		fn(c.state)
	}
}

// fail records a fatal run error in the progress state (unless a preemption
// already terminated it) and returns the error for the caller.
func (c *Controller) fail(r *run, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == r && !c.state.Terminal() {
		c.state = domain.Reduce(c.state, domain.StreamEvent{Kind: domain.EventError, Err: userMessage(err)})
		c.phase = PhaseFailed
		c.publishLocked()
	}
	return err
}

// userMessage derives the text the UI shows for a fatal run error: the op=
// wrapping is stripped, and a request failure carrying a server detail
// surfaces the detail verbatim.
func userMessage(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, "op=") {
		if i := strings.Index(msg, ": "); i >= 0 {
			msg = msg[i+2:]
		}
	}
	if errors.Is(err, domain.ErrRequest) {
		if detail, ok := strings.CutPrefix(msg, domain.ErrRequest.Error()+": "); ok {
			return detail
		}
	}
	return msg
}

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.
var ulidMu sync.Mutex

func newRunID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		// Fallback to timestamp-based ID if ULID generation fails for any reason.
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// Start executes one full run synchronously on the calling goroutine and
// returns the final progress state together with the run outcome. Cancel and
// the timeout preempt it from other goroutines. Only one run may be in
// flight per controller.
func (c *Controller) Start(ctx context.Context, up domain.UploadResult) (domain.ProgressState, error) {
	runID := newRunID()
	// The run logger and run_id travel in the context so adapter and decoder
	// log lines correlate with this run.
	lg := observability.LoggerFromContext(ctx).With(slog.String("run_id", runID))
	runCtx := observability.ContextWithLogger(observability.ContextWithRunID(ctx, runID), lg)
	runCtx, cancel := context.WithCancel(runCtx)
	r := &run{id: runID, log: lg, cancel: cancel}

	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		cancel()
		return domain.ProgressState{}, fmt.Errorf("op=pipeline.Start: %w", domain.ErrRunActive)
	}
	c.run = r
	c.phase = PhaseAuthenticating
	c.state = domain.NewProgressState(runID)
	c.state.CurrentStatus = "authenticating"
	c.publishLocked()
	c.mu.Unlock()

	started := time.Now()
	defer func() {
		r.stop()
		c.mu.Lock()
		if c.run == r {
			c.run = nil
		}
		outcome := c.phase
		c.mu.Unlock()
		observability.RunsTotal.WithLabelValues(string(outcome)).Inc()
		observability.RunDuration.Observe(time.Since(started).Seconds())
	}()

	lg.Info("run started")

	sess, err := c.sessions.Session(runCtx)
	if err != nil {
		if reason := r.preemptedReason(); reason != "" {
			return c.State(), preemptErr(reason)
		}
		return c.State(), c.fail(r, fmt.Errorf("op=pipeline.Start: %w", wrapAuth(err)))
	}

	if !c.setPhase(r, PhaseExtracting, "extracting") {
		return c.State(), preemptErr(r.preemptedReason())
	}
	ext, err := c.api.Extract(runCtx, sess.AccessToken, up)
	if err != nil {
		if reason := r.preemptedReason(); reason != "" {
			return c.State(), preemptErr(reason)
		}
		return c.State(), c.fail(r, err)
	}
	if !ext.Complete() {
		return c.State(), c.fail(r, fmt.Errorf("op=pipeline.Start: %w: extraction response missing database identifiers", domain.ErrProtocol))
	}

	if !c.setPhase(r, PhaseStreaming, "streaming") {
		return c.State(), preemptErr(r.preemptedReason())
	}

	// The timer bounds the whole streaming phase, stream-open included.
	r.mu.Lock()
	if !r.stopped {
		r.timer = time.AfterFunc(c.timeout, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.run == r {
				c.preemptLocked(domain.EventTimedOut)
			}
		})
	}
	r.mu.Unlock()

	reader, err := c.api.OpenAnalysis(runCtx, sess.AccessToken, ext)
	if err != nil {
		if reason := r.preemptedReason(); reason != "" {
			return c.State(), preemptErr(reason)
		}
		return c.State(), c.fail(r, err)
	}
	if !r.setReader(reader) {
		return c.State(), preemptErr(r.preemptedReason())
	}

	st, err := c.consume(r, reader)
	return st, err
}

// consume reads the stream until a terminal event, the sentinel, EOF or a
// preemption, processing lines strictly in delivery order.
func (c *Controller) consume(r *run, reader io.Reader) (domain.ProgressState, error) {
	var (
		lb        stream.LineBuffer
		dec       = stream.Decoder{Log: r.log}
		buf       = make([]byte, 4096)
		sawDone   bool
		completed bool
		causeErr  error
	)

	for causeErr == nil && !sawDone && !completed {
		n, rerr := reader.Read(buf)
		if n > 0 {
			for _, line := range lb.Write(buf[:n]) {
				ev, ok := dec.Decode(line)
				if !ok {
					continue
				}
				observability.StreamEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
				if ev.Kind == domain.EventDone {
					sawDone = true
					break
				}
				st, applied := c.apply(r, ev)
				if !applied {
					// Preempted; stop consuming.
					return c.State(), preemptErr(r.preemptedReason())
				}
				if st.Terminal() {
					causeErr = terminalCause(ev, st)
					completed = st.IsComplete
					break
				}
			}
		}
		if rerr != nil {
			if reason := r.preemptedReason(); reason != "" {
				return c.State(), preemptErr(reason)
			}
			if causeErr != nil || sawDone || completed {
				break
			}
			if errors.Is(rerr, io.EOF) {
				if carry := lb.Carry(); carry != "" {
					r.log.Debug("discarding trailing partial line", slog.Int("len", len(carry)))
				}
				break
			}
			return c.State(), c.fail(r, fmt.Errorf("op=pipeline.consume: %w: %v", domain.ErrRequest, rerr))
		}
	}

	if reason := r.preemptedReason(); reason != "" {
		return c.State(), preemptErr(reason)
	}

	st := c.State()
	switch {
	case st.IsComplete:
		r.log.Info("run complete", slog.String("analysis_id", st.Result.AnalysisID))
		return st, nil
	case st.HasError:
		if causeErr == nil {
			// A preemption can land between the loop exiting and the state
			// read above.
			if reason := r.preemptedReason(); reason != "" {
				return st, preemptErr(reason)
			}
			causeErr = fmt.Errorf("op=pipeline: %w: %s", domain.ErrServerReported, st.Error)
		}
		return st, causeErr
	default:
		// Sentinel or EOF without a terminal event: the stream ended without
		// explicit success. The progress state is left as last known; the
		// failure is reported at run level only.
		c.mu.Lock()
		if c.run == r {
			c.phase = PhaseFailed
		}
		c.mu.Unlock()
		r.log.Warn("stream ended without completion", slog.Bool("sentinel", sawDone))
		return st, fmt.Errorf("op=pipeline.consume: %w: stream ended without completion", domain.ErrProtocol)
	}
}

// preemptedReason reports the preemption kind, if any.
func (r *run) preemptedReason() domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

func preemptErr(reason domain.EventKind) error {
	if reason == domain.EventTimedOut {
		return fmt.Errorf("op=pipeline: %w", domain.ErrTimeout)
	}
	return fmt.Errorf("op=pipeline: %w", domain.ErrCancelled)
}

// terminalCause maps the event that terminated the state to the run error.
func terminalCause(ev domain.StreamEvent, st domain.ProgressState) error {
	if st.IsComplete {
		return nil
	}
	if ev.Kind == domain.EventComplete {
		return fmt.Errorf("op=pipeline: %w", domain.ErrInvalidCompletion)
	}
	return fmt.Errorf("op=pipeline: %w: %s", domain.ErrServerReported, st.Error)
}

func wrapAuth(err error) error {
	if errors.Is(err, domain.ErrAuth) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrAuth, err)
}
