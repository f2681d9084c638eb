package dropin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/dropin/internal/domain"
)

const defaultInboxSize = 32

// ErrRunnerStopped indicates the session loop is no longer running.
var ErrRunnerStopped = errors.New("dropin: session runner stopped")

// StateStore persists session state after every handled event.
type StateStore interface {
	SaveState(ctx context.Context, state State) error
}

// RunnerOptions configures a session runner.
type RunnerOptions struct {
	Store     StateStore
	Tracer    trace.Tracer
	InboxSize int
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type envelope struct {
	ctx   context.Context
	event Event
	reply chan error
}

// Runner is the session control loop. Every event, whether a user command or an effect
// completion, is applied in arrival order on a single goroutine.
type Runner struct {
	orch     *Orchestrator
	store    StateStore
	tracer   trace.Tracer
	logger   func(ctx context.Context, event string, fields map[string]any)
	inbox    chan envelope
	done     chan struct{}
	running  atomic.Bool
	loopCtx  context.Context
	tasks    sync.WaitGroup
	snapshot atomic.Pointer[State]
}

// NewRunner builds a runner and its orchestrator around state.
func NewRunner(deps Deps, state State, opts RunnerOptions) (*Runner, error) {
	size := opts.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(metricNamespace)
	}
	logger := opts.Logger
	if logger == nil {
		logger = deps.Logger
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	r := &Runner{
		store:  opts.Store,
		tracer: tracer,
		logger: logger,
		inbox:  make(chan envelope, size),
		done:   make(chan struct{}),
	}
	orch, err := NewOrchestrator(deps, r, state)
	if err != nil {
		return nil, err
	}
	r.orch = orch
	snap := orch.State()
	r.snapshot.Store(&snap)
	return r, nil
}

// Run processes events until ctx ends. Effects still in flight are cancelled and awaited before
// Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("dropin: runner already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.loopCtx = ctx
	defer func() {
		cancel()
		r.tasks.Wait()
		close(r.done)
	}()

	r.orch.Start(ctx)
	r.publish(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-r.inbox:
			r.handle(env)
		}
	}
}

// Submit applies ev and waits for the orchestrator's answer.
func (r *Runner) Submit(ctx context.Context, ev Event) error {
	reply := make(chan error, 1)
	if err := r.enqueue(ctx, envelope{ctx: ctx, event: ev, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRunnerStopped
	}
}

// Post queues ev without waiting for it to be applied.
func (r *Runner) Post(ctx context.Context, ev Event) error {
	return r.enqueue(ctx, envelope{ctx: ctx, event: ev})
}

func (r *Runner) enqueue(ctx context.Context, env envelope) error {
	if env.event == nil {
		return nil
	}
	select {
	case <-r.done:
		return ErrRunnerStopped
	default:
	}
	select {
	case r.inbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRunnerStopped
	}
}

// Go implements Executor. It is only called from the control loop.
func (r *Runner) Go(name string, fn func(ctx context.Context) Event) {
	ctx := r.loopCtx
	sessionID := r.orch.state.SessionID
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		taskCtx, span := r.tracer.Start(ctx, "dropin.effect "+name,
			trace.WithAttributes(attribute.String("dropin.session_id", sessionID)))
		ev := fn(taskCtx)
		span.End()
		if ev == nil {
			return
		}
		select {
		case r.inbox <- envelope{ctx: ctx, event: ev}:
		case <-ctx.Done():
		}
	}()
}

// Snapshot returns the state as of the last handled event. It is safe to call from any goroutine.
func (r *Runner) Snapshot() State {
	snap := r.snapshot.Load()
	if snap == nil {
		return State{}
	}
	return snap.Clone()
}

// Vaulted returns the cached vaulted set. It is safe to call from any goroutine.
func (r *Runner) Vaulted() domain.VaultedMethodSet {
	return r.orch.Vaulted()
}

// Done is closed once Run has returned.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) handle(env envelope) {
	ctx := r.loopCtx
	if env.ctx != nil {
		if sc := trace.SpanContextFromContext(env.ctx); sc.IsValid() {
			ctx = trace.ContextWithSpanContext(ctx, sc)
		}
	}
	before := r.orch.state.Phase
	ctx, span := r.tracer.Start(ctx, "dropin.event "+env.event.EventName(),
		trace.WithAttributes(
			attribute.String("dropin.session_id", r.orch.state.SessionID),
			attribute.String("dropin.phase_before", string(before)),
		))
	err := r.orch.Handle(ctx, env.event)
	after := r.orch.state.Phase
	span.SetAttributes(attribute.String("dropin.phase_after", string(after)))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	if before != after {
		r.logger(ctx, "dropin.phase.changed", map[string]any{
			"sessionID": r.orch.state.SessionID,
			"event":     env.event.EventName(),
			"from":      string(before),
			"to":        string(after),
		})
	}
	if err == nil {
		r.publish(ctx)
	}
	span.End()
	if env.reply != nil {
		env.reply <- err
	}
}

// publish stores the snapshot for readers and persists it.
func (r *Runner) publish(ctx context.Context) {
	snap := r.orch.State()
	r.snapshot.Store(&snap)
	if r.store == nil {
		return
	}
	if err := r.store.SaveState(ctx, snap); err != nil {
		r.logger(ctx, "dropin.state.persist_failed", map[string]any{
			"sessionID": snap.SessionID,
			"error":     err.Error(),
		})
	}
}
