package tracking

import (
	"context"
	"sync"
	"time"

	"backend-homeservice/internal/position"
	"backend-homeservice/internal/shared/logger"
)

const inboxSize = 64

type RunnerConfig struct {
	Machine    *Machine
	Source     position.Source
	Logger     *logger.Logger
	MaxSilence time.Duration
	// OnTransition runs on the loop goroutine after every committed transition.
	OnTransition func(ctx context.Context, tr Transition)
	Clock        func() time.Time
}

// checkoutCmd finalizes with reading, or with the last accepted reading when nil.
type checkoutCmd struct {
	reading *position.Reading
	mode    CheckoutMode
	reply   chan checkoutResult
}

type checkoutResult struct {
	tr  Transition
	err error
}

// Runner owns a Machine and feeds it from a position source, one input at a
// time. Readings and checkout commands are serialized on a single goroutine.
type Runner struct {
	machine      *Machine
	source       position.Source
	log          *logger.Logger
	maxSilence   time.Duration
	onTransition func(ctx context.Context, tr Transition)
	clock        func() time.Time

	inbox  chan position.Reading
	errs   chan error
	cmds   chan checkoutCmd
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.RWMutex
	status Status
}

func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		machine:      cfg.Machine,
		source:       cfg.Source,
		log:          cfg.Logger,
		maxSilence:   cfg.MaxSilence,
		onTransition: cfg.OnTransition,
		clock:        cfg.Clock,
		inbox:        make(chan position.Reading, inboxSize),
		errs:         make(chan error, inboxSize),
		cmds:         make(chan checkoutCmd),
		done:         make(chan struct{}),
	}
	if r.log == nil {
		r.log = logger.Nop()
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	r.snapshot(nil)
	return r
}

// Start subscribes to the source and runs the loop until Stop, ctx
// cancellation or checkout.
func (r *Runner) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	handle, err := r.source.Start(r.push, r.pushErr)
	if err != nil {
		cancel()
		return err
	}
	r.cancel = cancel
	go r.loop(ctx, handle)
	return nil
}

// Stop cancels the loop and waits for it to exit. Input still in flight is dropped.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Done is closed once the loop has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Checkout asks the loop to finalize the session with reading.
func (r *Runner) Checkout(ctx context.Context, reading position.Reading, mode CheckoutMode) (Transition, error) {
	return r.submit(ctx, checkoutCmd{reading: &reading, mode: mode})
}

// Complete asks the loop to auto-checkout at the last accepted reading.
func (r *Runner) Complete(ctx context.Context) (Transition, error) {
	return r.submit(ctx, checkoutCmd{mode: CheckoutAuto})
}

func (r *Runner) submit(ctx context.Context, cmd checkoutCmd) (Transition, error) {
	cmd.reply = make(chan checkoutResult, 1)
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return Transition{}, ErrNotTracking
	case <-ctx.Done():
		return Transition{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res.tr, res.err
	case <-ctx.Done():
		return Transition{}, ctx.Err()
	}
}

func (r *Runner) push(reading position.Reading) {
	select {
	case r.inbox <- reading:
	case <-r.done:
	}
}

func (r *Runner) pushErr(err error) {
	select {
	case r.errs <- err:
	case <-r.done:
	default:
		// errors are advisory; drop them rather than block the source
	}
}

func (r *Runner) loop(ctx context.Context, handle position.Handle) {
	defer close(r.done)
	defer handle.Stop()

	var tick <-chan time.Time
	if r.maxSilence > 0 {
		ticker := time.NewTicker(r.maxSilence / 4)
		defer ticker.Stop()
		tick = ticker.C
	}
	lastSignal := r.clock()

	for {
		select {
		case <-ctx.Done():
			return

		case reading := <-r.inbox:
			if ctx.Err() != nil {
				return
			}
			lastSignal = r.clock()
			tr, err := r.machine.Apply(ctx, reading)
			r.after(ctx, tr, err)
			if r.machine.Terminal() {
				return
			}

		case err := <-r.errs:
			r.machine.ReportPositionError(ctx, err)
			r.after(ctx, Transition{}, err)

		case cmd := <-r.cmds:
			var (
				tr  Transition
				err error
			)
			if cmd.reading == nil {
				tr, err = r.machine.Complete(ctx)
			} else {
				tr, err = r.machine.Checkout(ctx, *cmd.reading, cmd.mode)
			}
			cmd.reply <- checkoutResult{tr: tr, err: err}
			r.after(ctx, tr, err)
			if r.machine.Terminal() {
				return
			}

		case now := <-tick:
			if r.machine.State() != StateCheckedIn {
				lastSignal = now
				continue
			}
			if gap := now.Sub(lastSignal); gap >= r.maxSilence {
				r.machine.ReportSilence(ctx, gap)
				lastSignal = now
			}
		}
	}
}

func (r *Runner) after(ctx context.Context, tr Transition, err error) {
	if err == nil && r.onTransition != nil {
		switch tr.Kind {
		case "", TransitionNone, TransitionDiscarded, TransitionIgnored:
		default:
			r.onTransition(ctx, tr)
		}
	}
	r.snapshot(err)
}

func (r *Runner) snapshot(err error) {
	next := Status{
		AppointmentID: r.machine.appt.ID,
		Stats:         r.machine.Stats(),
	}
	if s := r.machine.Session(); s != nil {
		next.SessionID = s.ID
		next.LastSampleAt = s.LastSampleAt
		if s.State == StateCheckedIn {
			in := s.InZone()
			next.InZone = &in
		}
	}
	if last, ok := r.machine.LastReading(); ok {
		at := last.CapturedAt
		next.LastSampleAt = &at
	}

	switch {
	case r.machine.Terminal():
		next.State = TrackingCompleted
	case err != nil:
		next.State = TrackingError
		next.LastError = err.Error()
	case next.Stats.Accepted == 0 && next.SessionID == "":
		next.State = TrackingWaiting
	default:
		next.State = TrackingActive
	}

	r.mu.Lock()
	r.status = next
	r.mu.Unlock()
}
