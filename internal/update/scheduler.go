// Package update drives the recurring update pass of a device: when it runs,
// that only one runs at a time, what happens when one fails, and who gets
// woken when one finishes.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultInterval is the pass period a device starts with.
	DefaultInterval = time.Second
	// MinInterval is the shortest accepted period in periodic mode.
	MinInterval = 500 * time.Millisecond
)

// ErrDisabled is returned by UpdateNow when updates are off or halted.
var ErrDisabled = errors.New("updates disabled")

// Mode selects how passes are scheduled.
type Mode int

const (
	// Periodic runs a pass every interval.
	Periodic Mode = iota
	// Continuous runs passes back to back while enabled.
	Continuous
)

func (m Mode) String() string {
	if m == Continuous {
		return "continuous"
	}
	return "periodic"
}

// ParseMode accepts "periodic" or "continuous". Empty selects Periodic.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "periodic":
		return Periodic, nil
	case "continuous":
		return Continuous, nil
	}
	return Periodic, fmt.Errorf("unknown update mode %q", s)
}

// State is the scheduler's externally visible state.
type State int

const (
	Idle State = iota
	Armed
	Running
	Halted
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Halted:
		return "halted"
	}
	return "idle"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Armed, Running, Halted} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown update state %q", b)
}

// UpdateFunc performs one pass against the hardware.
type UpdateFunc func(ctx context.Context) error

// Config is the initial scheduling setup.
type Config struct {
	Interval    time.Duration // 0 means off
	Mode        Mode
	Enabled     bool
	MinInterval time.Duration // 0 selects MinInterval
}

// PassResult describes a finished pass.
type PassResult struct {
	Start    time.Time
	Duration time.Duration
	Err      error
	Halted   bool // this failure halted updates
}

// Status is a snapshot of the scheduler.
type Status struct {
	State      State     `json:"state"`
	Mode       string    `json:"mode"`
	Enabled    bool      `json:"enabled"`
	IntervalMS int64     `json:"interval_ms"`
	Passes     uint64    `json:"passes"`
	Failures   uint64    `json:"failures"`
	LastPass   time.Time `json:"last_pass"`
	LastError  string    `json:"last_error,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPassHook registers fn to run after every pass, on the scheduler's
// goroutine, after waiters are released.
func WithPassHook(fn func(PassResult)) Option {
	return func(s *Scheduler) {
		s.hooks = append(s.hooks, fn)
	}
}

// Scheduler owns the single goroutine that runs update passes for one device.
// The goroutine is the only caller of the UpdateFunc, so passes never overlap.
type Scheduler struct {
	update  UpdateFunc
	logger  *slog.Logger
	hooks   []func(PassResult)
	mode    Mode
	min     time.Duration
	waiters *Waiters

	mu       sync.Mutex
	interval time.Duration
	enabled  bool
	halted   bool
	running  bool
	pending  bool // manual pass requested
	rearm    bool // discard the periodic anchor
	stopped  bool
	passes   uint64
	failures uint64
	lastPass time.Time
	lastErr  error

	wake     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// New creates a stopped scheduler. Call Start to begin scheduling.
func New(update UpdateFunc, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		update:  update,
		logger:  logger,
		mode:    cfg.Mode,
		min:     cfg.MinInterval,
		waiters: NewWaiters(),
		enabled: cfg.Enabled,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if s.min <= 0 {
		s.min = MinInterval
	}
	s.interval = s.clamp(cfg.Interval)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) clamp(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if d < s.min {
		return s.min
	}
	return d
}

// Start launches the scheduling goroutine. Values of ctx are visible to the
// UpdateFunc; its cancellation is not, use Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.run(context.WithoutCancel(ctx))
}

// Stop disables updates, waits for an in-flight pass to finish and releases
// every waiter with ErrDetached.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.enabled = false
		s.stopped = true
		s.mu.Unlock()

		close(s.done)
		s.wg.Wait()
		s.waiters.Close()
	})
}

// Waiters exposes the completion wait set.
func (s *Scheduler) Waiters() *Waiters {
	return s.waiters
}

// Wait blocks until the next pass completes and returns its error.
func (s *Scheduler) Wait(ctx context.Context) error {
	return s.waiters.Wait(ctx)
}

type triggerResult int

const (
	triggered triggerResult = iota
	busy
	disabled
)

func (s *Scheduler) trigger() triggerResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.enabled || s.stopped:
		return disabled
	case s.running || s.pending:
		return busy
	}
	s.pending = true
	s.signal()
	return triggered
}

// Trigger requests a pass now. It reports false when the request was dropped
// because a pass is already running or queued, or updates are off.
func (s *Scheduler) Trigger() bool {
	return s.trigger() == triggered
}

// UpdateNow requests a pass and waits for it. If a pass is already in
// flight it waits for that one instead.
func (s *Scheduler) UpdateNow(ctx context.Context) error {
	t := s.waiters.Next()
	if s.trigger() == disabled {
		return ErrDisabled
	}
	return t.Wait(ctx)
}

// SetInterval changes the pass period. Zero turns periodic updates off;
// other values are raised to the minimum. The halted flag is unaffected.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.mu.Lock()
	old := s.interval
	s.interval = s.clamp(d)
	s.rearm = true
	cur := s.interval
	s.signal()
	s.mu.Unlock()

	switch {
	case cur == 0 && old != 0:
		s.logger.Info("halting updates: interval set to 0")
	case cur != old:
		s.logger.Info("update interval changed", "interval", cur)
	}
}

// SetEnabled turns updates on or off. Enabling clears a halt.
func (s *Scheduler) SetEnabled(on bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	wasHalted := s.halted
	changed := s.enabled != on || wasHalted
	s.enabled = on
	s.halted = false
	if on {
		s.rearm = true
	}
	s.signal()
	s.mu.Unlock()

	if !changed {
		return
	}
	switch {
	case on && wasHalted:
		s.logger.Info("restarting halted updates")
	case on:
		s.logger.Info("updates enabled")
	default:
		s.logger.Info("updates disabled")
	}
}

// signal wakes the loop. Callers hold mu.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) stateLocked() State {
	switch {
	case s.running:
		return Running
	case s.halted:
		return Halted
	case s.enabled && !s.stopped && (s.mode == Continuous || s.interval > 0):
		return Armed
	}
	return Idle
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Status returns a snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:      s.stateLocked(),
		Mode:       s.mode.String(),
		Enabled:    s.enabled,
		IntervalMS: s.interval.Milliseconds(),
		Passes:     s.passes,
		Failures:   s.failures,
		LastPass:   s.lastPass,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var next time.Time
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.Lock()
		armed := s.enabled && !s.stopped
		interval := s.interval
		pending := s.pending
		if s.rearm {
			next = time.Time{}
			s.rearm = false
		}
		s.mu.Unlock()

		if pending {
			s.pass(ctx)
			continue
		}

		var fire <-chan time.Time
		switch {
		case !armed:
			next = time.Time{}
		case s.mode == Continuous:
			s.pass(ctx)
			continue
		case interval > 0:
			if next.IsZero() {
				next = time.Now().Add(interval)
			}
			timer.Reset(time.Until(next))
			fire = timer.C
		default:
			next = time.Time{}
		}

		select {
		case <-s.done:
			return
		case <-s.wake:
			timer.Stop()
		case <-fire:
			s.pass(ctx)
			next = forward(next, time.Now(), interval)
		}
	}
}

// forward advances the anchor by whole periods until it is in the future,
// so a slow pass skips missed ticks instead of drifting.
func forward(next, now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return time.Time{}
	}
	next = next.Add(interval)
	if behind := now.Sub(next); behind >= 0 {
		next = next.Add((behind/interval + 1) * interval)
	}
	return next
}

func (s *Scheduler) pass(ctx context.Context) {
	s.mu.Lock()
	if !s.enabled || s.stopped {
		s.pending = false
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.running = true
	s.mu.Unlock()

	start := time.Now()
	err := s.update(ctx)
	res := PassResult{Start: start, Duration: time.Since(start), Err: err}

	s.mu.Lock()
	s.running = false
	s.passes++
	s.lastPass = start
	s.lastErr = err
	if err != nil {
		s.failures++
		if s.enabled {
			s.enabled = false
			s.halted = true
			res.Halted = true
		}
	}
	s.mu.Unlock()

	if res.Halted {
		s.logger.Error("halting updates: last update failed", "err", err)
	} else if err != nil {
		s.logger.Warn("update failed", "err", err)
	} else {
		s.logger.Debug("update complete", "duration", res.Duration)
	}

	s.waiters.Release(err)
	for _, h := range s.hooks {
		h(res)
	}
}
