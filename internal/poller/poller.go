// Package poller implements the payment status poller: per-payment sessions
// that query the gateway on an adaptive cadence while the buyer stares at
// the pix QR code, and hand confirmed payments to the reconciliation flow.
//
// Cadence: the first window polls frequently (most pix payments settle in
// the first minute or two), then the session backs off to a slower interval
// until the attempt cap, after which it times out and goes dormant. A
// dormant session still answers manual checks; it just stops burning
// gateway quota on its own.
//
// Cancellation is cooperative: Stop flips the liveness flag, and a query
// already in flight when the session stops has its result discarded rather
// than acted on.
package poller

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confix/go-shipping-backend/internal/gateway"
)

// State is the lifecycle phase of a polling session.
type State string

const (
	StatePending  State = "pending"   // polling on cadence
	StatePaid     State = "paid"      // gateway reported settled
	StateFailed   State = "failed"    // gateway reported expired/rejected
	StateTimedOut State = "timed_out" // attempt cap reached, dormant
	StateStopped  State = "stopped"   // cancelled before any terminal answer
)

// Terminal reports whether the session will never poll on its own again.
// TimedOut is terminal for the cadence but still serves CheckNow.
func (s State) Terminal() bool { return s != StatePending }

// Config is the polling cadence. Zero values fall back to defaults.
type Config struct {
	FastInterval time.Duration // spacing for the first FastAttempts queries
	SlowInterval time.Duration // spacing after that
	FastAttempts int
	MaxAttempts  int
}

// DefaultConfig is the production cadence: 2s for two minutes, then 5s up
// to 600 total attempts (about 47 minutes), matching the gateway's pix
// charge expiry window.
func DefaultConfig() Config {
	return Config{
		FastInterval: 2 * time.Second,
		SlowInterval: 5 * time.Second,
		FastAttempts: 60,
		MaxAttempts:  600,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FastInterval <= 0 {
		c.FastInterval = d.FastInterval
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = d.SlowInterval
	}
	if c.FastAttempts <= 0 {
		c.FastAttempts = d.FastAttempts
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Interval returns the wait before the given 1-based attempt.
func (c Config) Interval(attempt int) time.Duration {
	if attempt <= c.FastAttempts {
		return c.FastInterval
	}
	return c.SlowInterval
}

// Clock abstracts the scheduler so tests drive cadence without sleeping.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Hooks are the session's outbound edges. OnPaid fires at most once per
// session, on the session goroutine (or the CheckNow caller); it is where
// the reconciliation flow is entered. OnFailed mirrors it for terminal
// gateway rejections. Either may be nil.
type Hooks struct {
	OnPaid   func(ctx context.Context, externalReference string)
	OnFailed func(ctx context.Context, externalReference string)
}

// Session polls one payment. Create with NewSession, then Start once.
type Session struct {
	PaymentID         string
	ExternalReference string

	gw    gateway.StatusQuerier
	cfg   Config
	clock Clock
	hooks Hooks

	mu       sync.Mutex
	state    State
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSession builds a session in StatePending. A nil clock means wall time.
func NewSession(paymentID, externalReference string, gw gateway.StatusQuerier, cfg Config, clock Clock, hooks Hooks) *Session {
	if clock == nil {
		clock = realClock{}
	}
	return &Session{
		PaymentID:         paymentID,
		ExternalReference: externalReference,
		gw:                gw,
		cfg:               cfg.withDefaults(),
		clock:             clock,
		hooks:             hooks,
		state:             StatePending,
		done:              make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns how many gateway queries the cadence has issued.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Start launches the polling loop. Calling Start on a session that already
// ran is a no-op.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil || s.state != StatePending {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop cancels the cadence. Any query already in flight completes but its
// result is discarded. Safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StatePending {
		s.state = StateStopped
		pollSessions.WithLabelValues(string(StateStopped)).Inc()
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the polling goroutine exits.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.Interval(attempt)):
		}
		if s.State() != StatePending {
			return
		}

		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()
		pollQueries.Inc()

		res, err := s.gw.QueryStatus(ctx, s.PaymentID)
		if err != nil {
			// Transient by assumption; the next tick retries.
			log.Debug().Err(err).
				Str("payment_id", s.PaymentID).
				Int("attempt", attempt).
				Msg("poll query failed")
			continue
		}
		if s.settle(ctx, res) {
			return
		}
	}

	s.mu.Lock()
	timedOut := s.state == StatePending
	if timedOut {
		s.state = StateTimedOut
	}
	s.mu.Unlock()
	if timedOut {
		pollSessions.WithLabelValues(string(StateTimedOut)).Inc()
		log.Info().
			Str("payment_id", s.PaymentID).
			Str("reference", s.ExternalReference).
			Int("attempts", s.cfg.MaxAttempts).
			Msg("payment poll timed out, session dormant")
	}
}

// CheckNow performs one out-of-band gateway query, independent of the
// cadence (it neither consumes an attempt nor resets spacing). It works in
// every state except Paid/Failed/Stopped, including TimedOut, which is how
// a buyer's "I did pay" button revives a dormant session.
func (s *Session) CheckNow(ctx context.Context) (gateway.StatusResult, error) {
	if st := s.State(); st == StatePaid || st == StateFailed || st == StateStopped {
		return gateway.StatusResult{}, ErrSessionClosed
	}
	res, err := s.gw.QueryStatus(ctx, s.PaymentID)
	if err != nil {
		return gateway.StatusResult{}, err
	}
	s.settle(ctx, res)
	return res, nil
}

// settle applies a gateway answer, firing the terminal hook at most once.
// Returns true when the session reached Paid or Failed.
func (s *Session) settle(ctx context.Context, res gateway.StatusResult) bool {
	switch {
	case res.Paid:
		if !s.transition(StatePaid) {
			return true
		}
		log.Info().
			Str("payment_id", s.PaymentID).
			Str("reference", s.ExternalReference).
			Msg("poll observed payment settled")
		if s.hooks.OnPaid != nil {
			s.hooks.OnPaid(ctx, s.ExternalReference)
		}
		return true

	case terminalGatewayStatus(res.Status):
		if !s.transition(StateFailed) {
			return true
		}
		log.Info().
			Str("payment_id", s.PaymentID).
			Str("reference", s.ExternalReference).
			Str("status", res.Status).
			Msg("poll observed payment failure")
		if s.hooks.OnFailed != nil {
			s.hooks.OnFailed(ctx, s.ExternalReference)
		}
		return true
	}
	return false
}

// transition moves Pending or TimedOut into a terminal answer. It refuses
// everything else, which is what discards a stale in-flight result after
// Stop and keeps the hooks single-shot.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending && s.state != StateTimedOut {
		return false
	}
	s.state = to
	pollSessions.WithLabelValues(string(to)).Inc()
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

func terminalGatewayStatus(status string) bool {
	switch strings.ToUpper(status) {
	case "EXPIRED", "REJECTED", "CANCELLED", "REFUNDED":
		return true
	}
	return false
}
