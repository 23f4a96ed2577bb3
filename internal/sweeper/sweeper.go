// Package sweeper runs the periodic settlement housekeeping loop.
//
// One ticker drives every time-based transition in the system: expiring
// stale checkout sessions and browsing sessions, auto-releasing escrows
// past their hold window, warning disputes approaching auto-resolution,
// splitting disputes past their deadline, and replaying the ledger. Each
// pass is guarded against panics so one bad record cannot kill the loop.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/veilmarket/veilmarket/internal/dispute"
	"github.com/veilmarket/veilmarket/internal/metrics"
	"github.com/veilmarket/veilmarket/internal/reconciliation"
)

// batchLimit caps how many records one pass touches per concern.
const batchLimit = 500

// CheckoutSweeper expires stale pending checkout sessions.
type CheckoutSweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// EscrowSweeper releases escrows whose hold window has passed.
type EscrowSweeper interface {
	ListReleasableIDs(ctx context.Context, before time.Time, limit int) ([]string, error)
	AutoRelease(ctx context.Context, id string) error
}

// DisputeSweeper warns and auto-resolves disputes on deadline.
type DisputeSweeper interface {
	WarnPending(ctx context.Context, limit int) (int, error)
	ListAutoResolvableIDs(ctx context.Context, before time.Time, limit int) ([]string, error)
	AutoResolve(ctx context.Context, id string) (*dispute.Dispute, error)
}

// SessionSweeper drops expired browsing sessions.
type SessionSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Reconciler replays the ledger against stored balances.
type Reconciler interface {
	Run(ctx context.Context) (*reconciliation.Result, error)
}

// Sweeper drives all periodic settlement work on one interval.
type Sweeper struct {
	checkouts CheckoutSweeper
	escrows   EscrowSweeper
	disputes  DisputeSweeper
	sessions  SessionSweeper
	reconcile Reconciler

	interval       time.Duration
	reconcileEvery int // reconcile once per this many passes
	logger         *slog.Logger
	stop           chan struct{}
	running        atomic.Bool
	passes         atomic.Int64
}

// New creates a sweeper. Any nil dependency skips that concern.
func New(interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		interval:       interval,
		reconcileEvery: 10,
		logger:         logger,
		stop:           make(chan struct{}),
	}
}

// WithCheckouts wires checkout expiry.
func (s *Sweeper) WithCheckouts(c CheckoutSweeper) *Sweeper {
	s.checkouts = c
	return s
}

// WithEscrows wires escrow auto-release.
func (s *Sweeper) WithEscrows(e EscrowSweeper) *Sweeper {
	s.escrows = e
	return s
}

// WithDisputes wires dispute warning and auto-resolution.
func (s *Sweeper) WithDisputes(d DisputeSweeper) *Sweeper {
	s.disputes = d
	return s
}

// WithSessions wires browsing session expiry.
func (s *Sweeper) WithSessions(g SessionSweeper) *Sweeper {
	s.sessions = g
	return s
}

// WithReconciler wires periodic ledger replay.
func (s *Sweeper) WithReconciler(r Reconciler) *Sweeper {
	s.reconcile = r
	return s
}

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-s.stop:
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// SweepOnce runs a single pass. Exposed for the admin trigger endpoint.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.safeSweep(ctx)
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweepErrorsTotal.Inc()
			s.logger.Error("panic in sweep pass", "panic", fmt.Sprint(r))
		}
	}()

	pass := s.passes.Add(1)
	s.sweepCheckouts(ctx)
	s.sweepEscrows(ctx)
	s.sweepDisputes(ctx)
	s.sweepSessions(ctx)
	if s.reconcile != nil && pass%int64(s.reconcileEvery) == 0 {
		if _, err := s.reconcile.Run(ctx); err != nil {
			metrics.SweepErrorsTotal.Inc()
			s.logger.Warn("reconciliation pass failed", "error", err)
		}
	}
	metrics.SweepRunsTotal.Inc()
}

func (s *Sweeper) sweepCheckouts(ctx context.Context) {
	if s.checkouts == nil {
		return
	}
	expired, err := s.checkouts.SweepExpired(ctx, batchLimit)
	if err != nil {
		metrics.SweepErrorsTotal.Inc()
		s.logger.Warn("checkout sweep failed", "error", err)
		return
	}
	if expired > 0 {
		s.logger.Info("expired stale checkouts", "count", expired)
	}
}

func (s *Sweeper) sweepEscrows(ctx context.Context) {
	if s.escrows == nil {
		return
	}
	ids, err := s.escrows.ListReleasableIDs(ctx, time.Now(), batchLimit)
	if err != nil {
		metrics.SweepErrorsTotal.Inc()
		s.logger.Warn("escrow sweep failed", "error", err)
		return
	}
	released := 0
	for _, id := range ids {
		if err := s.escrows.AutoRelease(ctx, id); err != nil {
			metrics.SweepErrorsTotal.Inc()
			s.logger.Warn("escrow auto-release failed", "escrow_id", id, "error", err)
			continue
		}
		metrics.EscrowAutoReleasedTotal.Inc()
		released++
	}
	if released > 0 {
		s.logger.Info("auto-released escrows", "count", released)
	}
}

func (s *Sweeper) sweepDisputes(ctx context.Context) {
	if s.disputes == nil {
		return
	}
	warned, err := s.disputes.WarnPending(ctx, batchLimit)
	if err != nil {
		metrics.SweepErrorsTotal.Inc()
		s.logger.Warn("dispute warning sweep failed", "error", err)
	} else if warned > 0 {
		s.logger.Info("warned disputes nearing auto-resolution", "count", warned)
	}

	ids, err := s.disputes.ListAutoResolvableIDs(ctx, time.Now(), batchLimit)
	if err != nil {
		metrics.SweepErrorsTotal.Inc()
		s.logger.Warn("dispute sweep failed", "error", err)
		return
	}
	resolved := 0
	for _, id := range ids {
		if _, err := s.disputes.AutoResolve(ctx, id); err != nil {
			metrics.SweepErrorsTotal.Inc()
			s.logger.Warn("dispute auto-resolve failed", "dispute_id", id, "error", err)
			continue
		}
		resolved++
	}
	if resolved > 0 {
		s.logger.Info("auto-resolved disputes", "count", resolved)
	}
}

func (s *Sweeper) sweepSessions(ctx context.Context) {
	if s.sessions == nil {
		return
	}
	removed, err := s.sessions.SweepExpired(ctx)
	if err != nil {
		metrics.SweepErrorsTotal.Inc()
		s.logger.Warn("session sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("removed expired browsing sessions", "count", removed)
	}
}
