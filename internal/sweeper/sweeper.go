// Package sweeper garbage-collects orphaned rooms: stale WAITING
// advertisements, zombie IN_PROGRESS games nobody is attached to, and
// terminal rooms whose peers are gone. It observes the hot store only.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chesslink/chesslink/internal/hotstore"
	"github.com/chesslink/chesslink/internal/obslog"
	"github.com/chesslink/chesslink/internal/session"
)

// Config tunes the sweep cadence and cutoffs.
type Config struct {
	Interval              time.Duration
	WaitingMaxAge         time.Duration
	AbandonmentTimeoutSec int
}

// Sweeper periodically scans game keys and reclaims what no one will come
// back for.
type Sweeper struct {
	rdb   *redis.Client
	store *session.Store
	cfg   Config
	now   func() time.Time
}

func New(rdb *redis.Client, store *session.Store, cfg Config) *Sweeper {
	return &Sweeper{rdb: rdb, store: store, cfg: cfg, now: time.Now}
}

// WithClock pins time for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps once immediately, then on every interval tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep walks every game record once. Each room is processed in isolation;
// failures are collected and reported, never propagated — a bad room must
// not abort the sweep.
func (s *Sweeper) Sweep(ctx context.Context) []error {
	var errs []error
	var scanned, reclaimed int
	err := hotstore.ScanKeys(ctx, s.rdb, "game:*", func(keys []string) error {
		for _, key := range keys {
			id, ok := session.IDFromGameKey(key)
			if !ok {
				continue
			}
			scanned++
			acted, err := s.sweepRoom(ctx, id)
			if err != nil {
				errs = append(errs, fmt.Errorf("room %s: %w", id, err))
			}
			if acted {
				reclaimed++
			}
		}
		return nil
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("scan: %w", err))
	}
	if len(errs) > 0 {
		obslog.L().Warn("sweep_errors", zap.Int("count", len(errs)), zap.Errors("errors", errs))
	}
	obslog.L().Info("sweep_done", zap.Int("scanned", scanned), zap.Int("reclaimed", reclaimed))
	return errs
}

func (s *Sweeper) sweepRoom(ctx context.Context, id string) (acted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	rec, err := s.store.GetGame(ctx, id)
	if err != nil || rec == nil {
		return false, err
	}
	switch {
	case rec.Status == session.StatusWaiting:
		age := s.now().UnixMilli() - rec.CreatedAt
		if age > s.cfg.WaitingMaxAge.Milliseconds() {
			obslog.L().Info("sweep_orphan_waiting", zap.String("game_id", id), zap.Int64("age_ms", age))
			return true, s.store.DeleteGame(ctx, id)
		}
	case rec.Status == session.StatusInProgress:
		return s.sweepLive(ctx, id)
	case rec.Status.Terminal():
		seats, err := s.store.GetSeats(ctx, id)
		if err != nil {
			return false, err
		}
		if seats == nil || (!seats.WhiteConnected && !seats.BlackConnected) {
			obslog.L().Info("sweep_stale_terminal", zap.String("game_id", id))
			return true, s.store.ArchiveAndDelete(ctx, id)
		}
	}
	return false, nil
}

func (s *Sweeper) sweepLive(ctx context.Context, id string) (bool, error) {
	timer, err := s.store.GetAbandonmentTimer(ctx, id)
	if err != nil {
		return false, err
	}
	if timer == nil {
		seats, err := s.store.GetSeats(ctx, id)
		if err != nil {
			return false, err
		}
		if seats != nil && !seats.WhiteConnected && !seats.BlackConnected {
			// Double disconnect with no timer on record. The disconnected
			// color is a fixed tie-break so the room converges either way.
			_, err := s.store.SetAbandonmentTimer(ctx, id, session.White, s.cfg.AbandonmentTimeoutSec)
			obslog.L().Info("sweep_zombie_timer", zap.String("game_id", id))
			return err == nil, err
		}
		return false, nil
	}
	out, err := s.store.CheckAndProcessAbandonment(ctx, id)
	if err != nil {
		return false, err
	}
	if out.Abandoned {
		obslog.L().Info("sweep_abandon_finalized",
			zap.String("game_id", id),
			zap.String("result", string(out.Result)),
		)
	}
	return out.Abandoned, nil
}
