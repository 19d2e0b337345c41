package lifecycle

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/chesslink/chesslink/internal/clock"
	"github.com/chesslink/chesslink/internal/obslog"
	"github.com/chesslink/chesslink/internal/rules"
	"github.com/chesslink/chesslink/internal/session"
	"github.com/chesslink/chesslink/pkg/wire"
)

// GameState builds the state frame for one peer, reconciling the move log
// with the stored position first. If the side to move has already busted
// its clock the game is finalized here and a flag frame comes back instead.
func (f *Facade) GameState(ctx context.Context, id string, yourRole string) (wire.Frame, error) {
	rec, err := f.store.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, session.ErrNotFound
	}

	moves, corrupted, err := f.reconcileLog(ctx, rec)
	if err != nil {
		return nil, err
	}

	// Opportunistic flag: never hand out a live game_state for a busted
	// position.
	if rec.Status == session.StatusInProgress && rec.Timed() {
		turn, terr := rules.SideToMove(rec.CurrentFEN)
		if terr == nil {
			snap := clock.Snapshot{WhiteMs: rec.WhiteTimeMs, BlackMs: rec.BlackTimeMs, LastMoveAt: rec.LastMoveAt}
			if clock.Flagged(snap, turn, f.nowMs()) {
				return f.finalizeFlag(ctx, rec, session.Color(turn))
			}
		}
	}

	seats, err := f.store.GetSeats(ctx, id)
	if err != nil {
		return nil, err
	}
	drawOffer, _ := f.store.GetDrawOffer(ctx, id)
	rematchOffer, _ := f.store.GetRematchOffer(ctx, id)
	spectators, _ := f.store.CountSpectators(ctx, id)

	frame := &wire.GameStateFrame{
		Type:               wire.OutGameState,
		GameID:             rec.ID,
		Status:             string(rec.Status),
		Result:             string(rec.Result),
		FEN:                rec.CurrentFEN,
		Moves:              make([]wire.MoveView, 0, len(moves)),
		YourRole:           yourRole,
		TimeInitialMs:      rec.TimeInitialMs,
		TimeIncrementMs:    rec.TimeIncrementMs,
		LastMoveAt:         rec.LastMoveAt,
		DrawOffer:          string(drawOffer),
		RematchOffer:       string(rematchOffer),
		Spectators:         spectators,
		GameStateCorrupted: corrupted,
	}
	for _, m := range moves {
		frame.Moves = append(frame.Moves, wire.MoveView{MoveNumber: m.MoveNumber, SAN: m.SAN, FEN: m.FEN})
	}
	if seats != nil {
		frame.WhiteConnected = seats.WhiteConnected
		frame.BlackConnected = seats.BlackConnected
	}
	if rec.Timed() && rec.Status == session.StatusInProgress {
		turn, terr := rules.SideToMove(rec.CurrentFEN)
		if terr == nil {
			snap := clock.Snapshot{WhiteMs: rec.WhiteTimeMs, BlackMs: rec.BlackTimeMs, LastMoveAt: rec.LastMoveAt}
			frame.WhiteTimeMs, frame.BlackTimeMs = clock.Live(snap, turn, f.nowMs())
		}
	} else {
		frame.WhiteTimeMs, frame.BlackTimeMs = rec.WhiteTimeMs, rec.BlackTimeMs
	}
	if t, _ := f.store.GetAbandonmentTimer(ctx, id); t != nil {
		frame.ClaimDeadline = t.DeadlineMs
	}
	return frame, nil
}

// reconcileLog replays the SAN log through the oracle. The replay result is
// authoritative: a divergent stored FEN is corrected silently; a move that
// fails to replay drops the tail, raises a warning and marks the state
// corrupted for the client.
func (f *Facade) reconcileLog(ctx context.Context, rec *session.GameRecord) ([]session.MoveEntry, bool, error) {
	moves, err := f.store.GetMoves(ctx, rec.ID)
	corrupted := false
	if err != nil {
		if !errors.Is(err, session.ErrCorruptLog) {
			return nil, false, err
		}
		corrupted = true
	}
	sans := make([]string, len(moves))
	for i, m := range moves {
		sans[i] = m.SAN
	}
	fen, failIdx := rules.Replay(sans)
	if failIdx >= 0 {
		corrupted = true
		moves = moves[:failIdx]
	}
	if corrupted {
		obslog.L().Warn("move_log_corrupted",
			zap.String("game_id", rec.ID),
			zap.Int("kept_moves", len(moves)),
		)
		if err := f.store.TruncateMoves(ctx, rec.ID, len(moves)); err != nil {
			return nil, false, err
		}
	}
	if fen != rec.CurrentFEN {
		if err := f.store.SetCurrentFEN(ctx, rec.ID, fen); err != nil {
			return nil, false, err
		}
		rec.CurrentFEN = fen
	}
	return moves, corrupted, nil
}

// DisconnectResult is what the dispatcher broadcasts after a player drops.
type DisconnectResult struct {
	Frame   wire.Frame
	Deleted bool // WAITING room removed outright
}

// HandleDisconnect applies the disconnect policy for a departed peer:
// delete an emptied WAITING room, or start the claim-win (timed) or
// abandonment (untimed) timer for a live one.
func (f *Facade) HandleDisconnect(ctx context.Context, id string, role session.Color, roomEmpty bool) (*DisconnectResult, error) {
	rec, err := f.store.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &DisconnectResult{}, nil
	}
	switch rec.Status {
	case session.StatusWaiting:
		if roomEmpty {
			if err := f.store.DeleteGame(ctx, id); err != nil {
				return nil, err
			}
			return &DisconnectResult{Deleted: true}, nil
		}
		return &DisconnectResult{}, nil
	case session.StatusInProgress:
		timeout := f.cfg.AbandonmentTimeoutSec
		if rec.Timed() {
			timeout = f.cfg.ClaimWinTimeoutSec
		}
		t, err := f.store.SetAbandonmentTimer(ctx, id, role, timeout)
		if err != nil {
			return nil, err
		}
		frame := &wire.OpponentDisconnectedFrame{Type: wire.OutOpponentDisconnected, Color: string(role)}
		if rec.Timed() {
			frame.ClaimDeadline = t.DeadlineMs
		}
		return &DisconnectResult{Frame: frame}, nil
	default:
		return &DisconnectResult{}, nil
	}
}

// HandleReconnect clears a pending timer for the returning color.
func (f *Facade) HandleReconnect(ctx context.Context, id string, role session.Color) (wire.Frame, error) {
	t, err := f.store.GetAbandonmentTimer(ctx, id)
	if err != nil {
		return nil, err
	}
	if t != nil && t.Color == role {
		if err := f.store.ClearAbandonmentTimer(ctx, id); err != nil {
			return nil, err
		}
	}
	return &wire.OpponentConnectedFrame{Type: wire.OutOpponentConnected, Color: string(role)}, nil
}

// ClockSync re-anchors the countdown display of already-present peers when
// a timed game's second player attaches.
func (f *Facade) ClockSync(rec *session.GameRecord) *wire.ClockSyncFrame {
	return &wire.ClockSyncFrame{
		Type:        wire.OutClockSync,
		WhiteTimeMs: rec.WhiteTimeMs,
		BlackTimeMs: rec.BlackTimeMs,
		LastMoveAt:  rec.LastMoveAt,
	}
}
