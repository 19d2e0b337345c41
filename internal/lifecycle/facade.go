// Package lifecycle composes the rules oracle, the session store and the
// clock engine into the create/join/move/negotiate/terminate primitives the
// dispatcher calls. Every operation returns broadcast-ready frames or a
// typed error; nothing here touches peers directly.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/chesslink/chesslink/internal/clock"
	"github.com/chesslink/chesslink/internal/obslog"
	"github.com/chesslink/chesslink/internal/rules"
	"github.com/chesslink/chesslink/internal/session"
	"github.com/chesslink/chesslink/pkg/wire"
)

var (
	ErrNotYourTurn     = errors.New("not your turn")
	ErrNotPlayer       = errors.New("you are not a player in this game")
	ErrNoDrawOffer     = errors.New("no pending draw offer to accept")
	ErrNoRematchOffer  = errors.New("no pending rematch offer to accept")
	ErrNotOfferOwner   = errors.New("offer belongs to the other player")
	ErrGameNotFinished = errors.New("game is not finished")
	ErrNotFlagged      = errors.New("clock has not expired")
	ErrIllegalMove     = rules.ErrIllegalMove
)

// Config carries the disconnect deadlines.
type Config struct {
	ClaimWinTimeoutSec    int // timed games
	AbandonmentTimeoutSec int // untimed games
}

// Facade is the lifecycle entry point.
type Facade struct {
	store *session.Store
	cfg   Config
	now   func() time.Time
}

func New(store *session.Store, cfg Config) *Facade {
	return &Facade{store: store, cfg: cfg, now: time.Now}
}

// WithClock pins time for tests.
func (f *Facade) WithClock(now func() time.Time) *Facade {
	f.now = now
	return f
}

func (f *Facade) nowMs() int64 { return f.now().UnixMilli() }

// Store exposes the underlying session store to collaborators that need
// read access (HTTP handlers, sweeper).
func (f *Facade) Store() *session.Store { return f.store }

// CreateGame mints a WAITING room.
func (f *Facade) CreateGame(ctx context.Context, p session.CreateParams) (*session.GameRecord, string, error) {
	return f.store.CreateGame(ctx, p)
}

// JoinGame seats the second player.
func (f *Facade) JoinGame(ctx context.Context, id string) (*session.JoinOutcome, error) {
	return f.store.Join(ctx, id)
}

// MoveReply is the outcome of an accepted (or flag-rejected) move.
type MoveReply struct {
	Frame    wire.Frame
	GameOver bool
}

// MakeMove validates and commits one move. The legality check runs against
// the fresh record; the commit races through the atomic script, so a
// concurrent duplicate loses with session.ErrMoveConflict.
func (f *Facade) MakeMove(ctx context.Context, id string, mover session.Color, from, to, promotion string) (*MoveReply, error) {
	rec, err := f.store.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, session.ErrNotFound
	}
	if rec.Status != session.StatusInProgress {
		return nil, session.ErrNotInProgress
	}
	turn, err := rules.SideToMove(rec.CurrentFEN)
	if err != nil {
		return nil, err
	}
	if turn != string(mover) {
		return nil, ErrNotYourTurn
	}
	res, err := rules.LegalMove(rec.CurrentFEN, from, to, promotion)
	if err != nil {
		return nil, err
	}
	moves, err := f.store.GetMoves(ctx, id)
	if err != nil && !errors.Is(err, session.ErrCorruptLog) {
		return nil, err
	}
	entry := session.MoveEntry{
		MoveNumber:  len(moves) + 1,
		SAN:         res.SAN,
		FEN:         res.FEN,
		CreatedAtMs: f.nowMs(),
	}
	endStatus, endResult := session.Status(""), session.Result("")
	if res.GameOver {
		endStatus, endResult = session.StatusFinished, session.Result(res.Result)
	}
	out, err := f.store.DeductTimeAndMove(ctx, id, mover, entry, endStatus, endResult)
	if err != nil {
		return nil, err
	}
	if out.TimedOut {
		return &MoveReply{
			Frame: &wire.FlagFrame{
				Type:        wire.OutFlag,
				Result:      string(out.Result),
				WhiteTimeMs: out.WhiteTimeMs,
				BlackTimeMs: out.BlackTimeMs,
			},
			GameOver: true,
		}, nil
	}
	if res.GameOver {
		if err := f.store.Archive(ctx, id); err != nil {
			obslog.L().Error("move_archive_error", zap.String("game_id", id), zap.Error(err))
		}
	}
	return &MoveReply{
		Frame: &wire.MoveFrame{
			Type:        wire.OutMove,
			SAN:         res.SAN,
			FEN:         res.FEN,
			MoveNumber:  entry.MoveNumber,
			Color:       string(mover),
			WhiteTimeMs: out.WhiteTimeMs,
			BlackTimeMs: out.BlackTimeMs,
			LastMoveAt:  f.nowMs(),
			GameOver:    res.GameOver,
			Result:      res.Result,
			Method:      res.Method,
		},
		GameOver: res.GameOver,
	}, nil
}

// Resign finalizes in favor of the opponent.
func (f *Facade) Resign(ctx context.Context, id string, who session.Color) (*wire.ResignFrame, error) {
	rec, err := f.requireInProgress(ctx, id)
	if err != nil {
		return nil, err
	}
	result := who.Opponent().Wins()
	if err := f.store.SetGameResult(ctx, id, result); err != nil {
		return nil, err
	}
	_ = f.store.ClearDrawOffer(ctx, id)
	if err := f.store.Archive(ctx, rec.ID); err != nil {
		obslog.L().Error("resign_archive_error", zap.String("game_id", id), zap.Error(err))
	}
	return &wire.ResignFrame{Type: wire.OutResign, Color: string(who), Result: string(result)}, nil
}

// OfferDraw records a single-slot offer. An offer while the opponent's
// offer is outstanding is an implicit accept.
func (f *Facade) OfferDraw(ctx context.Context, id string, who session.Color) (wire.Frame, error) {
	if _, err := f.requireInProgress(ctx, id); err != nil {
		return nil, err
	}
	existing, err := f.store.GetDrawOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != "" && existing != who {
		return f.AcceptDraw(ctx, id, who)
	}
	if err := f.store.SetDrawOffer(ctx, id, who); err != nil {
		return nil, err
	}
	return &wire.DrawOfferFrame{Type: wire.OutDrawOffer, From: string(who)}, nil
}

// AcceptDraw finalizes as a draw; requires the opponent's outstanding offer.
func (f *Facade) AcceptDraw(ctx context.Context, id string, who session.Color) (wire.Frame, error) {
	if _, err := f.requireInProgress(ctx, id); err != nil {
		return nil, err
	}
	offer, err := f.store.GetDrawOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if offer == "" || offer == who {
		return nil, ErrNoDrawOffer
	}
	if err := f.store.SetGameResult(ctx, id, session.ResultDraw); err != nil {
		return nil, err
	}
	_ = f.store.ClearDrawOffer(ctx, id)
	if err := f.store.Archive(ctx, id); err != nil {
		obslog.L().Error("draw_archive_error", zap.String("game_id", id), zap.Error(err))
	}
	return &wire.DrawAcceptedFrame{Type: wire.OutDrawAccepted, Result: string(session.ResultDraw)}, nil
}

// DeclineDraw clears the opponent's offer.
func (f *Facade) DeclineDraw(ctx context.Context, id string, who session.Color) (wire.Frame, error) {
	offer, err := f.store.GetDrawOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if offer == "" || offer == who {
		return nil, ErrNoDrawOffer
	}
	if err := f.store.ClearDrawOffer(ctx, id); err != nil {
		return nil, err
	}
	return &wire.DrawDeclinedFrame{Type: wire.OutDrawDeclined}, nil
}

// CancelDraw withdraws the caller's own offer.
func (f *Facade) CancelDraw(ctx context.Context, id string, who session.Color) (wire.Frame, error) {
	offer, err := f.store.GetDrawOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if offer != who {
		return nil, ErrNotOfferOwner
	}
	if err := f.store.ClearDrawOffer(ctx, id); err != nil {
		return nil, err
	}
	return &wire.DrawCancelledFrame{Type: wire.OutDrawCancelled}, nil
}

// OfferRematch mirrors the draw slot but only on a finished game.
func (f *Facade) OfferRematch(ctx context.Context, id string, who session.Color) (wire.Frame, bool, error) {
	if err := f.requireFinished(ctx, id); err != nil {
		return nil, false, err
	}
	existing, err := f.store.GetRematchOffer(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if existing != "" && existing != who {
		return nil, true, nil // implicit accept; caller runs AcceptRematch
	}
	if err := f.store.SetRematchOffer(ctx, id, who); err != nil {
		return nil, false, err
	}
	return &wire.RematchOfferFrame{Type: wire.OutRematchOffer, From: string(who)}, false, nil
}

// RematchOutcome carries the new room and its swapped seat tokens; the
// dispatcher echoes each peer the token matching its seat.
type RematchOutcome struct {
	NewGameID  string
	WhiteToken string
	BlackToken string
}

// AcceptRematch mints the color-swapped room and deletes the old record.
func (f *Facade) AcceptRematch(ctx context.Context, id string, who session.Color) (*RematchOutcome, error) {
	if err := f.requireFinished(ctx, id); err != nil {
		return nil, err
	}
	offer, err := f.store.GetRematchOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if offer == "" || offer == who {
		return nil, ErrNoRematchOffer
	}
	rec, err := f.store.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, session.ErrNotFound
	}
	seats, err := f.store.GetSeats(ctx, id)
	if err != nil {
		return nil, err
	}
	if seats == nil {
		return nil, session.ErrNotFound
	}
	newRec, newSeats, err := f.store.CreateRematchGame(ctx, rec, seats)
	if err != nil {
		return nil, err
	}
	_ = f.store.ClearRematchOffer(ctx, id)
	if err := f.store.DeleteGame(ctx, id); err != nil {
		obslog.L().Warn("rematch_delete_error", zap.String("game_id", id), zap.Error(err))
	}
	return &RematchOutcome{
		NewGameID:  newRec.ID,
		WhiteToken: newSeats.WhiteToken,
		BlackToken: newSeats.BlackToken,
	}, nil
}

// CancelRematch withdraws the caller's own rematch offer.
func (f *Facade) CancelRematch(ctx context.Context, id string, who session.Color) (wire.Frame, error) {
	offer, err := f.store.GetRematchOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if offer != who {
		return nil, ErrNotOfferOwner
	}
	if err := f.store.ClearRematchOffer(ctx, id); err != nil {
		return nil, err
	}
	return &wire.RematchCancelledFrame{Type: wire.OutRematchCancelled}, nil
}

// FlagOpponent confirms a reported flag against the authoritative clock and
// finalizes when valid. Any peer may report; the server decides.
func (f *Facade) FlagOpponent(ctx context.Context, id string) (*wire.FlagFrame, error) {
	rec, err := f.requireInProgress(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Timed() {
		return nil, ErrNotFlagged
	}
	turn, err := rules.SideToMove(rec.CurrentFEN)
	if err != nil {
		return nil, err
	}
	snap := clock.Snapshot{WhiteMs: rec.WhiteTimeMs, BlackMs: rec.BlackTimeMs, LastMoveAt: rec.LastMoveAt}
	if !clock.Flagged(snap, turn, f.nowMs()) {
		return nil, ErrNotFlagged
	}
	return f.finalizeFlag(ctx, rec, session.Color(turn))
}

func (f *Facade) finalizeFlag(ctx context.Context, rec *session.GameRecord, loser session.Color) (*wire.FlagFrame, error) {
	result, err := f.store.SetFlagged(ctx, rec.ID, loser)
	if err != nil {
		return nil, err
	}
	if err := f.store.Archive(ctx, rec.ID); err != nil {
		obslog.L().Error("flag_archive_error", zap.String("game_id", rec.ID), zap.Error(err))
	}
	w, b := rec.WhiteTimeMs, rec.BlackTimeMs
	if loser == session.White {
		w = 0
	} else {
		b = 0
	}
	return &wire.FlagFrame{Type: wire.OutFlag, Result: string(result), WhiteTimeMs: w, BlackTimeMs: b}, nil
}

// ClaimWin finalizes a disconnect claim through the atomic script.
func (f *Facade) ClaimWin(ctx context.Context, id string, claimant session.Color) (*wire.GameAbandonedFrame, error) {
	result, err := f.store.ClaimWin(ctx, id, claimant)
	if err != nil {
		return nil, err
	}
	return &wire.GameAbandonedFrame{Type: wire.OutGameAbandoned, Result: string(result)}, nil
}

func (f *Facade) requireInProgress(ctx context.Context, id string) (*session.GameRecord, error) {
	rec, err := f.store.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, session.ErrNotFound
	}
	if rec.Status != session.StatusInProgress {
		return nil, session.ErrNotInProgress
	}
	return rec, nil
}

func (f *Facade) requireFinished(ctx context.Context, id string) error {
	rec, err := f.store.GetGame(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return session.ErrNotFound
	}
	if rec.Status != session.StatusFinished {
		return ErrGameNotFinished
	}
	return nil
}
