package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chesslink/chesslink/internal/rules"
	"github.com/chesslink/chesslink/internal/session"
	"github.com/chesslink/chesslink/pkg/wire"
)

type fakeClock struct{ ms int64 }

func (f *fakeClock) now() time.Time  { return time.UnixMilli(f.ms) }
func (f *fakeClock) advance(d int64) { f.ms += d }

type memArchiver struct{ ids map[string]int }

func (a *memArchiver) InsertGame(_ context.Context, rec *session.GameRecord, _ []session.MoveEntry) error {
	if a.ids == nil {
		a.ids = map[string]int{}
	}
	a.ids[rec.ID]++
	return nil
}

type env struct {
	fc    *Facade
	store *session.Store
	clk   *fakeClock
	arch  *memArchiver
	rdb   *redis.Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clk := &fakeClock{ms: 1_000_000}
	store := session.New(rdb, 0, session.WithClock(clk.now), session.WithRandBit(func() int { return 0 }))
	arch := &memArchiver{}
	store.AttachArchiver(arch)
	fc := New(store, Config{ClaimWinTimeoutSec: 60, AbandonmentTimeoutSec: 300}).WithClock(clk.now)
	return &env{fc: fc, store: store, clk: clk, arch: arch, rdb: rdb}
}

func (e *env) started(t *testing.T, initialMs int64) *session.GameRecord {
	t.Helper()
	ctx := context.Background()
	rec, _, err := e.fc.CreateGame(ctx, session.CreateParams{CreatorColor: session.ChoiceWhite, TimeInitialMs: initialMs})
	require.NoError(t, err)
	_, err = e.fc.JoinGame(ctx, rec.ID)
	require.NoError(t, err)
	got, err := e.store.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	return got
}

func mustMove(t *testing.T, e *env, id string, color session.Color, from, to string) *wire.MoveFrame {
	t.Helper()
	reply, err := e.fc.MakeMove(context.Background(), id, color, from, to, "")
	require.NoError(t, err)
	frame, ok := reply.Frame.(*wire.MoveFrame)
	require.True(t, ok, "expected move frame, got %T", reply.Frame)
	return frame
}

func TestScenarioScholarsMate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 0)

	mustMove(t, e, rec.ID, session.White, "e2", "e4")
	mustMove(t, e, rec.ID, session.Black, "e7", "e5")
	mustMove(t, e, rec.ID, session.White, "d1", "h5")
	mustMove(t, e, rec.ID, session.Black, "b8", "c6")
	mustMove(t, e, rec.ID, session.White, "f1", "c4")
	mustMove(t, e, rec.ID, session.Black, "g8", "f6")
	last := mustMove(t, e, rec.ID, session.White, "h5", "f7")

	require.Equal(t, "Qxf7#", last.SAN)
	require.True(t, last.GameOver)
	require.Equal(t, "WHITE_WINS", last.Result)

	got, err := e.store.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusFinished, got.Status)
	require.Equal(t, session.ResultWhiteWins, got.Result)
	require.Equal(t, 1, e.arch.ids[rec.ID])

	// No further moves on a finished game.
	_, err = e.fc.MakeMove(ctx, rec.ID, session.Black, "e8", "e7", "")
	require.ErrorIs(t, err, session.ErrNotInProgress)
}

func TestScenarioFlag(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 5000)

	e.clk.advance(1000)
	mustMove(t, e, rec.ID, session.White, "e2", "e4")

	// Black never answers; any peer reports the flag after expiry.
	e.clk.advance(4000)
	_, err := e.fc.FlagOpponent(ctx, rec.ID)
	require.ErrorIs(t, err, ErrNotFlagged)

	e.clk.advance(1001)
	frame, err := e.fc.FlagOpponent(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "WHITE_WINS", frame.Result)
	require.Equal(t, int64(0), frame.BlackTimeMs)
	require.GreaterOrEqual(t, frame.WhiteTimeMs, int64(0))

	got, err := e.store.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusFinished, got.Status)
	require.Equal(t, int64(0), got.BlackTimeMs)
	require.Equal(t, 1, e.arch.ids[rec.ID])
}

func TestGameStateFinalizesBustedClock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 5000)

	e.clk.advance(6000)
	frame, err := e.fc.GameState(ctx, rec.ID, "spectator")
	require.NoError(t, err)
	flag, ok := frame.(*wire.FlagFrame)
	require.True(t, ok, "expected flag finalization, got %T", frame)
	require.Equal(t, "BLACK_WINS", flag.Result) // white was to move

	got, err := e.store.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusFinished, got.Status)
}

func TestScenarioDrawOfferAccept(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 0)

	frame, err := e.fc.OfferDraw(ctx, rec.ID, session.White)
	require.NoError(t, err)
	offer, ok := frame.(*wire.DrawOfferFrame)
	require.True(t, ok)
	require.Equal(t, "white", offer.From)

	accepted, err := e.fc.AcceptDraw(ctx, rec.ID, session.Black)
	require.NoError(t, err)
	acc, ok := accepted.(*wire.DrawAcceptedFrame)
	require.True(t, ok)
	require.Equal(t, "DRAW", acc.Result)

	got, err := e.store.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusFinished, got.Status)
	require.Equal(t, session.ResultDraw, got.Result)
	require.Equal(t, 1, e.arch.ids[rec.ID])
}

func TestCounterOfferIsImplicitAccept(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 0)

	_, err := e.fc.OfferDraw(ctx, rec.ID, session.White)
	require.NoError(t, err)
	frame, err := e.fc.OfferDraw(ctx, rec.ID, session.Black)
	require.NoError(t, err)
	_, ok := frame.(*wire.DrawAcceptedFrame)
	require.True(t, ok, "counter-offer must accept, got %T", frame)
}

func TestDrawDeclineAndCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 0)

	// Nothing to accept or decline yet.
	_, err := e.fc.AcceptDraw(ctx, rec.ID, session.Black)
	require.ErrorIs(t, err, ErrNoDrawOffer)

	_, err = e.fc.OfferDraw(ctx, rec.ID, session.White)
	require.NoError(t, err)

	// The owner cannot accept its own offer.
	_, err = e.fc.AcceptDraw(ctx, rec.ID, session.White)
	require.ErrorIs(t, err, ErrNoDrawOffer)

	// Only the owner cancels.
	_, err = e.fc.CancelDraw(ctx, rec.ID, session.Black)
	require.ErrorIs(t, err, ErrNotOfferOwner)
	_, err = e.fc.CancelDraw(ctx, rec.ID, session.White)
	require.NoError(t, err)

	offer, err := e.store.GetDrawOffer(ctx, rec.ID)
	require.NoError(t, err)
	require.Empty(t, offer)

	// Decline path.
	_, err = e.fc.OfferDraw(ctx, rec.ID, session.White)
	require.NoError(t, err)
	_, err = e.fc.DeclineDraw(ctx, rec.ID, session.Black)
	require.NoError(t, err)
	offer, err = e.store.GetDrawOffer(ctx, rec.ID)
	require.NoError(t, err)
	require.Empty(t, offer)
}

func TestScenarioClaimWin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 60000)

	require.NoError(t, e.store.SetPlayerConnected(ctx, rec.ID, session.Black, false))
	res, err := e.fc.HandleDisconnect(ctx, rec.ID, session.Black, false)
	require.NoError(t, err)
	disc, ok := res.Frame.(*wire.OpponentDisconnectedFrame)
	require.True(t, ok)
	require.Equal(t, "black", disc.Color)
	require.Equal(t, e.clk.ms+60_000, disc.ClaimDeadline)

	// Before the deadline the claim is refused.
	_, err = e.fc.ClaimWin(ctx, rec.ID, session.White)
	require.ErrorIs(t, err, session.ErrClaimTooEarly)

	e.clk.advance(60_000)
	frame, err := e.fc.ClaimWin(ctx, rec.ID, session.White)
	require.NoError(t, err)
	require.Equal(t, "WHITE_WINS", frame.Result)

	got, err := e.store.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusAbandoned, got.Status)
	require.Equal(t, 1, e.arch.ids[rec.ID])
}

func TestReconnectClearsClaimTimer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 60000)

	_, err := e.fc.HandleDisconnect(ctx, rec.ID, session.Black, false)
	require.NoError(t, err)
	frame, err := e.fc.HandleReconnect(ctx, rec.ID, session.Black)
	require.NoError(t, err)
	conn, ok := frame.(*wire.OpponentConnectedFrame)
	require.True(t, ok)
	require.Equal(t, "black", conn.Color)

	timer, err := e.store.GetAbandonmentTimer(ctx, rec.ID)
	require.NoError(t, err)
	require.Nil(t, timer)

	e.clk.advance(120_000)
	_, err = e.fc.ClaimWin(ctx, rec.ID, session.White)
	require.ErrorIs(t, err, session.ErrNoClaimTimer)
}

func TestUntimedDisconnectUsesAbandonmentTimeout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 0)

	res, err := e.fc.HandleDisconnect(ctx, rec.ID, session.White, false)
	require.NoError(t, err)
	disc, ok := res.Frame.(*wire.OpponentDisconnectedFrame)
	require.True(t, ok)
	// Untimed games expose no claim button.
	require.Zero(t, disc.ClaimDeadline)

	timer, err := e.store.GetAbandonmentTimer(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, e.clk.ms+300_000, timer.DeadlineMs)
}

func TestWaitingRoomDeletedOnEmptyDisconnect(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec, _, err := e.fc.CreateGame(ctx, session.CreateParams{IsPublic: true, CreatorColor: session.ChoiceWhite})
	require.NoError(t, err)

	res, err := e.fc.HandleDisconnect(ctx, rec.ID, session.White, true)
	require.NoError(t, err)
	require.True(t, res.Deleted)

	got, err := e.store.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestScenarioRematchColorSwap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 0)
	seats, err := e.store.GetSeats(ctx, rec.ID)
	require.NoError(t, err)
	tokenW, tokenB := seats.WhiteToken, seats.BlackToken

	// White resigns, black offers the rematch, white accepts.
	_, err = e.fc.Resign(ctx, rec.ID, session.White)
	require.NoError(t, err)

	_, implicit, err := e.fc.OfferRematch(ctx, rec.ID, session.Black)
	require.NoError(t, err)
	require.False(t, implicit)

	out, err := e.fc.AcceptRematch(ctx, rec.ID, session.White)
	require.NoError(t, err)
	require.True(t, session.ValidID(out.NewGameID))
	require.Equal(t, tokenB, out.WhiteToken, "previous black takes the white seat")
	require.Equal(t, tokenW, out.BlackToken, "previous white takes the black seat")

	// Old room is gone; the new one runs from the initial position.
	old, err := e.store.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Nil(t, old)
	fresh, err := e.store.GetGame(ctx, out.NewGameID)
	require.NoError(t, err)
	require.Equal(t, session.StatusInProgress, fresh.Status)
	require.Equal(t, rules.StartFEN, fresh.CurrentFEN)
}

func TestRematchRequiresFinishedAndOffer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 0)

	_, _, err := e.fc.OfferRematch(ctx, rec.ID, session.White)
	require.ErrorIs(t, err, ErrGameNotFinished)

	_, err = e.fc.Resign(ctx, rec.ID, session.Black)
	require.NoError(t, err)
	_, err = e.fc.AcceptRematch(ctx, rec.ID, session.White)
	require.ErrorIs(t, err, ErrNoRematchOffer)
}

func TestScenarioCorruptedLogRecovery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 0)

	f1 := mustMove(t, e, rec.ID, session.White, "e2", "e4").FEN

	// Inject garbage plus a stale tail directly into the hot store.
	movesKey := "game:" + rec.ID + ":moves"
	e.rdb.RPush(ctx, movesKey, "{broken")
	tail, _ := json.Marshal(session.MoveEntry{MoveNumber: 3, SAN: "Nf3", FEN: "f3"})
	e.rdb.RPush(ctx, movesKey, string(tail))

	frame, err := e.fc.GameState(ctx, rec.ID, "white")
	require.NoError(t, err)
	state, ok := frame.(*wire.GameStateFrame)
	require.True(t, ok)
	require.True(t, state.GameStateCorrupted)
	require.Len(t, state.Moves, 1)
	require.Equal(t, "e4", state.Moves[0].SAN)
	require.Equal(t, f1, state.FEN)

	// The log itself was truncated and play resumes from the kept prefix.
	moves, err := e.store.GetMoves(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	mustMove(t, e, rec.ID, session.Black, "e7", "e5")
}

func TestGameStateReplayCorrectsFEN(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 0)

	f1 := mustMove(t, e, rec.ID, session.White, "e2", "e4").FEN
	// Corrupt only the cached position; the log stays intact.
	require.NoError(t, e.store.SetCurrentFEN(ctx, rec.ID, "not-the-position"))

	frame, err := e.fc.GameState(ctx, rec.ID, "black")
	require.NoError(t, err)
	state := frame.(*wire.GameStateFrame)
	require.False(t, state.GameStateCorrupted)
	require.Equal(t, f1, state.FEN)

	got, err := e.store.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, f1, got.CurrentFEN)
}

func TestMakeMoveErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec := e.started(t, 0)

	_, err := e.fc.MakeMove(ctx, rec.ID, session.Black, "e7", "e5", "")
	require.ErrorIs(t, err, ErrNotYourTurn)

	_, err = e.fc.MakeMove(ctx, rec.ID, session.White, "e2", "e5", "")
	require.ErrorIs(t, err, ErrIllegalMove)

	_, err = e.fc.MakeMove(ctx, "123e4567-e89b-12d3-a456-426614174000", session.White, "e2", "e4", "")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestMoveClockInvariantHoldsAcrossGame(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	const initial, inc = 60_000, 2_000
	rec, _, err := e.fc.CreateGame(ctx, session.CreateParams{CreatorColor: session.ChoiceWhite, TimeInitialMs: initial, TimeIncrementMs: inc})
	require.NoError(t, err)
	_, err = e.fc.JoinGame(ctx, rec.ID)
	require.NoError(t, err)

	seq := [][2]string{{"e2", "e4"}, {"e7", "e5"}, {"g1", "f3"}, {"b8", "c6"}}
	colors := []session.Color{session.White, session.Black, session.White, session.Black}
	for i, mv := range seq {
		e.clk.advance(500)
		reply, err := e.fc.MakeMove(ctx, rec.ID, colors[i], mv[0], mv[1], "")
		require.NoError(t, err)
		frame := reply.Frame.(*wire.MoveFrame)
		// Sum bound: both balances never exceed the issued time plus
		// accumulated increments.
		bound := int64(2*initial + inc*(i+1))
		require.LessOrEqual(t, frame.WhiteTimeMs+frame.BlackTimeMs, bound)
	}
}
