package session

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chesslink/chesslink/internal/rules"
)

type fakeClock struct{ ms int64 }

func (f *fakeClock) now() time.Time  { return time.UnixMilli(f.ms) }
func (f *fakeClock) advance(d int64) { f.ms += d }

type countingArchiver struct {
	inserts map[string]int
}

func (a *countingArchiver) InsertGame(_ context.Context, rec *GameRecord, _ []MoveEntry) error {
	if a.inserts == nil {
		a.inserts = map[string]int{}
	}
	// Idempotence under unique-id conflict: only the first insert lands.
	if a.inserts[rec.ID] == 0 {
		a.inserts[rec.ID] = 1
	}
	return nil
}

func newTestStore(t *testing.T) (*Store, *fakeClock, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clk := &fakeClock{ms: 1_000_000}
	s := New(rdb, 5, WithClock(clk.now), WithRandBit(func() int { return 0 }))
	return s, clk, rdb
}

func TestCreateGetDeleteRoundTrip(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	rec, token, err := s.CreateGame(ctx, CreateParams{IsPublic: true, CreatorColor: ChoiceWhite})
	require.NoError(t, err)
	require.True(t, ValidID(rec.ID))
	require.NotEmpty(t, token)
	require.Equal(t, StatusWaiting, rec.Status)
	require.Equal(t, rules.StartFEN, rec.CurrentFEN)

	got, err := s.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, StatusWaiting, got.Status)

	require.NoError(t, s.DeleteGame(ctx, rec.ID))
	got, err = s.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	lobby, err := s.PublicGames(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, lobby)
}

func TestCreateClampsClockValues(t *testing.T) {
	s, _, _ := newTestStore(t)
	rec, _, err := s.CreateGame(context.Background(), CreateParams{
		TimeInitialMs:   999 * 60 * 60 * 1000,
		TimeIncrementMs: -5,
		CreatorColor:    ChoiceWhite,
	})
	require.NoError(t, err)
	require.Equal(t, int64(3*60*60*1000), rec.TimeInitialMs)
	require.Equal(t, int64(0), rec.TimeIncrementMs)
}

func TestCreateQuota(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := s.CreateGame(ctx, CreateParams{CreatorIP: "10.0.0.1", CreatorColor: ChoiceWhite})
		require.NoError(t, err)
	}
	_, _, err := s.CreateGame(ctx, CreateParams{CreatorIP: "10.0.0.1", CreatorColor: ChoiceWhite})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// A different address is unaffected.
	_, _, err = s.CreateGame(ctx, CreateParams{CreatorIP: "10.0.0.2", CreatorColor: ChoiceWhite})
	require.NoError(t, err)
}

func TestJoinAssignsSeatAndStartsClocks(t *testing.T) {
	s, clk, _ := newTestStore(t)
	ctx := context.Background()

	rec, creatorToken, err := s.CreateGame(ctx, CreateParams{CreatorColor: ChoiceWhite, TimeInitialMs: 60000})
	require.NoError(t, err)

	out, err := s.Join(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, Black, out.Role)

	got, err := s.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, got.Status)
	require.Equal(t, int64(60000), got.WhiteTimeMs)
	require.Equal(t, int64(60000), got.BlackTimeMs)
	require.Equal(t, clk.ms, got.LastMoveAt)

	seats, err := s.GetSeats(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, creatorToken, seats.WhiteToken)
	require.Equal(t, out.Token, seats.BlackToken)

	// Second join is rejected.
	_, err = s.Join(ctx, rec.ID)
	require.ErrorIs(t, err, ErrNotWaiting)
}

func TestJoinSwapsTokensForCreatorBlack(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	rec, creatorToken, err := s.CreateGame(ctx, CreateParams{CreatorColor: ChoiceBlack})
	require.NoError(t, err)

	out, err := s.Join(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, White, out.Role)

	seats, err := s.GetSeats(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, out.Token, seats.WhiteToken)
	require.Equal(t, creatorToken, seats.BlackToken)
}

func TestJoinRandomUsesCoinFlip(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.randBit = func() int { return 1 }
	ctx := context.Background()

	rec, creatorToken, err := s.CreateGame(ctx, CreateParams{CreatorColor: ChoiceRandom})
	require.NoError(t, err)
	out, err := s.Join(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, White, out.Role)

	seats, err := s.GetSeats(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, creatorToken, seats.BlackToken)
}

func TestJoinUnknownGame(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Join(context.Background(), "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Join(context.Background(), "game:*")
	require.ErrorIs(t, err, ErrBadID)
}

func startedGame(t *testing.T, s *Store, initialMs int64) *GameRecord {
	t.Helper()
	ctx := context.Background()
	rec, _, err := s.CreateGame(ctx, CreateParams{CreatorColor: ChoiceWhite, TimeInitialMs: initialMs})
	require.NoError(t, err)
	_, err = s.Join(ctx, rec.ID)
	require.NoError(t, err)
	got, err := s.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	return got
}

func TestMovesAppendAndFENFollows(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	rec := startedGame(t, s, 0)

	m1 := MoveEntry{MoveNumber: 1, SAN: "e4", FEN: "fen-1"}
	out, err := s.AddMove(ctx, rec.ID, White, m1)
	require.NoError(t, err)
	require.False(t, out.TimedOut)

	m2 := MoveEntry{MoveNumber: 2, SAN: "e5", FEN: "fen-2"}
	_, err = s.AddMove(ctx, rec.ID, Black, m2)
	require.NoError(t, err)

	moves, err := s.GetMoves(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, moves, 2)
	require.Equal(t, "e4", moves[0].SAN)
	require.Equal(t, 2, moves[1].MoveNumber)

	got, err := s.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "fen-2", got.CurrentFEN)

	// A replayed first move loses the log-length race.
	_, err = s.AddMove(ctx, rec.ID, White, m1)
	require.ErrorIs(t, err, ErrMoveConflict)
}

func TestDeductTimeAndMoveCharges(t *testing.T) {
	s, clk, _ := newTestStore(t)
	ctx := context.Background()
	rec := startedGame(t, s, 10000)

	clk.advance(3000)
	out, err := s.DeductTimeAndMove(ctx, rec.ID, White, MoveEntry{MoveNumber: 1, SAN: "e4", FEN: "f1"}, "", "")
	require.NoError(t, err)
	require.Equal(t, int64(7000), out.WhiteTimeMs)
	require.Equal(t, int64(10000), out.BlackTimeMs)
}

func TestDeductTimeAndMoveFlags(t *testing.T) {
	s, clk, _ := newTestStore(t)
	ctx := context.Background()
	rec := startedGame(t, s, 5000)

	clk.advance(5001)
	out, err := s.DeductTimeAndMove(ctx, rec.ID, White, MoveEntry{MoveNumber: 1, SAN: "e4", FEN: "f1"}, "", "")
	require.NoError(t, err)
	require.True(t, out.TimedOut)
	require.Equal(t, White, out.Loser)
	require.Equal(t, ResultBlackWins, out.Result)

	got, err := s.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFinished, got.Status)
	require.Equal(t, int64(0), got.WhiteTimeMs)
}

func TestOfferSetClearIsNoop(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	rec := startedGame(t, s, 0)

	offer, err := s.GetDrawOffer(ctx, rec.ID)
	require.NoError(t, err)
	require.Empty(t, offer)

	require.NoError(t, s.SetDrawOffer(ctx, rec.ID, White))
	offer, err = s.GetDrawOffer(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, White, offer)

	require.NoError(t, s.ClearDrawOffer(ctx, rec.ID))
	offer, err = s.GetDrawOffer(ctx, rec.ID)
	require.NoError(t, err)
	require.Empty(t, offer)
}

func TestMoveClearsDrawOffer(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	rec := startedGame(t, s, 0)

	require.NoError(t, s.SetDrawOffer(ctx, rec.ID, Black))
	_, err := s.AddMove(ctx, rec.ID, White, MoveEntry{MoveNumber: 1, SAN: "e4", FEN: "f1"})
	require.NoError(t, err)

	offer, err := s.GetDrawOffer(ctx, rec.ID)
	require.NoError(t, err)
	require.Empty(t, offer)
}

func TestAbandonmentTimerLifecycle(t *testing.T) {
	s, clk, _ := newTestStore(t)
	ctx := context.Background()
	rec := startedGame(t, s, 0)
	arch := &countingArchiver{}
	s.AttachArchiver(arch)

	tm, err := s.SetAbandonmentTimer(ctx, rec.ID, Black, 300)
	require.NoError(t, err)
	require.Equal(t, Black, tm.Color)
	require.Equal(t, clk.ms+300_000, tm.DeadlineMs)

	// A live timer is not replaced.
	tm2, err := s.SetAbandonmentTimer(ctx, rec.ID, White, 300)
	require.NoError(t, err)
	require.Equal(t, Black, tm2.Color)

	// Not yet expired: no-op.
	out, err := s.CheckAndProcessAbandonment(ctx, rec.ID)
	require.NoError(t, err)
	require.False(t, out.Abandoned)

	clk.advance(300_001)
	out, err = s.CheckAndProcessAbandonment(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, out.Abandoned)
	require.Equal(t, ResultWhiteWins, out.Result)

	got, err := s.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAbandoned, got.Status)
	require.Equal(t, 1, arch.inserts[rec.ID])
}

func TestClearedTimerStopsAbandonment(t *testing.T) {
	s, clk, _ := newTestStore(t)
	ctx := context.Background()
	rec := startedGame(t, s, 0)

	_, err := s.SetAbandonmentTimer(ctx, rec.ID, Black, 10)
	require.NoError(t, err)
	require.NoError(t, s.ClearAbandonmentTimer(ctx, rec.ID))

	clk.advance(60_000)
	out, err := s.CheckAndProcessAbandonment(ctx, rec.ID)
	require.NoError(t, err)
	require.False(t, out.Abandoned)
}

func TestClaimWinFlow(t *testing.T) {
	s, clk, _ := newTestStore(t)
	ctx := context.Background()
	rec := startedGame(t, s, 60000)
	arch := &countingArchiver{}
	s.AttachArchiver(arch)

	require.NoError(t, s.SetPlayerConnected(ctx, rec.ID, Black, false))
	_, err := s.SetAbandonmentTimer(ctx, rec.ID, Black, 60)
	require.NoError(t, err)

	// Before the deadline.
	_, err = s.ClaimWin(ctx, rec.ID, White)
	require.ErrorIs(t, err, ErrClaimTooEarly)

	clk.advance(60_000)
	res, err := s.ClaimWin(ctx, rec.ID, White)
	require.NoError(t, err)
	require.Equal(t, ResultWhiteWins, res)

	got, err := s.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAbandoned, got.Status)
	require.Equal(t, 1, arch.inserts[rec.ID])

	// Second claim: timer is gone.
	_, err = s.ClaimWin(ctx, rec.ID, White)
	require.ErrorIs(t, err, ErrNoClaimTimer)
}

func TestRematchSwapsColors(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	rec := startedGame(t, s, 5000)
	seats, err := s.GetSeats(ctx, rec.ID)
	require.NoError(t, err)
	require.NoError(t, s.SetGameResult(ctx, rec.ID, ResultWhiteWins))

	prev, err := s.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	newRec, newSeats, err := s.CreateRematchGame(ctx, prev, seats)
	require.NoError(t, err)
	require.NotEqual(t, rec.ID, newRec.ID)
	require.Equal(t, StatusInProgress, newRec.Status)
	require.Equal(t, rules.StartFEN, newRec.CurrentFEN)
	require.Equal(t, seats.WhiteToken, newSeats.BlackToken)
	require.Equal(t, seats.BlackToken, newSeats.WhiteToken)
	require.True(t, newSeats.WhiteConnected)
	require.Equal(t, prev.TimeInitialMs, newRec.TimeInitialMs)
	require.Equal(t, newRec.TimeInitialMs, newRec.WhiteTimeMs)
}

func TestArchiveIdempotent(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	rec := startedGame(t, s, 0)
	arch := &countingArchiver{}
	s.AttachArchiver(arch)

	require.NoError(t, s.SetGameResult(ctx, rec.ID, ResultDraw))
	require.NoError(t, s.Archive(ctx, rec.ID))
	require.NoError(t, s.Archive(ctx, rec.ID))
	require.Equal(t, 1, arch.inserts[rec.ID])

	require.NoError(t, s.ArchiveAndDelete(ctx, rec.ID))
	got, err := s.GetGame(ctx, rec.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestArchiveRejectsLiveGame(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	rec := startedGame(t, s, 0)
	s.AttachArchiver(&countingArchiver{})
	require.Error(t, s.Archive(ctx, rec.ID))
}

func TestLobbyInvariant(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	pub, _, err := s.CreateGame(ctx, CreateParams{IsPublic: true, CreatorColor: ChoiceWhite})
	require.NoError(t, err)
	_, _, err = s.CreateGame(ctx, CreateParams{IsPublic: false, CreatorColor: ChoiceWhite})
	require.NoError(t, err)

	lobby, err := s.PublicGames(ctx, 10)
	require.NoError(t, err)
	require.Len(t, lobby, 1)
	require.Equal(t, pub.ID, lobby[0].ID)

	// Terminal rooms leave the lobby.
	_, err = s.Join(ctx, pub.ID)
	require.NoError(t, err)
	require.NoError(t, s.SetGameResult(ctx, pub.ID, ResultDraw))
	lobby, err = s.PublicGames(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, lobby)
}

func TestGetMovesCorruptEntry(t *testing.T) {
	s, _, rdb := newTestStore(t)
	ctx := context.Background()
	rec := startedGame(t, s, 0)

	_, err := s.AddMove(ctx, rec.ID, White, MoveEntry{MoveNumber: 1, SAN: "e4", FEN: "f1"})
	require.NoError(t, err)
	rdb.RPush(ctx, "game:"+rec.ID+":moves", "{not json")

	moves, err := s.GetMoves(ctx, rec.ID)
	require.ErrorIs(t, err, ErrCorruptLog)
	require.Len(t, moves, 1)
}

func TestSpectatorCounter(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	rec := startedGame(t, s, 0)

	n, err := s.IncrSpectators(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = s.DecrSpectators(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
	// Never below zero.
	n, err = s.DecrSpectators(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestSanitizeIP(t *testing.T) {
	require.Equal(t, "10.0.0.1", SanitizeIP("10.0.0.1"))
	require.Equal(t, "..1", SanitizeIP("::1"))
	require.Empty(t, SanitizeIP("not-an-ip"))
	require.Empty(t, SanitizeIP("10.0.0.1:8080"))
}

func TestIDFromGameKey(t *testing.T) {
	id, ok := IDFromGameKey("game:123e4567-e89b-12d3-a456-426614174000")
	require.True(t, ok)
	require.Equal(t, "123e4567-e89b-12d3-a456-426614174000", id)

	_, ok = IDFromGameKey("game:123e4567-e89b-12d3-a456-426614174000:moves")
	require.False(t, ok)
	_, ok = IDFromGameKey("game:*")
	require.False(t, ok)
	_, ok = IDFromGameKey("lobby:public")
	require.False(t, ok)
}
