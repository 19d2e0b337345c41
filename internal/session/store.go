package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chesslink/chesslink/internal/hotstore"
	"github.com/chesslink/chesslink/internal/obslog"
	"github.com/chesslink/chesslink/internal/rules"
)

// TTL classes per status. Creation, join, accepted moves, rematch creation
// and terminal transitions refresh the TTL of all companion keys; the
// connection-flag, offer, timer, spectator, FEN and move-log writes do not
// refresh the other keys of the room.
const (
	ttlWaiting  = time.Hour
	ttlActive   = 24 * time.Hour
	ttlTerminal = time.Hour
	ttlIPIndex  = 24 * time.Hour
)

// Claim-win script failures surfaced as typed errors.
var (
	ErrNoClaimTimer        = errors.New("no disconnect timer for this game")
	ErrNotClaimant         = errors.New("only the waiting opponent may claim")
	ErrClaimTooEarly       = errors.New("claim deadline has not passed")
	ErrOpponentReconnected = errors.New("opponent has reconnected")
	ErrCorruptLog          = errors.New("move log corrupted")
)

// Archiver is the durable sink for terminal games. InsertGame must be
// idempotent under unique-id conflict.
type Archiver interface {
	InsertGame(ctx context.Context, rec *GameRecord, moves []MoveEntry) error
}

// Store mutates game records through typed operations and the hot store's
// atomic scripts.
type Store struct {
	rdb      *redis.Client
	archiver Archiver

	maxActivePerIP int

	now     func() time.Time
	randBit func() int
}

// Option tweaks a Store; used by tests to pin time and randomness.
type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }
func WithRandBit(f func() int) Option       { return func(s *Store) { s.randBit = f } }

// New builds a Store. maxActivePerIP caps simultaneous games per creator
// address; 0 disables the quota.
func New(rdb *redis.Client, maxActivePerIP int, opts ...Option) *Store {
	s := &Store{
		rdb:            rdb,
		maxActivePerIP: maxActivePerIP,
		now:            time.Now,
		randBit:        cryptoBit,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AttachArchiver wires the durable store for terminal transitions.
func (s *Store) AttachArchiver(a Archiver) { s.archiver = a }

func cryptoBit() int {
	if n, err := rand.Int(rand.Reader, big.NewInt(2)); err == nil {
		return int(n.Int64())
	}
	return 0
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

// Clock value bounds; out-of-range values are clamped, not rejected.
const (
	maxTimeInitialMs   = 3 * 60 * 60 * 1000
	maxTimeIncrementMs = 5 * 60 * 1000
)

func clampTimes(p *CreateParams) {
	if p.TimeInitialMs < 0 {
		p.TimeInitialMs = 0
	}
	if p.TimeInitialMs > maxTimeInitialMs {
		p.TimeInitialMs = maxTimeInitialMs
	}
	if p.TimeIncrementMs < 0 {
		p.TimeIncrementMs = 0
	}
	if p.TimeIncrementMs > maxTimeIncrementMs {
		p.TimeIncrementMs = maxTimeIncrementMs
	}
}

// CreateGame mints a room in WAITING and returns the record plus the
// creator's bearer token.
func (s *Store) CreateGame(ctx context.Context, p CreateParams) (*GameRecord, string, error) {
	clampTimes(&p)
	switch p.CreatorColor {
	case ChoiceWhite, ChoiceBlack, ChoiceRandom:
	default:
		p.CreatorColor = ChoiceRandom
	}
	ip := SanitizeIP(p.CreatorIP)
	if ip != "" && s.maxActivePerIP > 0 {
		n, err := s.rdb.SCard(ctx, ipKey(ip)).Result()
		if err != nil {
			return nil, "", err
		}
		if n >= int64(s.maxActivePerIP) {
			return nil, "", ErrQuotaExceeded
		}
	}

	rec := &GameRecord{
		ID:              uuid.NewString(),
		Status:          StatusWaiting,
		CurrentFEN:      rules.StartFEN,
		IsPublic:        p.IsPublic,
		CreatorColor:    p.CreatorColor,
		CreatorIP:       ip,
		TimeInitialMs:   p.TimeInitialMs,
		TimeIncrementMs: p.TimeIncrementMs,
		CreatedAt:       s.nowMs(),
	}
	token := uuid.NewString()

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, gameKey(rec.ID), recordFields(rec)...)
	pipe.HSet(ctx, seatsKey(rec.ID), "white_token", token, "white_connected", "0", "black_connected", "0")
	if rec.IsPublic {
		pipe.ZAdd(ctx, lobbyKey, redis.Z{Score: float64(rec.CreatedAt), Member: rec.ID})
	}
	if ip != "" {
		pipe.SAdd(ctx, ipKey(ip), rec.ID)
		pipe.Expire(ctx, ipKey(ip), ttlIPIndex)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, "", err
	}
	s.touchAll(ctx, rec.ID, ttlWaiting)

	obslog.L().Info("game_create",
		zap.String("game_id", rec.ID),
		zap.Bool("public", rec.IsPublic),
		zap.Int64("time_initial_ms", rec.TimeInitialMs),
		zap.Int64("time_increment_ms", rec.TimeIncrementMs),
	)
	return rec, token, nil
}

// Join seats the second player through the join script. The script resolves
// creatorColor (coin-flip for random), flips status and stamps the clocks.
func (s *Store) Join(ctx context.Context, id string) (*JoinOutcome, error) {
	if !ValidID(id) {
		return nil, ErrBadID
	}
	token := uuid.NewString()
	out, err := hotstore.RunJoin(ctx, s.rdb, gameKey(id), seatsKey(id), token,
		s.nowMs(), s.randBit(), int(ttlActive.Seconds()))
	if err != nil {
		return nil, err
	}
	switch out.Code {
	case hotstore.CodeOK:
	case hotstore.CodeNotFound:
		return nil, ErrNotFound
	case hotstore.CodeAlreadyFull:
		return nil, ErrAlreadyFull
	default:
		return nil, ErrNotWaiting
	}
	s.touchAll(ctx, id, ttlActive)
	obslog.L().Info("game_join", zap.String("game_id", id), zap.String("role", out.Role))
	return &JoinOutcome{Token: token, Role: Color(out.Role)}, nil
}

// GetGame loads the record, or nil when the room is gone.
func (s *Store) GetGame(ctx context.Context, id string) (*GameRecord, error) {
	if !ValidID(id) {
		return nil, ErrBadID
	}
	m, err := s.rdb.HGetAll(ctx, gameKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return recordFromFields(id, m), nil
}

// GetSeats loads the seat bindings, or nil when absent.
func (s *Store) GetSeats(ctx context.Context, id string) (*Seats, error) {
	if !ValidID(id) {
		return nil, ErrBadID
	}
	m, err := s.rdb.HGetAll(ctx, seatsKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return &Seats{
		WhiteToken:     m["white_token"],
		BlackToken:     m["black_token"],
		WhiteConnected: m["white_connected"] == "1",
		BlackConnected: m["black_connected"] == "1",
	}, nil
}

// GetMoves returns the ordered move log. A JSON-corrupt entry truncates the
// result at that point and surfaces ErrCorruptLog with the parsed prefix.
func (s *Store) GetMoves(ctx context.Context, id string) ([]MoveEntry, error) {
	if !ValidID(id) {
		return nil, ErrBadID
	}
	raws, err := s.rdb.LRange(ctx, movesKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]MoveEntry, 0, len(raws))
	for _, raw := range raws {
		var e MoveEntry
		if jerr := json.Unmarshal([]byte(raw), &e); jerr != nil || e.SAN == "" {
			return entries, ErrCorruptLog
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DeductTimeAndMove is the single move commit path, timed or not. endStatus
// and endResult apply a game-ending transition in the same atomic step; pass
// empty values for an ordinary move.
func (s *Store) DeductTimeAndMove(ctx context.Context, id string, mover Color, m MoveEntry, endStatus Status, endResult Result) (*MoveOutcome, error) {
	if !ValidID(id) {
		return nil, ErrBadID
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	ttl := ttlActive
	if endStatus.Terminal() {
		ttl = ttlTerminal
	}
	out, err := hotstore.RunDeductTimeAndMove(ctx, s.rdb,
		gameKey(id), movesKey(id), drawKey(id),
		string(mover), s.nowMs(), string(raw), m.FEN,
		int(ttl.Seconds()), m.MoveNumber-1, string(endStatus), string(endResult))
	if err != nil {
		return nil, err
	}
	switch out.Code {
	case hotstore.CodeOK:
	case hotstore.CodeNotFound:
		return nil, ErrNotFound
	case hotstore.CodeNotActive:
		return nil, ErrNotInProgress
	case hotstore.CodeConflict:
		return nil, ErrMoveConflict
	case hotstore.CodeFlagged:
		s.onTerminal(ctx, id)
		return &MoveOutcome{
			TimedOut:    true,
			Loser:       mover,
			Result:      Result(out.Result),
			WhiteTimeMs: out.WhiteTimeMs,
			BlackTimeMs: out.BlackTimeMs,
		}, nil
	default:
		return nil, fmt.Errorf("move script code %d", out.Code)
	}
	if endStatus.Terminal() {
		s.onTerminal(ctx, id)
	} else {
		s.touchAll(ctx, id, ttlActive)
	}
	return &MoveOutcome{WhiteTimeMs: out.WhiteTimeMs, BlackTimeMs: out.BlackTimeMs}, nil
}

// AddMove appends a move without a terminal transition.
func (s *Store) AddMove(ctx context.Context, id string, mover Color, m MoveEntry) (*MoveOutcome, error) {
	return s.DeductTimeAndMove(ctx, id, mover, m, "", "")
}

// SetGameResult finalizes to FINISHED with the given result.
func (s *Store) SetGameResult(ctx context.Context, id string, result Result) error {
	return s.finalize(ctx, id, StatusFinished, result)
}

// SetFlagged finalizes a timed game lost on time: the loser's balance is
// zeroed in the same write as the terminal transition so a zero balance
// always coincides with FINISHED favoring the other color.
func (s *Store) SetFlagged(ctx context.Context, id string, loser Color) (Result, error) {
	if !ValidID(id) {
		return "", ErrBadID
	}
	result := loser.Opponent().Wins()
	err := s.rdb.HSet(ctx, gameKey(id),
		"status", string(StatusFinished),
		"result", string(result),
		string(loser)+"_time_ms", "0",
	).Err()
	if err != nil {
		return "", err
	}
	s.onTerminal(ctx, id)
	obslog.L().Info("game_flagged", zap.String("game_id", id), zap.String("loser", string(loser)))
	return result, nil
}

// SetGameAbandoned finalizes to ABANDONED with the given result.
func (s *Store) SetGameAbandoned(ctx context.Context, id string, result Result) error {
	return s.finalize(ctx, id, StatusAbandoned, result)
}

func (s *Store) finalize(ctx context.Context, id string, status Status, result Result) error {
	if !ValidID(id) {
		return ErrBadID
	}
	if err := s.rdb.HSet(ctx, gameKey(id), "status", string(status), "result", string(result)).Err(); err != nil {
		return err
	}
	s.onTerminal(ctx, id)
	obslog.L().Info("game_finalize",
		zap.String("game_id", id),
		zap.String("status", string(status)),
		zap.String("result", string(result)),
	)
	return nil
}

// onTerminal drops the room from the public lobby and the creator's IP set
// and shortens the TTL class. Invariant: the lobby indexes WAITING and
// IN_PROGRESS rooms only.
func (s *Store) onTerminal(ctx context.Context, id string) {
	s.rdb.ZRem(ctx, lobbyKey, id)
	if ip, err := s.rdb.HGet(ctx, gameKey(id), "creator_ip").Result(); err == nil && ip != "" {
		s.rdb.SRem(ctx, ipKey(ip), id)
	}
	s.touchAll(ctx, id, ttlTerminal)
}

// SetPlayerConnected mirrors the hub's membership into the seats record for
// post-disconnect queries and sweeper decisions.
func (s *Store) SetPlayerConnected(ctx context.Context, id string, color Color, connected bool) error {
	if !ValidID(id) {
		return ErrBadID
	}
	v := "0"
	if connected {
		v = "1"
	}
	return s.rdb.HSet(ctx, seatsKey(id), string(color)+"_connected", v).Err()
}

// Draw / rematch offers: single slot per room.

func (s *Store) SetDrawOffer(ctx context.Context, id string, by Color) error {
	return s.setOffer(ctx, drawKey(id), id, by)
}
func (s *Store) GetDrawOffer(ctx context.Context, id string) (Color, error) {
	return s.getOffer(ctx, drawKey(id), id)
}
func (s *Store) ClearDrawOffer(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrBadID
	}
	return s.rdb.Del(ctx, drawKey(id)).Err()
}

func (s *Store) SetRematchOffer(ctx context.Context, id string, by Color) error {
	return s.setOffer(ctx, rematchKey(id), id, by)
}
func (s *Store) GetRematchOffer(ctx context.Context, id string) (Color, error) {
	return s.getOffer(ctx, rematchKey(id), id)
}
func (s *Store) ClearRematchOffer(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrBadID
	}
	return s.rdb.Del(ctx, rematchKey(id)).Err()
}

func (s *Store) setOffer(ctx context.Context, key, id string, by Color) error {
	if !ValidID(id) {
		return ErrBadID
	}
	return s.rdb.Set(ctx, key, string(by), ttlActive).Err()
}

func (s *Store) getOffer(ctx context.Context, key, id string) (Color, error) {
	if !ValidID(id) {
		return "", ErrBadID
	}
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return Color(v), nil
}

// SetAbandonmentTimer records a disconnect deadline unless a live timer
// already exists. Returns the effective timer.
func (s *Store) SetAbandonmentTimer(ctx context.Context, id string, disconnected Color, timeoutSec int) (*AbandonTimer, error) {
	if !ValidID(id) {
		return nil, ErrBadID
	}
	existing, err := s.GetAbandonmentTimer(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.nowMs()
	if existing != nil && existing.DeadlineMs > now {
		return existing, nil
	}
	t := &AbandonTimer{Color: disconnected, DeadlineMs: now + int64(timeoutSec)*1000}
	if err := s.rdb.HSet(ctx, abandonKey(id), "color", string(t.Color), "deadline_ms", t.DeadlineMs).Err(); err != nil {
		return nil, err
	}
	s.rdb.Expire(ctx, abandonKey(id), ttlActive)
	obslog.L().Info("abandon_timer_set",
		zap.String("game_id", id),
		zap.String("disconnected", string(disconnected)),
		zap.Int64("deadline_ms", t.DeadlineMs),
	)
	return t, nil
}

// GetAbandonmentTimer returns the pending timer or nil.
func (s *Store) GetAbandonmentTimer(ctx context.Context, id string) (*AbandonTimer, error) {
	if !ValidID(id) {
		return nil, ErrBadID
	}
	m, err := s.rdb.HGetAll(ctx, abandonKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	deadline, _ := strconv.ParseInt(m["deadline_ms"], 10, 64)
	return &AbandonTimer{Color: Color(m["color"]), DeadlineMs: deadline}, nil
}

// ClearAbandonmentTimer removes the timer (reconnect path).
func (s *Store) ClearAbandonmentTimer(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrBadID
	}
	return s.rdb.Del(ctx, abandonKey(id)).Err()
}

// CheckAndProcessAbandonment fulfills an expired timer: the disconnected
// side forfeits, the game is archived. No-op when the timer is absent or
// still running.
func (s *Store) CheckAndProcessAbandonment(ctx context.Context, id string) (*AbandonOutcome, error) {
	t, err := s.GetAbandonmentTimer(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil || t.DeadlineMs > s.nowMs() {
		return &AbandonOutcome{}, nil
	}
	rec, err := s.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Status != StatusInProgress {
		_ = s.ClearAbandonmentTimer(ctx, id)
		return &AbandonOutcome{}, nil
	}
	result := t.Color.Opponent().Wins()
	if err := s.SetGameAbandoned(ctx, id, result); err != nil {
		return nil, err
	}
	_ = s.ClearAbandonmentTimer(ctx, id)
	if err := s.Archive(ctx, id); err != nil {
		obslog.L().Error("abandon_archive_error", zap.String("game_id", id), zap.Error(err))
	}
	return &AbandonOutcome{Abandoned: true, Result: result}, nil
}

// ClaimWin runs the claim script and finalizes on success.
func (s *Store) ClaimWin(ctx context.Context, id string, claimant Color) (Result, error) {
	if !ValidID(id) {
		return "", ErrBadID
	}
	out, err := hotstore.RunClaimWin(ctx, s.rdb, gameKey(id), abandonKey(id), seatsKey(id),
		string(claimant), s.nowMs(), int(ttlTerminal.Seconds()))
	if err != nil {
		return "", err
	}
	switch out.Code {
	case hotstore.CodeOK:
	case hotstore.CodeNoTimer:
		return "", ErrNoClaimTimer
	case hotstore.CodeNotClaimant:
		return "", ErrNotClaimant
	case hotstore.CodeTooEarly:
		return "", ErrClaimTooEarly
	case hotstore.CodeReconnected:
		return "", ErrOpponentReconnected
	default:
		return "", ErrNotInProgress
	}
	s.onTerminal(ctx, id)
	if err := s.Archive(ctx, id); err != nil {
		obslog.L().Error("claim_archive_error", zap.String("game_id", id), zap.Error(err))
	}
	obslog.L().Info("game_claimed",
		zap.String("game_id", id),
		zap.String("claimant", string(claimant)),
		zap.String("result", out.Result),
	)
	return Result(out.Result), nil
}

// CreateRematchGame mints a new room from a finished one with colors
// swapped: the previous white token holds the black seat and vice versa.
// The room starts IN_PROGRESS with both seats marked connected.
func (s *Store) CreateRematchGame(ctx context.Context, prev *GameRecord, prevSeats *Seats) (*GameRecord, *Seats, error) {
	now := s.nowMs()
	rec := &GameRecord{
		ID:              uuid.NewString(),
		Status:          StatusInProgress,
		CurrentFEN:      rules.StartFEN,
		IsPublic:        prev.IsPublic,
		CreatorColor:    ChoiceWhite,
		CreatorIP:       prev.CreatorIP,
		TimeInitialMs:   prev.TimeInitialMs,
		TimeIncrementMs: prev.TimeIncrementMs,
		CreatedAt:       now,
	}
	if rec.Timed() {
		rec.WhiteTimeMs = rec.TimeInitialMs
		rec.BlackTimeMs = rec.TimeInitialMs
		rec.LastMoveAt = now
	}
	seats := &Seats{
		WhiteToken:     prevSeats.BlackToken,
		BlackToken:     prevSeats.WhiteToken,
		WhiteConnected: true,
		BlackConnected: true,
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, gameKey(rec.ID), recordFields(rec)...)
	pipe.HSet(ctx, seatsKey(rec.ID),
		"white_token", seats.WhiteToken,
		"black_token", seats.BlackToken,
		"white_connected", "1",
		"black_connected", "1",
	)
	if rec.IsPublic {
		pipe.ZAdd(ctx, lobbyKey, redis.Z{Score: float64(now), Member: rec.ID})
	}
	if rec.CreatorIP != "" {
		pipe.SAdd(ctx, ipKey(rec.CreatorIP), rec.ID)
		pipe.Expire(ctx, ipKey(rec.CreatorIP), ttlIPIndex)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, err
	}
	s.touchAll(ctx, rec.ID, ttlActive)
	obslog.L().Info("rematch_create",
		zap.String("game_id", rec.ID),
		zap.String("prev_game_id", prev.ID),
	)
	return rec, seats, nil
}

// Archive writes the record and moves to the durable store, at most once
// per id (the archiver swallows unique-id conflicts). The record must be
// terminal.
func (s *Store) Archive(ctx context.Context, id string) error {
	if s.archiver == nil {
		return nil
	}
	rec, err := s.GetGame(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("archive of non-terminal game %s", id)
	}
	moves, err := s.GetMoves(ctx, id)
	if err != nil && !errors.Is(err, ErrCorruptLog) {
		return err
	}
	return s.archiver.InsertGame(ctx, rec, moves)
}

// ArchiveAndDelete archives then removes every hot key for the room.
func (s *Store) ArchiveAndDelete(ctx context.Context, id string) error {
	if err := s.Archive(ctx, id); err != nil {
		return err
	}
	return s.DeleteGame(ctx, id)
}

// DeleteGame drops all hot keys and index entries for the room.
func (s *Store) DeleteGame(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrBadID
	}
	if ip, err := s.rdb.HGet(ctx, gameKey(id), "creator_ip").Result(); err == nil && ip != "" {
		s.rdb.SRem(ctx, ipKey(ip), id)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, companionKeys(id)...)
	pipe.ZRem(ctx, lobbyKey, id)
	_, err := pipe.Exec(ctx)
	if err == nil {
		obslog.L().Info("game_delete", zap.String("game_id", id))
	}
	return err
}

// TruncateMoves keeps the first n entries of the log (recovery path).
func (s *Store) TruncateMoves(ctx context.Context, id string, n int) error {
	if !ValidID(id) {
		return ErrBadID
	}
	if n <= 0 {
		return s.rdb.Del(ctx, movesKey(id)).Err()
	}
	return s.rdb.LTrim(ctx, movesKey(id), 0, int64(n-1)).Err()
}

// SetCurrentFEN corrects the stored position (recovery path).
func (s *Store) SetCurrentFEN(ctx context.Context, id, fen string) error {
	if !ValidID(id) {
		return ErrBadID
	}
	return s.rdb.HSet(ctx, gameKey(id), "current_fen", fen).Err()
}

// Spectator counter.

func (s *Store) IncrSpectators(ctx context.Context, id string) (int64, error) {
	if !ValidID(id) {
		return 0, ErrBadID
	}
	n, err := s.rdb.Incr(ctx, spectatorsKey(id)).Result()
	if err != nil {
		return 0, err
	}
	s.rdb.Expire(ctx, spectatorsKey(id), ttlActive)
	return n, nil
}

func (s *Store) DecrSpectators(ctx context.Context, id string) (int64, error) {
	if !ValidID(id) {
		return 0, ErrBadID
	}
	n, err := s.rdb.Decr(ctx, spectatorsKey(id)).Result()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		s.rdb.Set(ctx, spectatorsKey(id), "0", ttlActive)
		n = 0
	}
	return n, nil
}

func (s *Store) CountSpectators(ctx context.Context, id string) (int64, error) {
	if !ValidID(id) {
		return 0, ErrBadID
	}
	v, err := s.rdb.Get(ctx, spectatorsKey(id)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

// PublicGames lists the lobby, newest first. Rooms that no longer satisfy
// the lobby invariant are dropped from the index on the way through.
func (s *Store) PublicGames(ctx context.Context, limit int64) ([]LobbyEntry, error) {
	ids, err := s.rdb.ZRevRange(ctx, lobbyKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]LobbyEntry, 0, len(ids))
	for _, id := range ids {
		if !ValidID(id) {
			s.rdb.ZRem(ctx, lobbyKey, id)
			continue
		}
		rec, err := s.GetGame(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil || !rec.IsPublic || rec.Status.Terminal() {
			s.rdb.ZRem(ctx, lobbyKey, id)
			continue
		}
		players := 1
		if rec.Status == StatusInProgress {
			players = 2
		}
		spectators, _ := s.CountSpectators(ctx, id)
		out = append(out, LobbyEntry{
			ID:              rec.ID,
			Status:          rec.Status,
			Players:         players,
			Spectators:      spectators,
			TimeInitialMs:   rec.TimeInitialMs,
			TimeIncrementMs: rec.TimeIncrementMs,
			CreatedAt:       rec.CreatedAt,
		})
	}
	return out, nil
}

// TouchTTL refreshes every companion key for the room's current status
// class.
func (s *Store) TouchTTL(ctx context.Context, id string, status Status) {
	ttl := ttlActive
	switch {
	case status == StatusWaiting:
		ttl = ttlWaiting
	case status.Terminal():
		ttl = ttlTerminal
	}
	s.touchAll(ctx, id, ttl)
}

func (s *Store) touchAll(ctx context.Context, id string, ttl time.Duration) {
	pipe := s.rdb.Pipeline()
	for _, k := range companionKeys(id) {
		pipe.Expire(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obslog.L().Warn("ttl_refresh_error", zap.String("game_id", id), zap.Error(err))
	}
}

// Record ↔ hash field mapping.

func recordFields(r *GameRecord) []interface{} {
	pub := "0"
	if r.IsPublic {
		pub = "1"
	}
	return []interface{}{
		"status", string(r.Status),
		"result", string(r.Result),
		"current_fen", r.CurrentFEN,
		"is_public", pub,
		"creator_color", string(r.CreatorColor),
		"creator_ip", r.CreatorIP,
		"time_initial_ms", r.TimeInitialMs,
		"time_increment_ms", r.TimeIncrementMs,
		"white_time_ms", r.WhiteTimeMs,
		"black_time_ms", r.BlackTimeMs,
		"last_move_at", r.LastMoveAt,
		"created_at", r.CreatedAt,
	}
}

func recordFromFields(id string, m map[string]string) *GameRecord {
	i64 := func(k string) int64 {
		n, _ := strconv.ParseInt(m[k], 10, 64)
		return n
	}
	return &GameRecord{
		ID:              id,
		Status:          Status(m["status"]),
		Result:          Result(m["result"]),
		CurrentFEN:      m["current_fen"],
		IsPublic:        m["is_public"] == "1",
		CreatorColor:    ColorChoice(m["creator_color"]),
		CreatorIP:       m["creator_ip"],
		TimeInitialMs:   i64("time_initial_ms"),
		TimeIncrementMs: i64("time_increment_ms"),
		WhiteTimeMs:     i64("white_time_ms"),
		BlackTimeMs:     i64("black_time_ms"),
		LastMoveAt:      i64("last_move_at"),
		CreatedAt:       i64("created_at"),
	}
}
