package hotstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Script outcome codes shared by the wrappers below. Scripts run server-side
// so a read-check-write on the record can never interleave with another
// connection's.
const (
	CodeOK           = 0
	CodeNotWaiting   = 1 // join: status left WAITING
	CodeAlreadyFull  = 2 // join: black seat taken
	CodeNotFound     = 3
	CodeNotActive    = 1 // move/claim: status not IN_PROGRESS
	CodeFlagged      = 2 // move: mover's clock busted, game finalized
	CodeConflict     = 4 // move: concurrent move won the race
	CodeNoTimer      = 1 // claim: no disconnect timer
	CodeNotClaimant  = 2 // claim: caller is the disconnected side
	CodeTooEarly     = 3 // claim: deadline not reached
	CodeReconnected  = 4 // claim: opponent came back
	CodeNotClaimable = 5 // claim: game no longer in progress
)

// joinScript seats the second player. KEYS[1]=game hash, KEYS[2]=seats hash.
// ARGV: joiner token, now ms, random bit, ttl seconds. Resolves
// creatorColor=black|random by swapping tokens so the joiner lands on the
// announced seat, flips status and stamps both clocks for timed games.
var joinScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return {3} end
if status ~= 'WAITING' then return {1} end
local black = redis.call('HGET', KEYS[2], 'black_token')
if black and black ~= '' then return {2} end
local swap = false
local cc = redis.call('HGET', KEYS[1], 'creator_color')
if cc == 'black' then
  swap = true
elseif cc == 'random' and ARGV[3] == '1' then
  swap = true
end
local role = 'black'
if swap then
  local creator = redis.call('HGET', KEYS[2], 'white_token')
  redis.call('HSET', KEYS[2], 'white_token', ARGV[1], 'black_token', creator)
  role = 'white'
else
  redis.call('HSET', KEYS[2], 'black_token', ARGV[1])
end
redis.call('HSET', KEYS[1], 'status', 'IN_PROGRESS')
local init = tonumber(redis.call('HGET', KEYS[1], 'time_initial_ms') or '0')
if init > 0 then
  redis.call('HSET', KEYS[1], 'white_time_ms', init, 'black_time_ms', init, 'last_move_at', ARGV[2])
end
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return {0, role}
`)

// JoinResultHot is the decoded joinScript reply.
type JoinResultHot struct {
	Code int
	Role string
}

func RunJoin(ctx context.Context, rdb *redis.Client, gameKey, seatsKey, token string, nowMs int64, randBit, ttlSec int) (*JoinResultHot, error) {
	raw, err := joinScript.Run(ctx, rdb, []string{gameKey, seatsKey}, token, nowMs, randBit, ttlSec).Result()
	if err != nil {
		return nil, fmt.Errorf("join script: %w", err)
	}
	arr, err := scriptArray(raw, 1)
	if err != nil {
		return nil, err
	}
	out := &JoinResultHot{Code: int(asInt(arr[0]))}
	if len(arr) > 1 {
		out.Role = asString(arr[1])
	}
	return out, nil
}

// deductTimeScript is the single write path for an accepted move: verifies
// the record is live and the move log unchanged, charges the mover's clock
// (finalizing a flag instead when the balance is gone), credits the
// increment, appends the move, updates the position, clears a pending draw
// offer and optionally applies a game-ending transition.
// KEYS: game hash, moves list, draw-offer key.
// ARGV: mover color, now ms, move JSON, fen, ttl sec, expected log length,
// end status (empty when the move does not end the game), end result.
var deductTimeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return {3} end
if status ~= 'IN_PROGRESS' then return {1} end
if tonumber(redis.call('LLEN', KEYS[2])) ~= tonumber(ARGV[6]) then return {4} end
local wt = tonumber(redis.call('HGET', KEYS[1], 'white_time_ms') or '0')
local bt = tonumber(redis.call('HGET', KEYS[1], 'black_time_ms') or '0')
local init = tonumber(redis.call('HGET', KEYS[1], 'time_initial_ms') or '0')
if init > 0 then
  local last = tonumber(redis.call('HGET', KEYS[1], 'last_move_at') or '0')
  local inc = tonumber(redis.call('HGET', KEYS[1], 'time_increment_ms') or '0')
  local bal = wt
  if ARGV[1] == 'black' then bal = bt end
  local remaining = bal
  if last > 0 then remaining = bal - (tonumber(ARGV[2]) - last) end
  if remaining <= 0 then
    local res = 'BLACK_WINS'
    if ARGV[1] == 'black' then res = 'WHITE_WINS' end
    if ARGV[1] == 'white' then wt = 0 else bt = 0 end
    redis.call('HSET', KEYS[1], 'status', 'FINISHED', 'result', res, 'white_time_ms', wt, 'black_time_ms', bt)
    redis.call('DEL', KEYS[3])
    return {2, res, wt, bt}
  end
  local newbal = remaining + inc
  if ARGV[1] == 'white' then wt = newbal else bt = newbal end
  redis.call('HSET', KEYS[1], 'white_time_ms', wt, 'black_time_ms', bt, 'last_move_at', ARGV[2])
end
redis.call('RPUSH', KEYS[2], ARGV[3])
redis.call('HSET', KEYS[1], 'current_fen', ARGV[4])
redis.call('DEL', KEYS[3])
if ARGV[7] ~= '' then
  redis.call('HSET', KEYS[1], 'status', ARGV[7], 'result', ARGV[8])
end
redis.call('EXPIRE', KEYS[1], ARGV[5])
redis.call('EXPIRE', KEYS[2], ARGV[5])
return {0, '', wt, bt}
`)

// MoveResultHot is the decoded deductTimeScript reply.
type MoveResultHot struct {
	Code        int
	Result      string // set on CodeFlagged
	WhiteTimeMs int64
	BlackTimeMs int64
}

func RunDeductTimeAndMove(ctx context.Context, rdb *redis.Client, gameKey, movesKey, drawKey, mover string, nowMs int64, moveJSON, fen string, ttlSec, expectedLen int, endStatus, endResult string) (*MoveResultHot, error) {
	raw, err := deductTimeScript.Run(ctx, rdb,
		[]string{gameKey, movesKey, drawKey},
		mover, nowMs, moveJSON, fen, ttlSec, expectedLen, endStatus, endResult,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("move script: %w", err)
	}
	arr, err := scriptArray(raw, 1)
	if err != nil {
		return nil, err
	}
	out := &MoveResultHot{Code: int(asInt(arr[0]))}
	if len(arr) > 1 {
		out.Result = asString(arr[1])
	}
	if len(arr) > 3 {
		out.WhiteTimeMs = asInt(arr[2])
		out.BlackTimeMs = asInt(arr[3])
	}
	return out, nil
}

// claimWinScript finalizes a disconnect claim: timer present, claimant is
// the opponent of the disconnected side, deadline passed, no reconnect.
// KEYS: game hash, abandonment timer hash, seats hash.
// ARGV: claimant color, now ms, terminal ttl sec.
var claimWinScript = redis.NewScript(`
local dc = redis.call('HGET', KEYS[2], 'color')
if not dc then return {1} end
if dc == ARGV[1] then return {2} end
local deadline = tonumber(redis.call('HGET', KEYS[2], 'deadline_ms') or '0')
if tonumber(ARGV[2]) < deadline then return {3} end
local conn = redis.call('HGET', KEYS[3], dc .. '_connected')
if conn == '1' then return {4} end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'IN_PROGRESS' then return {5} end
local res = 'WHITE_WINS'
if ARGV[1] == 'black' then res = 'BLACK_WINS' end
redis.call('HSET', KEYS[1], 'status', 'ABANDONED', 'result', res)
redis.call('DEL', KEYS[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return {0, res}
`)

// ClaimResultHot is the decoded claimWinScript reply.
type ClaimResultHot struct {
	Code   int
	Result string
}

func RunClaimWin(ctx context.Context, rdb *redis.Client, gameKey, abandonKey, seatsKey, claimant string, nowMs int64, ttlSec int) (*ClaimResultHot, error) {
	raw, err := claimWinScript.Run(ctx, rdb, []string{gameKey, abandonKey, seatsKey}, claimant, nowMs, ttlSec).Result()
	if err != nil {
		return nil, fmt.Errorf("claim script: %w", err)
	}
	arr, err := scriptArray(raw, 1)
	if err != nil {
		return nil, err
	}
	out := &ClaimResultHot{Code: int(asInt(arr[0]))}
	if len(arr) > 1 {
		out.Result = asString(arr[1])
	}
	return out, nil
}

// rateLimitScript is a fixed-window counter. KEYS[1]=window counter.
// ARGV: max, window seconds.
var rateLimitScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then redis.call('EXPIRE', KEYS[1], ARGV[2]) end
local ttl = redis.call('TTL', KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[2])
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then return {0, 0, ttl} end
return {1, tonumber(ARGV[1]) - n, ttl}
`)

// RateLimitResult reports a fixed-window decision.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	RetryAfter int64 // seconds until the window resets
}

func RunRateLimit(ctx context.Context, rdb *redis.Client, key string, max, windowSec int) (*RateLimitResult, error) {
	raw, err := rateLimitScript.Run(ctx, rdb, []string{key}, max, windowSec).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	arr, err := scriptArray(raw, 3)
	if err != nil {
		return nil, err
	}
	return &RateLimitResult{
		Allowed:    asInt(arr[0]) == 1,
		Remaining:  asInt(arr[1]),
		RetryAfter: asInt(arr[2]),
	}, nil
}

func scriptArray(raw interface{}, minLen int) ([]interface{}, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) < minLen {
		return nil, fmt.Errorf("unexpected script reply %T", raw)
	}
	return arr, nil
}

func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
