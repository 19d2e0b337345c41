// Package clock holds the sudden-death Fischer clock arithmetic. The stored
// balances are the values at lastMoveAt; only the side to move is running.
package clock

// Snapshot is the authoritative clock state of a timed game.
type Snapshot struct {
	WhiteMs    int64
	BlackMs    int64
	LastMoveAt int64 // epoch ms; 0 until the game started
}

// Remaining computes the live balance of a running clock.
func Remaining(balanceMs, lastMoveAtMs, nowMs int64) int64 {
	if lastMoveAtMs <= 0 {
		return balanceMs
	}
	return balanceMs - (nowMs - lastMoveAtMs)
}

// Live returns display balances at now: the running side decremented, the
// idle side untouched. turn is "white" or "black".
func Live(s Snapshot, turn string, nowMs int64) (whiteMs, blackMs int64) {
	whiteMs, blackMs = s.WhiteMs, s.BlackMs
	if s.LastMoveAt <= 0 {
		return whiteMs, blackMs
	}
	if turn == "white" {
		whiteMs = Remaining(s.WhiteMs, s.LastMoveAt, nowMs)
	} else {
		blackMs = Remaining(s.BlackMs, s.LastMoveAt, nowMs)
	}
	if whiteMs < 0 {
		whiteMs = 0
	}
	if blackMs < 0 {
		blackMs = 0
	}
	return whiteMs, blackMs
}

// Flagged reports whether the side to move has busted its balance.
func Flagged(s Snapshot, turn string, nowMs int64) bool {
	if s.LastMoveAt <= 0 {
		return false
	}
	if turn == "white" {
		return Remaining(s.WhiteMs, s.LastMoveAt, nowMs) <= 0
	}
	return Remaining(s.BlackMs, s.LastMoveAt, nowMs) <= 0
}

// Deadline returns now + timeoutSec as epoch ms; used for the claim-win and
// abandonment timers.
func Deadline(nowMs int64, timeoutSec int) int64 {
	return nowMs + int64(timeoutSec)*1000
}

// Expired reports whether a stored deadline has passed.
func Expired(deadlineMs, nowMs int64) bool {
	return deadlineMs > 0 && nowMs >= deadlineMs
}
