package protocol

import (
	"errors"

	"github.com/chesslink/chesslink/internal/lifecycle"
	"github.com/chesslink/chesslink/internal/msgcat"
	"github.com/chesslink/chesslink/internal/session"
)

// errorMessage maps a typed failure onto its client-facing string. Internal
// error text never leaks onto the wire.
func errorMessage(cat *msgcat.Catalog, err error) string {
	key, fallback := "error.internal", "Something went wrong"
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrBadID):
		key, fallback = "error.game_not_found", "Game not found"
	case errors.Is(err, session.ErrNotInProgress):
		key, fallback = "error.not_in_progress", "Game is not in progress"
	case errors.Is(err, lifecycle.ErrNotYourTurn):
		key, fallback = "error.not_your_turn", "Not your turn"
	case errors.Is(err, lifecycle.ErrNotPlayer):
		key, fallback = "error.not_a_player", "You are not a player in this game"
	case errors.Is(err, lifecycle.ErrIllegalMove):
		key, fallback = "error.illegal_move", "Illegal move"
	case errors.Is(err, lifecycle.ErrNoDrawOffer):
		key, fallback = "error.no_draw_offer", "No pending draw offer to accept"
	case errors.Is(err, lifecycle.ErrNoRematchOffer):
		key, fallback = "error.no_rematch_offer", "No pending rematch offer to accept"
	case errors.Is(err, lifecycle.ErrNotOfferOwner):
		key, fallback = "error.not_offer_owner", "Only the offering player can cancel"
	case errors.Is(err, lifecycle.ErrGameNotFinished):
		key, fallback = "error.game_not_finished", "Game is not finished"
	case errors.Is(err, lifecycle.ErrNotFlagged):
		key, fallback = "error.not_flagged", "Clock has not expired"
	case errors.Is(err, session.ErrNoClaimTimer):
		key, fallback = "error.no_claim_timer", "Opponent has not disconnected"
	case errors.Is(err, session.ErrClaimTooEarly):
		key, fallback = "error.claim_too_early", "Claim window has not opened yet"
	case errors.Is(err, session.ErrOpponentReconnected):
		key, fallback = "error.opponent_reconnected", "Opponent has reconnected"
	case errors.Is(err, session.ErrNotClaimant):
		key, fallback = "error.not_a_player", "You are not a player in this game"
	case errors.Is(err, session.ErrMoveConflict):
		key, fallback = "error.move_conflict", "Another move was processed first, refresh and retry"
	}
	if cat == nil {
		return fallback
	}
	return cat.MustRender(key, nil, fallback)
}
