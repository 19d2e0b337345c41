package protocol

import (
	"context"

	"github.com/chesslink/chesslink/internal/hub"
	"github.com/chesslink/chesslink/internal/session"
)

// seatsAdapter bridges the hub's seat queries onto the session store. The
// hub never holds a store handle directly; the room id string is the only
// thing the two sides share.
type seatsAdapter struct {
	store *session.Store
}

func (a *seatsAdapter) RoleFor(ctx context.Context, roomID, token string) (hub.Role, error) {
	seats, err := a.store.GetSeats(ctx, roomID)
	if err != nil {
		return hub.RoleUnknown, err
	}
	if seats == nil {
		return hub.RoleUnknown, nil
	}
	if color, ok := seats.RoleFor(token); ok {
		return hub.Role(color), nil
	}
	// A bearer that matches no seat observes as a spectator; it is not a
	// protocol violation.
	return hub.RoleSpectator, nil
}

func (a *seatsAdapter) SetPlayerConnected(ctx context.Context, roomID string, role hub.Role, connected bool) error {
	return a.store.SetPlayerConnected(ctx, roomID, session.Color(role), connected)
}

func (a *seatsAdapter) IncrSpectators(ctx context.Context, roomID string) (int64, error) {
	return a.store.IncrSpectators(ctx, roomID)
}

func (a *seatsAdapter) DecrSpectators(ctx context.Context, roomID string) (int64, error) {
	return a.store.DecrSpectators(ctx, roomID)
}

// playerColor narrows a hub role to a seat color.
func playerColor(r hub.Role) (session.Color, bool) {
	switch r {
	case hub.RoleWhite:
		return session.White, true
	case hub.RoleBlack:
		return session.Black, true
	}
	return "", false
}
