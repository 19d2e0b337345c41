// Package protocol validates every inbound frame and routes it to its
// command handler. Validation fails closed: unknown types, oversize frames
// and stray fields are rejected with an error to the sender only; a state
// change broadcasts exactly one frame to the room.
package protocol

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/chesslink/chesslink/internal/hub"
	"github.com/chesslink/chesslink/internal/lifecycle"
	"github.com/chesslink/chesslink/internal/msgcat"
	"github.com/chesslink/chesslink/internal/obslog"
	"github.com/chesslink/chesslink/internal/session"
	"github.com/chesslink/chesslink/pkg/wire"
)

// Dispatcher owns the frame pipeline for every connection.
type Dispatcher struct {
	hub *hub.Hub
	fc  *lifecycle.Facade
	cat *msgcat.Catalog
}

// New wires the dispatcher, the hub and the disconnect policy together.
func New(fc *lifecycle.Facade, cat *msgcat.Catalog) *Dispatcher {
	d := &Dispatcher{fc: fc, cat: cat}
	d.hub = hub.New(&seatsAdapter{store: fc.Store()})
	d.hub.OnDetach(d.onDetach)
	return d
}

// Hub exposes the room hub for the upgrade handler and shutdown path.
func (d *Dispatcher) Hub() *hub.Hub { return d.hub }

// Conn is the per-connection dispatcher state. The read loop lives with the
// transport; it hands every raw frame to HandleRaw and calls Disconnect
// when the loop unwinds.
type Conn struct {
	transport hub.Conn
	tokenFor  func(gameID string) string

	peer   *hub.Peer
	gameID string
}

// NewConn prepares dispatcher state for an accepted connection. tokenFor
// resolves the bearer cookie for a given game id.
func (d *Dispatcher) NewConn(transport hub.Conn, tokenFor func(gameID string) string) *Conn {
	if tokenFor == nil {
		tokenFor = func(string) string { return "" }
	}
	return &Conn{transport: transport, tokenFor: tokenFor}
}

// reply reaches the sender only: through the peer's write pipeline once
// attached, directly on the transport before that.
func (d *Dispatcher) reply(ctx context.Context, c *Conn, frame wire.Frame) {
	if c.peer != nil {
		d.hub.SendTo(c.peer, frame)
		return
	}
	_ = c.transport.Write(ctx, wire.Marshal(frame))
}

func (d *Dispatcher) replyError(ctx context.Context, c *Conn, message string) {
	d.reply(ctx, c, wire.Errorf(message))
}

func (d *Dispatcher) replyMappedError(ctx context.Context, c *Conn, err error) {
	d.replyError(ctx, c, errorMessage(d.cat, err))
}

// HandleRaw runs one inbound frame through the full pipeline: size check,
// parse, structural validation, join-first gate, then the handler.
func (d *Dispatcher) HandleRaw(ctx context.Context, c *Conn, raw []byte) {
	in, err := wire.ParseInbound(raw)
	if err != nil {
		d.replyError(ctx, c, err.Error())
		return
	}
	if in.Type != wire.InJoin && c.peer == nil {
		d.replyError(ctx, c, d.cat.MustRender("error.join_first", nil, "Send join before other commands"))
		return
	}

	switch in.Type {
	case wire.InJoin:
		d.handleJoin(ctx, c, in)
	case wire.InMove:
		d.handleMove(ctx, c, in)
	case wire.InResign:
		d.handleResign(ctx, c)
	case wire.InDrawOffer:
		d.handleDrawOffer(ctx, c)
	case wire.InDrawAccept:
		d.handleDrawAccept(ctx, c)
	case wire.InDrawDecline:
		d.handleDrawDecline(ctx, c)
	case wire.InDrawCancel:
		d.handleDrawCancel(ctx, c)
	case wire.InRematchOffer:
		d.handleRematchOffer(ctx, c)
	case wire.InRematchAccept:
		d.handleRematchAccept(ctx, c)
	case wire.InRematchCancel:
		d.handleRematchCancel(ctx, c)
	case wire.InFlag:
		d.handleFlag(ctx, c)
	case wire.InClaimWin:
		d.handleClaimWin(ctx, c)
	}
}

// Disconnect unwinds a connection after its read loop ends.
func (d *Dispatcher) Disconnect(ctx context.Context, c *Conn) {
	if c.peer != nil {
		d.hub.Detach(ctx, c.peer)
	}
}

func (d *Dispatcher) handleJoin(ctx context.Context, c *Conn, in *wire.Inbound) {
	if c.peer != nil {
		d.replyError(ctx, c, d.cat.MustRender("error.already_joined", nil, "Already joined a game on this connection"))
		return
	}
	rec, err := d.fc.Store().GetGame(ctx, in.GameID)
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	if rec == nil {
		d.replyMappedError(ctx, c, session.ErrNotFound)
		return
	}
	peer, err := d.hub.Attach(ctx, c.transport, in.GameID, c.tokenFor(in.GameID))
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	c.peer, c.gameID = peer, in.GameID

	if color, ok := playerColor(peer.Role()); ok {
		frame, err := d.fc.HandleReconnect(ctx, in.GameID, color)
		if err == nil && frame != nil {
			d.hub.Broadcast(in.GameID, frame, peer)
		}
		if rec.Timed() && rec.Status == session.StatusInProgress {
			d.hub.Broadcast(in.GameID, d.fc.ClockSync(rec), peer)
		}
	} else if peer.Role() == hub.RoleSpectator {
		count, _ := d.fc.Store().CountSpectators(ctx, in.GameID)
		d.hub.Broadcast(in.GameID, &wire.SpectatorCountFrame{Type: wire.OutSpectatorCount, Count: count}, nil)
	}

	state, err := d.fc.GameState(ctx, in.GameID, string(peer.Role()))
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	if _, isFlag := state.(*wire.FlagFrame); isFlag {
		// The join surfaced an already-expired clock; the finalization
		// concerns the whole room.
		d.hub.Broadcast(in.GameID, state, nil)
		return
	}
	d.reply(ctx, c, state)
}

func (d *Dispatcher) requirePlayer(ctx context.Context, c *Conn) (session.Color, bool) {
	color, ok := playerColor(c.peer.Role())
	if !ok {
		d.replyMappedError(ctx, c, lifecycle.ErrNotPlayer)
		return "", false
	}
	return color, true
}

func (d *Dispatcher) handleMove(ctx context.Context, c *Conn, in *wire.Inbound) {
	color, ok := d.requirePlayer(ctx, c)
	if !ok {
		return
	}
	reply, err := d.fc.MakeMove(ctx, c.gameID, color, in.From, in.To, in.Promotion)
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	d.hub.Broadcast(c.gameID, reply.Frame, nil)
}

func (d *Dispatcher) handleResign(ctx context.Context, c *Conn) {
	color, ok := d.requirePlayer(ctx, c)
	if !ok {
		return
	}
	frame, err := d.fc.Resign(ctx, c.gameID, color)
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	d.hub.Broadcast(c.gameID, frame, nil)
}

func (d *Dispatcher) handleDrawOffer(ctx context.Context, c *Conn) {
	color, ok := d.requirePlayer(ctx, c)
	if !ok {
		return
	}
	frame, err := d.fc.OfferDraw(ctx, c.gameID, color)
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	d.hub.Broadcast(c.gameID, frame, nil)
}

func (d *Dispatcher) handleDrawAccept(ctx context.Context, c *Conn) {
	color, ok := d.requirePlayer(ctx, c)
	if !ok {
		return
	}
	frame, err := d.fc.AcceptDraw(ctx, c.gameID, color)
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	d.hub.Broadcast(c.gameID, frame, nil)
}

func (d *Dispatcher) handleDrawDecline(ctx context.Context, c *Conn) {
	color, ok := d.requirePlayer(ctx, c)
	if !ok {
		return
	}
	frame, err := d.fc.DeclineDraw(ctx, c.gameID, color)
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	d.hub.Broadcast(c.gameID, frame, nil)
}

func (d *Dispatcher) handleDrawCancel(ctx context.Context, c *Conn) {
	color, ok := d.requirePlayer(ctx, c)
	if !ok {
		return
	}
	frame, err := d.fc.CancelDraw(ctx, c.gameID, color)
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	d.hub.Broadcast(c.gameID, frame, nil)
}

func (d *Dispatcher) handleRematchOffer(ctx context.Context, c *Conn) {
	color, ok := d.requirePlayer(ctx, c)
	if !ok {
		return
	}
	frame, implicitAccept, err := d.fc.OfferRematch(ctx, c.gameID, color)
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	if implicitAccept {
		d.acceptRematch(ctx, c, color)
		return
	}
	d.hub.Broadcast(c.gameID, frame, nil)
}

func (d *Dispatcher) handleRematchAccept(ctx context.Context, c *Conn) {
	color, ok := d.requirePlayer(ctx, c)
	if !ok {
		return
	}
	d.acceptRematch(ctx, c, color)
}

// acceptRematch echoes each peer its own seat token for the new room: the
// frames differ per receiver, which is why this is not a plain broadcast.
func (d *Dispatcher) acceptRematch(ctx context.Context, c *Conn, color session.Color) {
	out, err := d.fc.AcceptRematch(ctx, c.gameID, color)
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	for _, p := range d.hub.RoomPeers(c.gameID) {
		frame := &wire.RematchAcceptedFrame{Type: wire.OutRematchAccepted, NewGameID: out.NewGameID}
		switch p.Token {
		case out.WhiteToken:
			frame.Token, frame.YourColor = out.WhiteToken, string(session.White)
		case out.BlackToken:
			frame.Token, frame.YourColor = out.BlackToken, string(session.Black)
		}
		d.hub.SendTo(p, frame)
	}
	obslog.L().Info("rematch_accept",
		zap.String("game_id", c.gameID),
		zap.String("new_game_id", out.NewGameID),
	)
}

func (d *Dispatcher) handleRematchCancel(ctx context.Context, c *Conn) {
	color, ok := d.requirePlayer(ctx, c)
	if !ok {
		return
	}
	frame, err := d.fc.CancelRematch(ctx, c.gameID, color)
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	d.hub.Broadcast(c.gameID, frame, nil)
}

func (d *Dispatcher) handleFlag(ctx context.Context, c *Conn) {
	frame, err := d.fc.FlagOpponent(ctx, c.gameID)
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	d.hub.Broadcast(c.gameID, frame, nil)
}

func (d *Dispatcher) handleClaimWin(ctx context.Context, c *Conn) {
	color, ok := d.requirePlayer(ctx, c)
	if !ok {
		return
	}
	frame, err := d.fc.ClaimWin(ctx, c.gameID, color)
	if err != nil {
		d.replyMappedError(ctx, c, err)
		return
	}
	d.hub.Broadcast(c.gameID, frame, nil)
}

// NotifyGameUpdated is called by the HTTP join handler once the second
// player is seated: attached peers re-resolve their roles against the final
// seats, the room learns the status change and countdown displays re-anchor.
func (d *Dispatcher) NotifyGameUpdated(ctx context.Context, id string) {
	d.hub.ReResolveRoles(ctx, id)
	rec, err := d.fc.Store().GetGame(ctx, id)
	if err != nil || rec == nil {
		return
	}
	d.hub.Broadcast(id, &wire.GameUpdateFrame{Type: wire.OutGameUpdate, Status: string(rec.Status)}, nil)
	if seats, err := d.fc.Store().GetSeats(ctx, id); err == nil && seats != nil {
		d.hub.Broadcast(id, &wire.ConnectionStatusFrame{
			Type:           wire.OutConnectionStatus,
			WhiteConnected: seats.WhiteConnected,
			BlackConnected: seats.BlackConnected,
		}, nil)
	}
	if rec.Timed() && rec.Status == session.StatusInProgress {
		d.hub.Broadcast(id, d.fc.ClockSync(rec), nil)
	}
}

// onDetach is the disconnect policy: delete emptied WAITING rooms, start
// claim/abandonment timers for live ones, flush spectator counts, and
// archive-and-delete terminal rooms once the last peer leaves.
func (d *Dispatcher) onDetach(ctx context.Context, p *hub.Peer, roomEmpty bool) {
	store := d.fc.Store()
	if color, ok := playerColor(p.Role()); ok {
		res, err := d.fc.HandleDisconnect(ctx, p.RoomID, color, roomEmpty)
		if err != nil {
			obslog.L().Error("disconnect_policy_error", zap.String("game_id", p.RoomID), zap.Error(err))
			return
		}
		if res.Deleted {
			return
		}
		if res.Frame != nil {
			d.hub.Broadcast(p.RoomID, res.Frame, nil)
		}
	} else if p.Role() == hub.RoleSpectator {
		count, _ := store.CountSpectators(ctx, p.RoomID)
		d.hub.Broadcast(p.RoomID, &wire.SpectatorCountFrame{Type: wire.OutSpectatorCount, Count: count}, nil)
	}

	if !roomEmpty {
		return
	}
	rec, err := store.GetGame(ctx, p.RoomID)
	if err != nil || rec == nil {
		return
	}
	if rec.Status.Terminal() {
		if err := store.ArchiveAndDelete(ctx, p.RoomID); err != nil && !errors.Is(err, session.ErrNotFound) {
			obslog.L().Error("terminal_cleanup_error", zap.String("game_id", p.RoomID), zap.Error(err))
		}
	}
}
