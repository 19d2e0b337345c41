// Package hub holds the live membership of every room: which duplex peers
// are attached, their resolved roles, the broadcast fan-out and the process
// heartbeat. It references rooms by id string only; the durable record
// belongs to the session store.
package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chesslink/chesslink/internal/obslog"
	"github.com/chesslink/chesslink/pkg/wire"
)

// Seats is the slice of the session store the hub needs: role resolution
// and the mirror state it maintains on attach/detach.
type Seats interface {
	RoleFor(ctx context.Context, roomID, token string) (Role, error)
	SetPlayerConnected(ctx context.Context, roomID string, role Role, connected bool) error
	IncrSpectators(ctx context.Context, roomID string) (int64, error)
	DecrSpectators(ctx context.Context, roomID string) (int64, error)
}

// DetachFunc is the disconnect policy hook, invoked after a peer has been
// removed from its room.
type DetachFunc func(ctx context.Context, p *Peer, roomEmpty bool)

const heartbeatInterval = 30 * time.Second

// Hub owns the room → peers map. Attach and Detach are the only writers,
// apart from Shutdown, which empties it.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Peer]bool

	seats    Seats
	onDetach DetachFunc

	pingTimeout time.Duration
}

func New(seats Seats) *Hub {
	return &Hub{
		rooms:       make(map[string]map[*Peer]bool),
		seats:       seats,
		pingTimeout: 5 * time.Second,
	}
}

// OnDetach installs the disconnect policy; must be set before serving.
func (h *Hub) OnDetach(fn DetachFunc) { h.onDetach = fn }

// Attach registers a connection in a room, resolving its role from the
// bearer token. Spectators bump the room's spectator counter.
func (h *Hub) Attach(ctx context.Context, conn Conn, roomID, token string) (*Peer, error) {
	role, err := h.seats.RoleFor(ctx, roomID, token)
	if err != nil {
		return nil, err
	}
	p := newPeer(conn, roomID, token, role)

	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Peer]bool)
	}
	h.rooms[roomID][p] = true
	h.mu.Unlock()

	switch role {
	case RoleWhite, RoleBlack:
		_ = h.seats.SetPlayerConnected(ctx, roomID, role, true)
	case RoleSpectator:
		_, _ = h.seats.IncrSpectators(ctx, roomID)
	}
	obslog.L().Info("peer_attach",
		zap.String("game_id", roomID),
		zap.String("peer_id", p.ID),
		zap.String("role", string(role)),
	)
	return p, nil
}

// Detach removes a peer, updates the mirror state and runs the disconnect
// policy. Safe to call more than once.
func (h *Hub) Detach(ctx context.Context, p *Peer) {
	h.mu.Lock()
	peers, ok := h.rooms[p.RoomID]
	if ok {
		if !peers[p] {
			h.mu.Unlock()
			return
		}
		delete(peers, p)
		if len(peers) == 0 {
			delete(h.rooms, p.RoomID)
		}
	}
	empty := len(h.rooms[p.RoomID]) == 0
	h.mu.Unlock()
	if !ok {
		return
	}

	p.terminate(1000, "detach")
	switch p.Role() {
	case RoleWhite, RoleBlack:
		// Another connection may hold the same seat; only clear the mirror
		// bit when this was the seat's last peer.
		if !h.roleStillPresent(p.RoomID, p.Role()) {
			_ = h.seats.SetPlayerConnected(ctx, p.RoomID, p.Role(), false)
		}
	case RoleSpectator:
		_, _ = h.seats.DecrSpectators(ctx, p.RoomID)
	}
	obslog.L().Info("peer_detach",
		zap.String("game_id", p.RoomID),
		zap.String("peer_id", p.ID),
		zap.String("role", string(p.Role())),
		zap.Bool("room_empty", empty),
	)
	if h.onDetach != nil {
		h.onDetach(ctx, p, empty)
	}
}

func (h *Hub) roleStillPresent(roomID string, role Role) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for q := range h.rooms[roomID] {
		if q.Role() == role {
			return true
		}
	}
	return false
}

// Broadcast serializes the frame once and fans it out to every open peer in
// the room, minus exclude.
func (h *Hub) Broadcast(roomID string, frame wire.Frame, exclude *Peer) {
	data := wire.Marshal(frame)
	for _, p := range h.RoomPeers(roomID) {
		if p == exclude || p.Closed() {
			continue
		}
		p.Send(data)
	}
}

// SendTo writes one frame to a single peer.
func (h *Hub) SendTo(p *Peer, frame wire.Frame) {
	p.Send(wire.Marshal(frame))
}

// RoomPeers snapshots the membership of a room.
func (h *Hub) RoomPeers(roomID string) []*Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := make([]*Peer, 0, len(h.rooms[roomID]))
	for p := range h.rooms[roomID] {
		peers = append(peers, p)
	}
	return peers
}

// RoomEmpty reports whether no peers remain attached to the room.
func (h *Hub) RoomEmpty(roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID]) == 0
}

// CountSpectators counts attached peers resolved as spectators.
func (h *Hub) CountSpectators(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for p := range h.rooms[roomID] {
		if p.Role() == RoleSpectator {
			n++
		}
	}
	return n
}

// ReResolveRoles re-runs token → seat resolution for every peer in the
// room. Emitted on game_update: a peer attached before the second player
// joined may hold a stale spectator/unknown role.
func (h *Hub) ReResolveRoles(ctx context.Context, roomID string) {
	for _, p := range h.RoomPeers(roomID) {
		role, err := h.seats.RoleFor(ctx, roomID, p.Token)
		if err != nil {
			continue
		}
		old := p.Role()
		if role == old {
			continue
		}
		if old == RoleSpectator {
			_, _ = h.seats.DecrSpectators(ctx, roomID)
		}
		p.SetRole(role)
		switch role {
		case RoleWhite, RoleBlack:
			_ = h.seats.SetPlayerConnected(ctx, roomID, role, true)
		case RoleSpectator:
			_, _ = h.seats.IncrSpectators(ctx, roomID)
		}
	}
}

// RunHeartbeat drives the process-wide ping cycle. A peer that has not
// answered the previous ping by the next tick is terminated; its read loop
// then unwinds through Detach.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.pingAll(ctx)
		}
	}
}

func (h *Hub) pingAll(ctx context.Context) {
	h.mu.RLock()
	all := make([]*Peer, 0)
	for _, peers := range h.rooms {
		for p := range peers {
			all = append(all, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range all {
		if p.Closed() {
			continue
		}
		if !p.pongOK.Load() {
			obslog.L().Warn("peer_heartbeat_timeout",
				zap.String("game_id", p.RoomID),
				zap.String("peer_id", p.ID),
			)
			p.terminate(1002, "heartbeat timeout")
			continue
		}
		p.pongOK.Store(false)
		go func(p *Peer) {
			pctx, cancel := context.WithTimeout(ctx, h.pingTimeout)
			defer cancel()
			if err := p.conn.Ping(pctx); err == nil {
				p.pongOK.Store(true)
			}
		}(p)
	}
}

// Shutdown closes every peer with 1001 (going away) ahead of store teardown.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []*Peer
	for _, peers := range h.rooms {
		for p := range peers {
			all = append(all, p)
		}
	}
	h.rooms = make(map[string]map[*Peer]bool)
	h.mu.Unlock()
	for _, p := range all {
		p.terminate(1001, "server shutdown")
	}
}
