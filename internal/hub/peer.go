package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Role is a peer's resolved relationship to its room's seats.
type Role string

const (
	RoleWhite     Role = "white"
	RoleBlack     Role = "black"
	RoleSpectator Role = "spectator"
	RoleUnknown   Role = "unknown"
)

// Conn is the transport a peer writes to. The production implementation
// wraps a websocket connection; tests substitute an in-memory one.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}

const (
	sendBuffer   = 32
	writeTimeout = 10 * time.Second
)

// Peer is one connected client. Writes are serialized through the send
// channel so broadcast frames never interleave on the wire.
type Peer struct {
	ID     string
	RoomID string
	Token  string

	conn Conn

	roleMu sync.RWMutex
	role   Role

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	// pongOK is cleared at each heartbeat tick and set again when the ping
	// round-trips; a peer that misses a full cycle is terminated.
	pongOK atomic.Bool
}

func newPeer(conn Conn, roomID, token string, role Role) *Peer {
	p := &Peer{
		ID:     uuid.NewString(),
		RoomID: roomID,
		Token:  token,
		conn:   conn,
		role:   role,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	p.pongOK.Store(true)
	go p.writePump()
	return p
}

func (p *Peer) writePump() {
	for {
		select {
		case <-p.closed:
			return
		case data := <-p.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := p.conn.Write(ctx, data)
			cancel()
			if err != nil {
				p.terminate(1011, "write failure")
				return
			}
		}
	}
}

// Role returns the current resolved role.
func (p *Peer) Role() Role {
	p.roleMu.RLock()
	defer p.roleMu.RUnlock()
	return p.role
}

// SetRole updates the resolved role (seat state may lag attachment).
func (p *Peer) SetRole(r Role) {
	p.roleMu.Lock()
	p.role = r
	p.roleMu.Unlock()
}

// Send queues a frame. A peer whose buffer is full is dropped rather than
// allowed to stall the room's fan-out.
func (p *Peer) Send(data []byte) {
	select {
	case <-p.closed:
	case p.send <- data:
	default:
		p.terminate(1008, "slow consumer")
	}
}

// Closed reports whether the peer has been terminated.
func (p *Peer) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *Peer) terminate(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close(code, reason)
	})
}
