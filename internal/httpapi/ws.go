package httpapi

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/chesslink/chesslink/internal/hub"
	"github.com/chesslink/chesslink/internal/obslog"
)

// readLimit is a transport guard well above the protocol's 1024-byte frame
// cap, so an oversize frame still reaches the dispatcher and earns a size
// error instead of a silent close.
const readLimit = 8 * 1024

// originAllowed applies the CORS policy to the upgrade: with no allowlist,
// dev allows everything and prod denies everything; otherwise the Origin
// host must match an entry exactly. Requests without an Origin header
// (non-browser clients) pass.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.CORSAllowedOrigins) == 0 {
		return !s.cfg.Prod()
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.CORSAllowedOrigins {
		if origin == allowed {
			return true
		}
		if au, aerr := url.Parse(allowed); aerr == nil && au.Host != "" && au.Host == u.Host {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if s.rateLimited(w, r, "ws", s.cfg.RateLimitWSConnectMax, s.cfg.RateLimitWSConnectWindow) {
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin policy already enforced above; Accept's own check would
		// re-reject the non-allowlisted dev case.
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}
	c.SetReadLimit(readLimit)

	// The bearer cookie is scoped per game id; the dispatcher asks for it
	// once the join frame names the room.
	cookies := r.Cookies()
	tokenFor := func(gameID string) string {
		for _, ck := range cookies {
			if ck.Name == cookiePrefix+gameID {
				return ck.Value
			}
		}
		return ""
	}

	conn := hub.NewWSConn(c)
	state := s.disp.NewConn(conn, tokenFor)
	ctx := context.Background()

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageText {
			continue
		}
		s.disp.HandleRaw(ctx, state, data)
	}
	s.disp.Disconnect(ctx, state)
	_ = c.Close(websocket.StatusNormalClosure, "bye")
}
