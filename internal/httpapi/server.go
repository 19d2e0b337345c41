// Package httpapi is the thin HTTP collaborator around the game core:
// create/join/claim, lobby and archive listings, PGN export, the health
// probe and the /ws upgrade. No game rules live here.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chesslink/chesslink/internal/archive"
	"github.com/chesslink/chesslink/internal/config"
	"github.com/chesslink/chesslink/internal/hotstore"
	"github.com/chesslink/chesslink/internal/lifecycle"
	"github.com/chesslink/chesslink/internal/obslog"
	"github.com/chesslink/chesslink/internal/protocol"
	"github.com/chesslink/chesslink/internal/session"
)

const (
	cookiePrefix = "chess_token_"
	cookieMaxAge = 7 * 24 * 3600
	archivePage  = 20
)

// Server bundles the collaborator handlers.
type Server struct {
	cfg  *config.AppConfig
	fc   *lifecycle.Facade
	disp *protocol.Dispatcher
	repo *archive.Repository
	rdb  *redis.Client
}

func New(cfg *config.AppConfig, fc *lifecycle.Facade, disp *protocol.Dispatcher, repo *archive.Repository, rdb *redis.Client) *Server {
	return &Server{cfg: cfg, fc: fc, disp: disp, repo: repo, rdb: rdb}
}

// Routes builds the HTTP mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /games", s.handleCreate)
	mux.HandleFunc("POST /games/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /games/{id}/claim", s.handleClaim)
	mux.HandleFunc("GET /games/public", s.handlePublic)
	mux.HandleFunc("GET /games/archive", s.handleArchive)
	mux.HandleFunc("GET /games/{id}/pgn", s.handlePGN)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if fwd := firstCSV(r.Header.Get("X-Forwarded-For")); fwd != "" && session.SanitizeIP(fwd) != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func firstCSV(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return trimSpaces(s[:i])
		}
	}
	return trimSpaces(s)
}

func trimSpaces(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

func setTokenCookie(w http.ResponseWriter, gameID, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookiePrefix + gameID,
		Value:    token,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func tokenFromCookies(r *http.Request, gameID string) string {
	c, err := r.Cookie(cookiePrefix + gameID)
	if err != nil {
		return ""
	}
	return c.Value
}

// rateLimited answers true (and writes 429) when the fixed window for this
// scope+ip is exhausted.
func (s *Server) rateLimited(w http.ResponseWriter, r *http.Request, scope string, max, windowSec int) bool {
	ip := session.SanitizeIP(clientIP(r))
	if ip == "" {
		ip = "unknown"
	}
	out, err := hotstore.RunRateLimit(r.Context(), s.rdb, "rl:"+scope+":"+ip, max, windowSec)
	if err != nil {
		obslog.L().Error("rate_limit_error", zap.String("scope", scope), zap.Error(err))
		return false // fail open: the quota is a shield, not a gate
	}
	if out.Allowed {
		return false
	}
	w.Header().Set("Retry-After", strconv.FormatInt(out.RetryAfter, 10))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
	return true
}

type createRequest struct {
	IsPublic        bool   `json:"isPublic"`
	TimeInitialMs   int64  `json:"timeInitialMs"`
	TimeIncrementMs int64  `json:"timeIncrementMs"`
	CreatorColor    string `json:"creatorColor"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.rateLimited(w, r, "create", s.cfg.RateLimitGameCreateMax, s.cfg.RateLimitGameCreateWindow) {
		return
	}
	var req createRequest
	if r.Body != nil {
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req)
	}
	rec, token, err := s.fc.CreateGame(r.Context(), session.CreateParams{
		IsPublic:        req.IsPublic,
		CreatorIP:       clientIP(r),
		TimeInitialMs:   req.TimeInitialMs,
		TimeIncrementMs: req.TimeIncrementMs,
		CreatorColor:    session.ColorChoice(req.CreatorColor),
	})
	if err != nil {
		if errors.Is(err, session.ErrQuotaExceeded) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many active games"})
			return
		}
		obslog.L().Error("create_error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	setTokenCookie(w, rec.ID, token)
	writeJSON(w, http.StatusCreated, map[string]string{"id": rec.ID, "token": token})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !session.ValidID(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "game not found"})
		return
	}
	seats, err := s.fc.Store().GetSeats(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	if seats == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "game not found"})
		return
	}
	// A returning player keeps its seat; no second token is minted.
	if color, ok := seats.RoleFor(tokenFromCookies(r, id)); ok {
		writeJSON(w, http.StatusOK, map[string]string{"role": "existing", "color": string(color)})
		return
	}
	out, err := s.fc.JoinGame(r.Context(), id)
	switch {
	case err == nil:
		setTokenCookie(w, id, out.Token)
		s.disp.NotifyGameUpdated(r.Context(), id)
		writeJSON(w, http.StatusOK, map[string]string{"role": string(out.Role)})
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "game not found"})
	case errors.Is(err, session.ErrAlreadyFull), errors.Is(err, session.ErrNotWaiting):
		// Join race lost or the game already started: observe instead.
		writeJSON(w, http.StatusOK, map[string]string{"role": "spectator"})
	default:
		obslog.L().Error("join_error", zap.String("game_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

type claimRequest struct {
	Token string `json:"token"`
}

// handleClaim binds an existing seat token (rematch landing) to a cookie on
// this browser.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !session.ValidID(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "game not found"})
		return
	}
	var req claimRequest
	if r.Body != nil {
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req)
	}
	seats, err := s.fc.Store().GetSeats(r.Context(), id)
	if err != nil || seats == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "game not found"})
		return
	}
	color, ok := seats.RoleFor(req.Token)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"role": "spectator"})
		return
	}
	setTokenCookie(w, id, req.Token)
	writeJSON(w, http.StatusOK, map[string]string{"role": string(color)})
}

func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	games, err := s.fc.Store().PublicGames(r.Context(), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	if games == nil {
		games = []session.LobbyEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"games": games})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	games, total, err := s.repo.ListTerminal(r.Context(), archivePage, (page-1)*archivePage, r.URL.Query().Get("status"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	if games == nil {
		games = []archive.ArchivedGame{}
	}
	totalPages := (total + archivePage - 1) / archivePage
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"games":      games,
		"total":      total,
		"page":       page,
		"totalPages": totalPages,
	})
}

func (s *Server) handlePGN(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !session.ValidID(id) {
		http.NotFound(w, r)
		return
	}
	rec, err := s.fc.Store().GetGame(r.Context(), id)
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}
	var pgn string
	if rec != nil {
		moves, merr := s.fc.Store().GetMoves(r.Context(), id)
		if merr != nil && !errors.Is(merr, session.ErrCorruptLog) {
			http.Error(w, "internal", http.StatusInternalServerError)
			return
		}
		pgn = archive.BuildPGN(rec, moves)
	} else {
		g, ferr := s.repo.FindGame(r.Context(), id)
		if ferr != nil {
			http.Error(w, "internal", http.StatusInternalServerError)
			return
		}
		if g == nil {
			http.NotFound(w, r)
			return
		}
		pgn = archive.BuildPGN(&session.GameRecord{
			ID:              g.ID,
			Status:          session.Status(g.Status),
			Result:          session.Result(g.Result),
			TimeInitialMs:   g.TimeInitialMs,
			TimeIncrementMs: g.TimeIncrementMs,
			CreatedAt:       g.CreatedAt.UnixMilli(),
		}, g.Moves)
	}
	w.Header().Set("Content-Type", "application/x-chess-pgn")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.pgn"`)
	_, _ = w.Write([]byte(pgn))
}

type depHealth struct {
	Up        bool  `json:"up"`
	LatencyMs int64 `json:"latencyMs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	deps := map[string]depHealth{}
	healthy := true

	start := time.Now()
	err := s.rdb.Ping(r.Context()).Err()
	deps["redis"] = depHealth{Up: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	healthy = healthy && err == nil

	start = time.Now()
	err = s.repo.Ping(r.Context())
	deps["postgres"] = depHealth{Up: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	healthy = healthy && err == nil

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{"status": state, "dependencies": deps})
}
