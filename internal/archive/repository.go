// Package archive is the append-only durable sink for terminal games plus
// paginated reads over them.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/chesslink/chesslink/internal/session"
)

// Repository wraps the durable store. Writes are idempotent per game id.
type Repository struct {
	db *sql.DB
}

// NewRepository opens and pings the database.
func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Ping probes the connection; used by the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Migrate creates the archive schema if absent. Run once at startup.
func (r *Repository) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS games (
			id                TEXT PRIMARY KEY,
			status            TEXT NOT NULL,
			result            TEXT NOT NULL,
			is_public         BOOLEAN NOT NULL DEFAULT FALSE,
			time_initial_ms   BIGINT NOT NULL DEFAULT 0,
			time_increment_ms BIGINT NOT NULL DEFAULT 0,
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS moves (
			id          BIGSERIAL PRIMARY KEY,
			game_id     TEXT NOT NULL REFERENCES games(id),
			move_number INT NOT NULL,
			notation    TEXT NOT NULL,
			fen         TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_moves_game_id ON moves(game_id)`,
	}
	for _, q := range stmts {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// InsertGame archives a terminal game with its move log. A repeated insert
// for the same id is a no-op: the row conflict is swallowed and the move
// rows are not duplicated.
func (r *Repository) InsertGame(ctx context.Context, rec *session.GameRecord, moves []session.MoveEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO games (id, status, result, is_public, time_initial_ms, time_increment_ms, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, string(rec.Status), string(rec.Result), rec.IsPublic,
		rec.TimeInitialMs, rec.TimeIncrementMs,
		time.UnixMilli(rec.CreatedAt), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already archived; do not double-insert moves either.
		return tx.Commit()
	}
	for _, m := range moves {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO moves (game_id, move_number, notation, fen, created_at)
			VALUES ($1,$2,$3,$4,$5)`,
			rec.ID, m.MoveNumber, m.SAN, m.FEN, time.UnixMilli(m.CreatedAtMs),
		); err != nil {
			return fmt.Errorf("insert move %d: %w", m.MoveNumber, err)
		}
	}
	return tx.Commit()
}

// ArchivedGame is one archived record with its moves.
type ArchivedGame struct {
	ID              string              `json:"id"`
	Status          string              `json:"status"`
	Result          string              `json:"result"`
	IsPublic        bool                `json:"isPublic"`
	TimeInitialMs   int64               `json:"timeInitialMs"`
	TimeIncrementMs int64               `json:"timeIncrementMs"`
	CreatedAt       time.Time           `json:"createdAt"`
	Moves           []session.MoveEntry `json:"moves,omitempty"`
}

// FindGame loads one archived game with moves, or nil when absent.
func (r *Repository) FindGame(ctx context.Context, id string) (*ArchivedGame, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, status, result, is_public, time_initial_ms, time_increment_ms, created_at
		FROM games WHERE id = $1`, id)
	var g ArchivedGame
	if err := row.Scan(&g.ID, &g.Status, &g.Result, &g.IsPublic, &g.TimeInitialMs, &g.TimeIncrementMs, &g.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT move_number, notation, fen, created_at
		FROM moves WHERE game_id = $1 ORDER BY move_number`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m session.MoveEntry
		var at time.Time
		if err := rows.Scan(&m.MoveNumber, &m.SAN, &m.FEN, &at); err != nil {
			return nil, err
		}
		m.CreatedAtMs = at.UnixMilli()
		g.Moves = append(g.Moves, m)
	}
	return &g, rows.Err()
}

// ListTerminal pages the archive, newest first. statusFilter narrows to one
// terminal status when non-empty.
func (r *Repository) ListTerminal(ctx context.Context, limit, offset int, statusFilter string) ([]ArchivedGame, int, error) {
	if limit <= 0 {
		limit = 20
	}
	where, args := "", []interface{}{}
	if statusFilter != "" {
		where = "WHERE status = $1"
		args = append(args, statusFilter)
	}
	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM games "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	q := fmt.Sprintf(`
		SELECT id, status, result, is_public, time_initial_ms, time_increment_ms, created_at
		FROM games %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, q, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []ArchivedGame
	for rows.Next() {
		var g ArchivedGame
		if err := rows.Scan(&g.ID, &g.Status, &g.Result, &g.IsPublic, &g.TimeInitialMs, &g.TimeIncrementMs, &g.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, g)
	}
	return out, total, rows.Err()
}
