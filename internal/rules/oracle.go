// Package rules is the chess rules oracle: move legality, SAN, termination
// detection and FEN round-trips. It is pure — no storage, no clocks.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	ErrBadFEN      = errors.New("invalid FEN")
	ErrIllegalMove = errors.New("illegal move")
)

// Outcome tokens shared with the session layer.
const (
	WhiteWins = "WHITE_WINS"
	BlackWins = "BLACK_WINS"
	Draw      = "DRAW"
)

// MoveResult describes one accepted move.
type MoveResult struct {
	SAN      string
	FEN      string
	Captured bool

	Check     bool
	Mate      bool
	Stalemate bool

	InsufficientMaterial bool
	FiftyMove            bool
	Threefold            bool

	GameOver bool
	Result   string // WhiteWins/BlackWins/Draw when GameOver
	Method   string
}

func gameFromFEN(fen string) (*nchess.Game, error) {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFEN, err)
	}
	return nchess.NewGame(opt), nil
}

// ValidateFEN reports whether fen parses as a position.
func ValidateFEN(fen string) error {
	_, err := gameFromFEN(fen)
	return err
}

// SideToMove returns "white" or "black" for the position in fen.
func SideToMove(fen string) (string, error) {
	g, err := gameFromFEN(fen)
	if err != nil {
		return "", err
	}
	if g.Position().Turn() == nchess.White {
		return "white", nil
	}
	return "black", nil
}

// LegalMove applies from/to(+promotion) against the position in fen.
// Promotion is one of q r b n or empty. Returns ErrIllegalMove when the move
// is not legal in the position, ErrBadFEN when fen does not parse.
func LegalMove(fen, from, to, promotion string) (*MoveResult, error) {
	g, err := gameFromFEN(fen)
	if err != nil {
		return nil, err
	}
	pos := g.Position()
	uci := strings.ToLower(from + to + promotion)
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return nil, ErrIllegalMove
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	if err := g.Move(mv, nil); err != nil {
		return nil, ErrIllegalMove
	}

	res := &MoveResult{
		SAN:      san,
		FEN:      g.FEN(),
		Captured: mv.HasTag(nchess.Capture) || mv.HasTag(nchess.EnPassant),
		Check:    mv.HasTag(nchess.Check),
	}
	for _, m := range g.EligibleDraws() {
		switch m {
		case nchess.ThreefoldRepetition:
			res.Threefold = true
		case nchess.FiftyMoveRule:
			res.FiftyMove = true
		}
	}
	switch g.Outcome() {
	case nchess.WhiteWon:
		res.GameOver, res.Result = true, WhiteWins
	case nchess.BlackWon:
		res.GameOver, res.Result = true, BlackWins
	case nchess.Draw:
		res.GameOver, res.Result = true, Draw
	}
	if res.GameOver {
		res.Method = g.Method().String()
		switch g.Method() {
		case nchess.Checkmate:
			res.Mate = true
		case nchess.Stalemate:
			res.Stalemate = true
		case nchess.InsufficientMaterial:
			res.InsufficientMaterial = true
		}
	}
	return res, nil
}

// Replay pushes SAN moves from the initial position. It returns the final
// FEN and -1, or the FEN before the first failing move and its index.
// Used to reconcile a stored move log with the stored position.
func Replay(sans []string) (string, int) {
	g := nchess.NewGame()
	for i, san := range sans {
		if err := g.PushNotationMove(strings.TrimSpace(san), nchess.AlgebraicNotation{}, nil); err != nil {
			return g.FEN(), i
		}
	}
	return g.FEN(), -1
}
