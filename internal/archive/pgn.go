package archive

import (
	"fmt"
	"strings"
	"time"

	"github.com/chesslink/chesslink/internal/session"
)

// ResultToken maps a result to the PGN terminal token.
func ResultToken(result session.Result) string {
	switch result {
	case session.ResultWhiteWins:
		return "1-0"
	case session.ResultBlackWins:
		return "0-1"
	case session.ResultDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

// BuildPGN renders a game as PGN text: tag pairs, numbered SAN movetext and
// the result token. Players are anonymous so the White/Black tags carry the
// seat names.
func BuildPGN(rec *session.GameRecord, moves []session.MoveEntry) string {
	var b strings.Builder
	date := time.UnixMilli(rec.CreatedAt).UTC()
	token := ResultToken(rec.Result)

	b.WriteString("[Event \"Casual game\"]\n")
	b.WriteString("[Site \"chesslink\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString("[Round \"-\"]\n")
	b.WriteString("[White \"White\"]\n")
	b.WriteString("[Black \"Black\"]\n")
	if rec.Timed() {
		b.WriteString(fmt.Sprintf("[TimeControl \"%d+%d\"]\n", rec.TimeInitialMs/1000, rec.TimeIncrementMs/1000))
	} else {
		b.WriteString("[TimeControl \"-\"]\n")
	}
	if rec.Status == session.StatusAbandoned {
		b.WriteString("[Termination \"abandoned\"]\n")
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", token))

	for i := 0; i < len(moves); i += 2 {
		turn := (i / 2) + 1
		b.WriteString(fmt.Sprintf("%d. %s", turn, sanitizePGN(moves[i].SAN)))
		if i+1 < len(moves) {
			b.WriteString(" ")
			b.WriteString(sanitizePGN(moves[i+1].SAN))
		}
		b.WriteString(" ")
	}
	b.WriteString(token)
	b.WriteString("\n")
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
