package wire

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// MaxFrameBytes is the hard cap on a raw inbound frame. Frames at exactly
// this size are accepted; one byte more is rejected before parsing.
const MaxFrameBytes = 1024

// MaxTypeLen bounds the type discriminator of an inbound frame.
const MaxTypeLen = 20

// InboundType enumerates every frame a client may send. Anything outside
// this set is rejected, including prototype-pollution shaped strings.
type InboundType string

const (
	InJoin          InboundType = "join"
	InMove          InboundType = "move"
	InResign        InboundType = "resign"
	InDrawOffer     InboundType = "draw_offer"
	InDrawAccept    InboundType = "draw_accept"
	InDrawDecline   InboundType = "draw_decline"
	InDrawCancel    InboundType = "draw_cancel"
	InRematchOffer  InboundType = "rematch_offer"
	InRematchAccept InboundType = "rematch_accept"
	InRematchCancel InboundType = "rematch_cancel"
	InFlag          InboundType = "flag"
	InClaimWin      InboundType = "claim_win"
)

// Inbound is a fully validated client frame.
type Inbound struct {
	Type      InboundType
	GameID    string // join only
	From      string // move only
	To        string // move only
	Promotion string // move only, one of q r b n or empty
}

// fieldWhitelist maps each inbound type to the exact set of payload fields
// it may carry besides "type". A frame with any other key fails closed.
var fieldWhitelist = map[InboundType]map[string]bool{
	InJoin:          {"gameId": true},
	InMove:          {"from": true, "to": true, "promotion": true},
	InResign:        {},
	InDrawOffer:     {},
	InDrawAccept:    {},
	InDrawDecline:   {},
	InDrawCancel:    {},
	InRematchOffer:  {},
	InRematchAccept: {},
	InRematchCancel: {},
	InFlag:          {},
	InClaimWin:      {},
}

var (
	squareRe = regexp.MustCompile(`^[a-h][1-8]$`)
	uuidRe   = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// forbiddenTypes are rejected outright even before the closed-set check, so
// they can never be confused with an unknown-but-harmless type string.
var forbiddenTypes = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// ValidGameID reports whether s is a canonical UUID. Anything else never
// reaches store-key composition.
func ValidGameID(s string) bool { return uuidRe.MatchString(s) }

// ValidSquare reports whether s names a board square like "e4".
func ValidSquare(s string) bool { return squareRe.MatchString(s) }

// ValidPromotion accepts the four promotion pieces or the empty string.
func ValidPromotion(s string) bool {
	switch s {
	case "", "q", "r", "b", "n":
		return true
	}
	return false
}

// ParseInbound validates a raw frame end to end: size, JSON shape, type
// domain, field whitelist and field domains. The returned error text is safe
// to echo to the sender.
func ParseInbound(raw []byte) (*Inbound, error) {
	if len(raw) > MaxFrameBytes {
		return nil, fmt.Errorf("frame exceeds %d bytes", MaxFrameBytes)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("malformed frame")
	}
	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("missing type")
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return nil, fmt.Errorf("invalid type")
	}
	if len(typ) > MaxTypeLen {
		return nil, fmt.Errorf("type too long")
	}
	if forbiddenTypes[strings.ToLower(typ)] {
		return nil, fmt.Errorf("unknown frame type")
	}
	allowed, ok := fieldWhitelist[InboundType(typ)]
	if !ok {
		return nil, fmt.Errorf("unknown frame type")
	}
	for k := range fields {
		if k == "type" {
			continue
		}
		if !allowed[k] {
			return nil, fmt.Errorf("unexpected field %q", k)
		}
	}

	in := &Inbound{Type: InboundType(typ)}
	switch in.Type {
	case InJoin:
		if err := unmarshalField(fields, "gameId", &in.GameID); err != nil {
			return nil, err
		}
		if !ValidGameID(in.GameID) {
			return nil, fmt.Errorf("invalid gameId")
		}
	case InMove:
		if err := unmarshalField(fields, "from", &in.From); err != nil {
			return nil, err
		}
		if err := unmarshalField(fields, "to", &in.To); err != nil {
			return nil, err
		}
		if raw, ok := fields["promotion"]; ok {
			if err := json.Unmarshal(raw, &in.Promotion); err != nil {
				return nil, fmt.Errorf("invalid promotion")
			}
		}
		if !ValidSquare(in.From) || !ValidSquare(in.To) {
			return nil, fmt.Errorf("invalid square")
		}
		if !ValidPromotion(in.Promotion) {
			return nil, fmt.Errorf("invalid promotion")
		}
	}
	return in, nil
}

func unmarshalField(fields map[string]json.RawMessage, name string, dst *string) error {
	raw, ok := fields[name]
	if !ok {
		return fmt.Errorf("missing %s", name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid %s", name)
	}
	return nil
}
