package session

import (
	"net"
	"regexp"
	"strings"
)

// Canonical UUID text. Anything else never reaches key composition; this is
// the store-key-injection defense for every id read off the wire or out of
// a SCAN.
var idRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidID reports whether id is a canonical lowercase UUID.
func ValidID(id string) bool { return idRe.MatchString(id) }

// IDFromGameKey extracts and validates the id of a "game:{id}" key returned
// by a scan. Pattern keys and companion keys yield ok=false.
func IDFromGameKey(key string) (string, bool) {
	id, found := strings.CutPrefix(key, "game:")
	if !found || !ValidID(id) {
		return "", false
	}
	return id, true
}

// SanitizeIP parses raw as an IP and returns a key-safe form with colons
// substituted (IPv6). Unparseable input yields "".
func SanitizeIP(raw string) string {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return ""
	}
	return strings.ReplaceAll(ip.String(), ":", ".")
}

func gameKey(id string) string       { return "game:" + id }
func seatsKey(id string) string      { return "game:" + id + ":seats" }
func movesKey(id string) string      { return "game:" + id + ":moves" }
func drawKey(id string) string       { return "game:" + id + ":draw" }
func rematchKey(id string) string    { return "game:" + id + ":rematch" }
func abandonKey(id string) string    { return "game:" + id + ":abandon" }
func spectatorsKey(id string) string { return "game:" + id + ":spectators" }
func ipKey(ip string) string         { return "ip:" + ip + ":games" }

const lobbyKey = "lobby:public"

// companionKeys are every per-room key whose TTL rides along with the record.
func companionKeys(id string) []string {
	return []string{
		gameKey(id), seatsKey(id), movesKey(id),
		drawKey(id), rematchKey(id), abandonKey(id), spectatorsKey(id),
	}
}
