package domain

import (
	"strings"
	"time"
)

// StatsSnapshot is the last-fetched copy of a player's ranked statistics.
// Values are reported by the remote ranking service and are never recomputed
// locally. A snapshot is advisory: FetchedAt tells consumers how old it is.
type StatsSnapshot struct {
	APM             float64   `json:"apm"`
	PPS             float64   `json:"pps"`
	VS              float64   `json:"vs"`
	Rating          float64   `json:"rating"`
	RatingDeviation float64   `json:"rating_deviation"`
	Rank            Rank      `json:"rank"`
	GamesPlayed     int64     `json:"games_played"`
	GamesWon        int64     `json:"games_won"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Age returns how old the snapshot is relative to now.
func (s StatsSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// IsStale reports whether the snapshot is older than maxAge.
func (s StatsSnapshot) IsStale(now time.Time, maxAge time.Duration) bool {
	return s.Age(now) > maxAge
}

// PlayerRecord is the persisted link between a chat-platform identity and a
// game account, plus the cached stats for that account.
//
// ChatIdentity is the primary unique key. GameAccountID is a secondary
// unique key once populated; a record without it is an orphan left behind by
// a superseded link and is no longer resolvable by account id. GameUsername
// is only a cache of the remote service's current name and must never be
// treated as authoritative once the account id is known.
type PlayerRecord struct {
	ChatIdentity  string        `json:"chat_identity"`
	GameUsername  string        `json:"game_username"`
	GameAccountID string        `json:"game_account_id,omitempty"`
	Stats         StatsSnapshot `json:"stats_snapshot"`
	LinkedAt      time.Time     `json:"linked_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Linked reports whether the record still owns a game account.
func (r *PlayerRecord) Linked() bool {
	return r.GameAccountID != ""
}

// NormalizeUsername canonicalizes a user-supplied in-game username for
// comparison and transmission. The remote service treats usernames as
// case-insensitive; display casing is preserved separately.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// PlayerInfo is the whois result for a stored record.
type PlayerInfo struct {
	Record   PlayerRecord  `json:"record"`
	StatsAge time.Duration `json:"stats_age"`
	Stale    bool          `json:"stale"`
}

// LiveLookup is the whois result for a player that is not linked: stats come
// straight from the remote service and nothing is persisted.
type LiveLookup struct {
	GameAccountID string        `json:"game_account_id"`
	GameUsername  string        `json:"game_username"`
	Stats         StatsSnapshot `json:"stats_snapshot"`
}

// WhoisResult carries exactly one of Info or Live.
type WhoisResult struct {
	Info *PlayerInfo `json:"info,omitempty"`
	Live *LiveLookup `json:"live,omitempty"`
}

// LinkResult is returned by a successful link operation.
type LinkResult struct {
	Record          PlayerRecord `json:"record"`
	Created         bool         `json:"created"`
	Superseded      string       `json:"superseded_chat_identity,omitempty"`
	UsernameChanged bool         `json:"username_changed"`
}

// RefreshFailure records one failed record in a stale-refresh sweep.
type RefreshFailure struct {
	ChatIdentity  string `json:"chat_identity"`
	GameAccountID string `json:"game_account_id"`
	Reason        string `json:"reason"`
}

// RefreshReport summarizes a stale-refresh sweep. Per-record failures are
// collected here rather than aborting the sweep.
type RefreshReport struct {
	Checked   int              `json:"checked"`
	Succeeded int              `json:"succeeded"`
	Failed    []RefreshFailure `json:"failed,omitempty"`
}
