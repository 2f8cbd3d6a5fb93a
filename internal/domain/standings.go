package domain

// StandingsEntry is one row of the tournament standings snapshot, ordered
// by rating. Standings are derived from stored records and rebuilt on every
// refresh; they carry no state of their own.
type StandingsEntry struct {
	Position     int64   `json:"position"`
	ChatIdentity string  `json:"chat_identity"`
	GameUsername string  `json:"game_username"`
	Rating       float64 `json:"rating"`
	Rank         Rank    `json:"rank"`
}
