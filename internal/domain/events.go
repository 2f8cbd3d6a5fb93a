package domain

import "time"

// Event types emitted by the resolver and presence layers.
const (
	EventTypeUsernameChanged = "username_changed"
	EventTypePlayerRefreshed = "player_refreshed"
	EventTypeRenameRequested = "rename_requested"
)

// UsernameChangedEvent is emitted when a resolution detects that the stored
// username no longer matches the remote service. It is published outside
// the persistence commit so rename handling can be retried or skipped
// independently.
type UsernameChangedEvent struct {
	EventID      string    `json:"event_id"`
	ChatIdentity string    `json:"chat_identity"`
	OldUsername  string    `json:"old_username"`
	NewUsername  string    `json:"new_username"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// RenameRequest is the presence layer's decision that the chat platform
// should update a participant's display name.
type RenameRequest struct {
	ChatIdentity string    `json:"chat_identity"`
	DisplayName  string    `json:"display_name"`
	RequestedAt  time.Time `json:"requested_at"`
}

// PlayerRefreshedEvent is broadcast after a record's stats snapshot is
// replaced with fresh remote data.
type PlayerRefreshedEvent struct {
	ChatIdentity  string        `json:"chat_identity"`
	GameAccountID string        `json:"game_account_id"`
	Stats         StatsSnapshot `json:"stats_snapshot"`
}
