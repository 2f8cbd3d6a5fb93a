package store

import (
	"context"
	"errors"
	"time"

	"github.com/tourney-link/internal/domain"
)

// Store errors
var (
	// ErrNotFound means no record matches the requested key.
	ErrNotFound = errors.New("player record not found")

	// ErrConflict means a write would violate a uniqueness invariant,
	// typically two records claiming the same game account id.
	ErrConflict = errors.New("player record conflict")
)

// Store is the persisted collection of player records. Implementations must
// uphold two invariants: at most one record per chat identity, and at most
// one record per game account id once populated. Upsert is atomic with
// respect to both.
type Store interface {
	// GetByChatIdentity returns the record for a chat identity.
	GetByChatIdentity(ctx context.Context, chatIdentity string) (*domain.PlayerRecord, error)

	// GetByAccountID returns the record currently owning a game account.
	GetByAccountID(ctx context.Context, accountID string) (*domain.PlayerRecord, error)

	// GetByUsername is a best-effort secondary lookup by cached username,
	// case-insensitive. If several stale records share the name, the most
	// recently updated one wins.
	GetByUsername(ctx context.Context, username string) (*domain.PlayerRecord, error)

	// Upsert writes the record keyed by chat identity. It fails with
	// ErrConflict if the write would attach a game account id already
	// owned by a different record.
	Upsert(ctx context.Context, record domain.PlayerRecord) error

	// Supersede atomically moves ownership of the record's game account
	// id to this record: any other record holding the same account id is
	// orphaned (account id cleared, row kept) in the same transaction as
	// the upsert. Returns the chat identity that lost the account, if any.
	Supersede(ctx context.Context, record domain.PlayerRecord) (string, error)

	// ListStale returns all linked records whose snapshot was fetched
	// before the cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]domain.PlayerRecord, error)

	// ListLinked returns all records that still own a game account.
	ListLinked(ctx context.Context) ([]domain.PlayerRecord, error)

	// Unlink clears the game account id from a chat identity's record.
	// The row itself is kept; removal is an administrative operation.
	Unlink(ctx context.Context, chatIdentity string) error
}
