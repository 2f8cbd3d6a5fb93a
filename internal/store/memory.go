package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tourney-link/internal/domain"
)

// Memory is an in-memory Store with the same invariant semantics as the
// PostgreSQL implementation. Used in tests and for local development
// without a database.
type Memory struct {
	mu      sync.Mutex
	records map[string]domain.PlayerRecord // keyed by chat identity
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]domain.PlayerRecord)}
}

// GetByChatIdentity returns the record for a chat identity.
func (m *Memory) GetByChatIdentity(_ context.Context, chatIdentity string) (*domain.PlayerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[chatIdentity]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// GetByAccountID returns the record currently owning a game account.
func (m *Memory) GetByAccountID(_ context.Context, accountID string) (*domain.PlayerRecord, error) {
	if accountID == "" {
		return nil, ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.GameAccountID == accountID {
			r := r
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

// GetByUsername returns the most recently updated case-insensitive match.
func (m *Memory) GetByUsername(_ context.Context, username string) (*domain.PlayerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *domain.PlayerRecord
	for _, r := range m.records {
		if !strings.EqualFold(r.GameUsername, username) {
			continue
		}
		if best == nil || r.UpdatedAt.After(best.UpdatedAt) {
			r := r
			best = &r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// Upsert writes the record, enforcing account-id uniqueness.
func (m *Memory) Upsert(_ context.Context, record domain.PlayerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwnership(record); err != nil {
		return err
	}
	m.records[record.ChatIdentity] = record
	return nil
}

// Supersede orphans any other owner of the account id, then upserts.
func (m *Memory) Supersede(_ context.Context, record domain.PlayerRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var orphaned string
	if record.GameAccountID != "" {
		for id, r := range m.records {
			if id != record.ChatIdentity && r.GameAccountID == record.GameAccountID {
				r.GameAccountID = ""
				r.UpdatedAt = record.UpdatedAt
				m.records[id] = r
				orphaned = id
			}
		}
	}
	m.records[record.ChatIdentity] = record
	return orphaned, nil
}

// ListStale returns all linked records fetched before the cutoff.
func (m *Memory) ListStale(_ context.Context, cutoff time.Time) ([]domain.PlayerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []domain.PlayerRecord
	for _, r := range m.records {
		if r.Linked() && r.Stats.FetchedAt.Before(cutoff) {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Stats.FetchedAt.Before(records[j].Stats.FetchedAt)
	})
	return records, nil
}

// ListLinked returns all records that still own a game account.
func (m *Memory) ListLinked(_ context.Context) ([]domain.PlayerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []domain.PlayerRecord
	for _, r := range m.records {
		if r.Linked() {
			records = append(records, r)
		}
	}
	return records, nil
}

// Unlink clears the game account id from a chat identity's record.
func (m *Memory) Unlink(_ context.Context, chatIdentity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[chatIdentity]
	if !ok {
		return ErrNotFound
	}
	r.GameAccountID = ""
	r.UpdatedAt = time.Now().UTC()
	m.records[chatIdentity] = r
	return nil
}

func (m *Memory) checkOwnership(record domain.PlayerRecord) error {
	if record.GameAccountID == "" {
		return nil
	}
	for id, r := range m.records {
		if id != record.ChatIdentity && r.GameAccountID == record.GameAccountID {
			return ErrConflict
		}
	}
	return nil
}
