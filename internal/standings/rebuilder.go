package standings

import (
	"context"
	"fmt"

	"github.com/tourney-link/internal/store"
)

// Rebuilder ties the record store to the standings snapshot: it reads all
// linked records and replaces the snapshot with them.
type Rebuilder struct {
	store   store.Store
	service *Service
}

// NewRebuilder creates a rebuilder.
func NewRebuilder(st store.Store, service *Service) *Rebuilder {
	return &Rebuilder{store: st, service: service}
}

// RebuildFromStore replaces the standings snapshot from stored records.
func (r *Rebuilder) RebuildFromStore(ctx context.Context) error {
	records, err := r.store.ListLinked(ctx)
	if err != nil {
		return fmt.Errorf("listing linked records: %w", err)
	}
	return r.service.Rebuild(ctx, records)
}
