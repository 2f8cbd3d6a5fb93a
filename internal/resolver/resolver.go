package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tourney-link/internal/domain"
	"github.com/tourney-link/internal/store"
	"github.com/tourney-link/internal/tetrio"
)

// ErrSweepInFlight means a stale-refresh sweep is already running; only one
// sweep may be in flight at a time.
var ErrSweepInFlight = errors.New("stale refresh sweep already in flight")

// RankingAPI is the remote ranking service surface the resolver needs.
type RankingAPI interface {
	FetchByUsername(ctx context.Context, name string) (*tetrio.Player, error)
	FetchByAccountID(ctx context.Context, id string) (*tetrio.Player, error)
	FetchLeaderboard(ctx context.Context) ([]tetrio.Player, error)
}

// EventPublisher receives events emitted outside the persistence commit so
// downstream handling (presence renames, dashboard feeds) can be retried
// or dropped independently.
type EventPublisher interface {
	PublishUsernameChanged(ctx context.Context, event domain.UsernameChangedEvent) error
	PublishPlayerRefreshed(ctx context.Context, event domain.PlayerRefreshedEvent) error
}

// Resolver reconciles chat-platform identities with remote game accounts.
// It is the only layer that retries or reinterprets errors from the api
// client and the record store.
type Resolver struct {
	api         RankingAPI
	store       store.Store
	events      EventPublisher
	concurrency int
	logger      *slog.Logger

	sweepMu sync.Mutex
}

// New creates a resolver. events may be nil, in which case username-change
// events are dropped.
func New(api RankingAPI, st store.Store, events EventPublisher, concurrency int, logger *slog.Logger) *Resolver {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Resolver{
		api:         api,
		store:       st,
		events:      events,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Link associates a chat identity with the game account currently holding
// the claimed username. If the account is already linked to a different
// chat identity, the new link supersedes the old one and the previous
// record is orphaned.
func (r *Resolver) Link(ctx context.Context, chatIdentity, claimedUsername string) (*domain.LinkResult, error) {
	if chatIdentity == "" || domain.NormalizeUsername(claimedUsername) == "" {
		return nil, domain.ErrInvalidRequest
	}

	player, err := r.api.FetchByUsername(ctx, claimedUsername)
	if err != nil {
		return nil, r.mapAPIError(err)
	}

	now := time.Now().UTC()

	existing, err := r.store.GetByChatIdentity(ctx, chatIdentity)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	record := domain.PlayerRecord{
		ChatIdentity:  chatIdentity,
		GameUsername:  player.Username,
		GameAccountID: player.AccountID,
		Stats:         player.Stats,
		LinkedAt:      now,
		UpdatedAt:     now,
	}

	var previousUsername string
	if existing != nil {
		previousUsername = existing.GameUsername
		if existing.GameAccountID == player.AccountID {
			// Same account: a plain refresh.
			record.LinkedAt = existing.LinkedAt
		}
	}

	result := &domain.LinkResult{
		Created:         existing == nil,
		UsernameChanged: existing != nil && previousUsername != player.Username,
	}

	owner, err := r.store.GetByAccountID(ctx, player.AccountID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	if owner != nil && owner.ChatIdentity != chatIdentity {
		// Re-link: ownership of the game account moves to the new chat
		// identity; the old record stays behind without the account id.
		orphaned, err := r.store.Supersede(ctx, record)
		if err != nil {
			return nil, r.mapStoreError(err)
		}
		result.Superseded = orphaned
		r.logger.Info("link superseded previous owner",
			"chat_identity", chatIdentity,
			"game_account_id", player.AccountID,
			"previous_owner", orphaned,
		)
	} else {
		if err := r.store.Upsert(ctx, record); err != nil {
			return nil, r.mapStoreError(err)
		}
	}

	result.Record = record

	if result.UsernameChanged {
		r.emitUsernameChanged(ctx, chatIdentity, previousUsername, player.Username)
	}

	return result, nil
}

// Resolve answers "who is this" for either a chat identity or a free-text
// username. Lookups for known chat identities never touch the network. A
// free-text miss escalates to a live api lookup for display only; no record
// is created.
func (r *Resolver) Resolve(ctx context.Context, query string, maxAge time.Duration) (*domain.WhoisResult, error) {
	if query == "" {
		return nil, domain.ErrInvalidRequest
	}

	record, err := r.store.GetByChatIdentity(ctx, query)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	if record == nil {
		record, err = r.store.GetByUsername(ctx, domain.NormalizeUsername(query))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
	}

	if record != nil {
		now := time.Now().UTC()
		return &domain.WhoisResult{
			Info: &domain.PlayerInfo{
				Record:   *record,
				StatsAge: record.Stats.Age(now),
				Stale:    record.Stats.IsStale(now, maxAge),
			},
		}, nil
	}

	player, err := r.api.FetchByUsername(ctx, query)
	if err != nil {
		return nil, r.mapAPIError(err)
	}
	return &domain.WhoisResult{
		Live: &domain.LiveLookup{
			GameAccountID: player.AccountID,
			GameUsername:  player.Username,
			Stats:         player.Stats,
		},
	}, nil
}

// RefreshStale refetches every record whose snapshot is older than maxAge,
// by account id so drifted usernames cannot misdirect the refresh. Records
// are refreshed independently; failures are collected, never propagated as
// a single error. Only one sweep runs at a time.
func (r *Resolver) RefreshStale(ctx context.Context, maxAge time.Duration) (*domain.RefreshReport, error) {
	if !r.sweepMu.TryLock() {
		return nil, ErrSweepInFlight
	}
	defer r.sweepMu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	records, err := r.store.ListStale(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	report := &domain.RefreshReport{Checked: len(records)}
	if len(records) == 0 {
		return report, nil
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		work = make(chan domain.PlayerRecord)
	)

	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range work {
				if err := r.refreshOne(ctx, rec); err != nil {
					mu.Lock()
					report.Failed = append(report.Failed, domain.RefreshFailure{
						ChatIdentity:  rec.ChatIdentity,
						GameAccountID: rec.GameAccountID,
						Reason:        err.Error(),
					})
					mu.Unlock()
				} else {
					mu.Lock()
					report.Succeeded++
					mu.Unlock()
				}
			}
		}()
	}

	for _, rec := range records {
		work <- rec
	}
	close(work)
	wg.Wait()

	r.logger.Info("stale refresh sweep completed",
		"checked", report.Checked,
		"succeeded", report.Succeeded,
		"failed", len(report.Failed),
	)
	return report, nil
}

func (r *Resolver) refreshOne(ctx context.Context, rec domain.PlayerRecord) error {
	player, err := r.api.FetchByAccountID(ctx, rec.GameAccountID)
	if err != nil {
		return r.mapAPIError(err)
	}

	previousUsername := rec.GameUsername
	previousFetched := rec.Stats.FetchedAt

	rec.GameUsername = player.Username
	rec.Stats = player.Stats
	rec.UpdatedAt = time.Now().UTC()

	// Never regress the snapshot time; the remote may serve data cached
	// before our last fetch.
	if rec.Stats.FetchedAt.Before(previousFetched) {
		rec.Stats.FetchedAt = previousFetched
	}

	if err := r.store.Upsert(ctx, rec); err != nil {
		return r.mapStoreError(err)
	}

	if previousUsername != player.Username {
		r.emitUsernameChanged(ctx, rec.ChatIdentity, previousUsername, player.Username)
	}
	r.emitPlayerRefreshed(ctx, rec)
	return nil
}

// Unlink removes the chat identity's claim on its game account. The record
// itself is kept.
func (r *Resolver) Unlink(ctx context.Context, chatIdentity string) error {
	err := r.store.Unlink(ctx, chatIdentity)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ErrNotLinked
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// SeedFromLadder refreshes every linked record that appears on the full
// remote ladder, using a single api request. Records for accounts not on
// the ladder are left untouched.
func (r *Resolver) SeedFromLadder(ctx context.Context) (int, error) {
	players, err := r.api.FetchLeaderboard(ctx)
	if err != nil {
		return 0, r.mapAPIError(err)
	}

	linked, err := r.store.ListLinked(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	byAccount := make(map[string]tetrio.Player, len(players))
	for _, p := range players {
		byAccount[p.AccountID] = p
	}

	updated := 0
	for _, rec := range linked {
		p, ok := byAccount[rec.GameAccountID]
		if !ok {
			continue
		}
		previousUsername := rec.GameUsername
		rec.GameUsername = p.Username
		rec.Stats = p.Stats
		rec.UpdatedAt = time.Now().UTC()
		if err := r.store.Upsert(ctx, rec); err != nil {
			r.logger.Warn("failed to seed record from ladder",
				"chat_identity", rec.ChatIdentity,
				"error", err,
			)
			continue
		}
		if previousUsername != p.Username {
			r.emitUsernameChanged(ctx, rec.ChatIdentity, previousUsername, p.Username)
		}
		r.emitPlayerRefreshed(ctx, rec)
		updated++
	}
	return updated, nil
}

func (r *Resolver) emitUsernameChanged(ctx context.Context, chatIdentity, oldName, newName string) {
	if r.events == nil {
		return
	}
	event := domain.UsernameChangedEvent{
		EventID:      uuid.NewString(),
		ChatIdentity: chatIdentity,
		OldUsername:  oldName,
		NewUsername:  newName,
		OccurredAt:   time.Now().UTC(),
	}
	if err := r.events.PublishUsernameChanged(ctx, event); err != nil {
		// The link itself committed; rename handling can catch up later.
		r.logger.Warn("failed to publish username change",
			"chat_identity", chatIdentity,
			"error", err,
		)
	}
}

func (r *Resolver) emitPlayerRefreshed(ctx context.Context, rec domain.PlayerRecord) {
	if r.events == nil {
		return
	}
	event := domain.PlayerRefreshedEvent{
		ChatIdentity:  rec.ChatIdentity,
		GameAccountID: rec.GameAccountID,
		Stats:         rec.Stats,
	}
	if err := r.events.PublishPlayerRefreshed(ctx, event); err != nil {
		// The refresh itself committed; the feed just misses one update.
		r.logger.Warn("failed to publish player refresh",
			"chat_identity", rec.ChatIdentity,
			"error", err,
		)
	}
}

func (r *Resolver) mapAPIError(err error) error {
	switch {
	case errors.Is(err, tetrio.ErrNotFound):
		return domain.ErrUnknownPlayer
	case errors.Is(err, domain.ErrInvalidStats):
		return err
	default:
		return fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}
}

func (r *Resolver) mapStoreError(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return domain.ErrLinkConflict
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
