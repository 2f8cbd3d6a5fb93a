package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tourney-link/internal/domain"
	"github.com/tourney-link/internal/store"
	"github.com/tourney-link/internal/tetrio"
)

// stubAPI is an in-memory RankingAPI that counts calls so tests can assert
// when a lookup was answered without the network.
type stubAPI struct {
	mu            sync.Mutex
	byUsername    map[string]tetrio.Player
	byAccount     map[string]tetrio.Player
	ladder        []tetrio.Player
	err           error
	usernameCalls int
	accountCalls  int
	ladderCalls   int
	block         chan struct{} // when set, FetchByAccountID waits on it
}

func newStubAPI() *stubAPI {
	return &stubAPI{
		byUsername: make(map[string]tetrio.Player),
		byAccount:  make(map[string]tetrio.Player),
	}
}

func (s *stubAPI) add(p tetrio.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUsername[domain.NormalizeUsername(p.Username)] = p
	s.byAccount[p.AccountID] = p
}

func (s *stubAPI) FetchByUsername(_ context.Context, name string) (*tetrio.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usernameCalls++
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.byUsername[domain.NormalizeUsername(name)]
	if !ok {
		return nil, tetrio.ErrNotFound
	}
	return &p, nil
}

func (s *stubAPI) FetchByAccountID(_ context.Context, id string) (*tetrio.Player, error) {
	s.mu.Lock()
	block := s.block
	s.accountCalls++
	err := s.err
	p, ok := s.byAccount[id]
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, tetrio.ErrNotFound
	}
	return &p, nil
}

func (s *stubAPI) FetchLeaderboard(_ context.Context) ([]tetrio.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ladderCalls++
	if s.err != nil {
		return nil, s.err
	}
	return s.ladder, nil
}

// recordingPublisher collects emitted events.
type recordingPublisher struct {
	mu        sync.Mutex
	events    []domain.UsernameChangedEvent
	refreshed []domain.PlayerRefreshedEvent
	err       error
}

func (p *recordingPublisher) PublishUsernameChanged(_ context.Context, e domain.UsernameChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) PublishPlayerRefreshed(_ context.Context, e domain.PlayerRefreshedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.refreshed = append(p.refreshed, e)
	return nil
}

func testPlayer(account, username string, rating float64, fetchedAt time.Time) tetrio.Player {
	return tetrio.Player{
		AccountID: account,
		Username:  username,
		Stats: domain.StatsSnapshot{
			APM:             61.5,
			PPS:             2.1,
			VS:              130.4,
			Rating:          rating,
			RatingDeviation: 62.3,
			Rank:            domain.RankSS,
			GamesPlayed:     420,
			GamesWon:        255,
			FetchedAt:       fetchedAt,
		},
	}
}

func newTestResolver(api RankingAPI, st store.Store, pub EventPublisher) *Resolver {
	return New(api, st, pub, 2, slog.Default())
}

func TestLink(t *testing.T) {
	ctx := context.Background()

	t.Run("creates record from canonical username", func(t *testing.T) {
		api := newStubAPI()
		api.add(testPlayer("acct-1", "Wumbo", 23001.5, time.Now().UTC()))
		st := store.NewMemory()
		r := newTestResolver(api, st, nil)

		result, err := r.Link(ctx, "chat-1", "  wumbo ")
		require.NoError(t, err)
		assert.True(t, result.Created)
		assert.False(t, result.UsernameChanged)
		assert.Equal(t, "Wumbo", result.Record.GameUsername)
		assert.Equal(t, "acct-1", result.Record.GameAccountID)

		stored, err := st.GetByChatIdentity(ctx, "chat-1")
		require.NoError(t, err)
		assert.Equal(t, "acct-1", stored.GameAccountID)
	})

	t.Run("unknown username leaves store untouched", func(t *testing.T) {
		api := newStubAPI()
		st := store.NewMemory()
		r := newTestResolver(api, st, nil)

		_, err := r.Link(ctx, "chat-1", "nobody")
		assert.ErrorIs(t, err, domain.ErrUnknownPlayer)

		_, err = st.GetByChatIdentity(ctx, "chat-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("empty input rejected before any fetch", func(t *testing.T) {
		api := newStubAPI()
		r := newTestResolver(api, store.NewMemory(), nil)

		_, err := r.Link(ctx, "", "wumbo")
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		_, err = r.Link(ctx, "chat-1", "   ")
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		assert.Equal(t, 0, api.usernameCalls)
	})

	t.Run("relink same account preserves linked_at", func(t *testing.T) {
		api := newStubAPI()
		api.add(testPlayer("acct-1", "Wumbo", 23001.5, time.Now().UTC()))
		st := store.NewMemory()
		r := newTestResolver(api, st, nil)

		first, err := r.Link(ctx, "chat-1", "wumbo")
		require.NoError(t, err)

		second, err := r.Link(ctx, "chat-1", "wumbo")
		require.NoError(t, err)
		assert.False(t, second.Created)
		assert.Equal(t, first.Record.LinkedAt, second.Record.LinkedAt)
	})

	t.Run("username change emits event", func(t *testing.T) {
		api := newStubAPI()
		api.add(testPlayer("acct-1", "OldName", 22000, time.Now().UTC()))
		st := store.NewMemory()
		pub := &recordingPublisher{}
		r := newTestResolver(api, st, pub)

		_, err := r.Link(ctx, "chat-1", "oldname")
		require.NoError(t, err)

		// The account holder renamed on the remote service; linking again
		// with the new name must record the change and emit exactly one
		// event.
		api.add(testPlayer("acct-1", "NewName", 22000, time.Now().UTC()))
		result, err := r.Link(ctx, "chat-1", "newname")
		require.NoError(t, err)
		assert.True(t, result.UsernameChanged)

		require.Len(t, pub.events, 1)
		assert.Equal(t, "OldName", pub.events[0].OldUsername)
		assert.Equal(t, "NewName", pub.events[0].NewUsername)
		assert.Equal(t, "chat-1", pub.events[0].ChatIdentity)
		assert.NotEmpty(t, pub.events[0].EventID)
	})

	t.Run("publish failure does not fail the link", func(t *testing.T) {
		api := newStubAPI()
		api.add(testPlayer("acct-1", "OldName", 22000, time.Now().UTC()))
		st := store.NewMemory()
		pub := &recordingPublisher{err: errors.New("broker down")}
		r := newTestResolver(api, st, pub)

		_, err := r.Link(ctx, "chat-1", "oldname")
		require.NoError(t, err)

		api.add(testPlayer("acct-1", "NewName", 22000, time.Now().UTC()))
		result, err := r.Link(ctx, "chat-1", "newname")
		require.NoError(t, err)
		assert.True(t, result.UsernameChanged)

		stored, err := st.GetByChatIdentity(ctx, "chat-1")
		require.NoError(t, err)
		assert.Equal(t, "NewName", stored.GameUsername)
	})

	t.Run("supersedes previous owner of the account", func(t *testing.T) {
		api := newStubAPI()
		api.add(testPlayer("acct-1", "Wumbo", 23001.5, time.Now().UTC()))
		st := store.NewMemory()
		r := newTestResolver(api, st, nil)

		_, err := r.Link(ctx, "chat-old", "wumbo")
		require.NoError(t, err)

		result, err := r.Link(ctx, "chat-new", "wumbo")
		require.NoError(t, err)
		assert.Equal(t, "chat-old", result.Superseded)

		newOwner, err := st.GetByAccountID(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, "chat-new", newOwner.ChatIdentity)

		orphan, err := st.GetByChatIdentity(ctx, "chat-old")
		require.NoError(t, err)
		assert.False(t, orphan.Linked())
	})
}

func TestLinkConcurrent(t *testing.T) {
	ctx := context.Background()
	api := newStubAPI()
	api.add(testPlayer("acct-1", "Wumbo", 23001.5, time.Now().UTC()))
	st := store.NewMemory()
	r := newTestResolver(api, st, nil)

	// Many chat identities racing to claim the same account. Exactly one
	// record may own the account id when the dust settles.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Link(ctx, string(rune('a'+n)), "wumbo")
		}(i)
	}
	wg.Wait()

	linked, err := st.ListLinked(ctx)
	require.NoError(t, err)
	assert.Len(t, linked, 1)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("chat identity hit makes no network call", func(t *testing.T) {
		api := newStubAPI()
		api.add(testPlayer("acct-1", "Wumbo", 23001.5, time.Now().UTC()))
		st := store.NewMemory()
		r := newTestResolver(api, st, nil)

		_, err := r.Link(ctx, "chat-1", "wumbo")
		require.NoError(t, err)
		callsAfterLink := api.usernameCalls

		result, err := r.Resolve(ctx, "chat-1", 10*time.Minute)
		require.NoError(t, err)
		require.NotNil(t, result.Info)
		assert.Nil(t, result.Live)
		assert.Equal(t, "Wumbo", result.Info.Record.GameUsername)
		assert.Equal(t, callsAfterLink, api.usernameCalls)
	})

	t.Run("staleness tracks the requested window", func(t *testing.T) {
		api := newStubAPI()
		api.add(testPlayer("acct-1", "Wumbo", 23001.5, time.Now().UTC().Add(-7*time.Minute)))
		st := store.NewMemory()
		r := newTestResolver(api, st, nil)

		_, err := r.Link(ctx, "chat-1", "wumbo")
		require.NoError(t, err)

		fresh, err := r.Resolve(ctx, "chat-1", 10*time.Minute)
		require.NoError(t, err)
		assert.False(t, fresh.Info.Stale)

		stale, err := r.Resolve(ctx, "chat-1", 5*time.Minute)
		require.NoError(t, err)
		assert.True(t, stale.Info.Stale)
		assert.Greater(t, stale.Info.StatsAge, 5*time.Minute)
	})

	t.Run("username lookup is case-insensitive", func(t *testing.T) {
		api := newStubAPI()
		api.add(testPlayer("acct-1", "Wumbo", 23001.5, time.Now().UTC()))
		st := store.NewMemory()
		r := newTestResolver(api, st, nil)

		_, err := r.Link(ctx, "chat-1", "wumbo")
		require.NoError(t, err)

		result, err := r.Resolve(ctx, "WUMBO", 10*time.Minute)
		require.NoError(t, err)
		require.NotNil(t, result.Info)
		assert.Equal(t, "chat-1", result.Info.Record.ChatIdentity)
	})

	t.Run("miss escalates to live lookup without persisting", func(t *testing.T) {
		api := newStubAPI()
		api.add(testPlayer("acct-9", "Stranger", 18000, time.Now().UTC()))
		st := store.NewMemory()
		r := newTestResolver(api, st, nil)

		result, err := r.Resolve(ctx, "stranger", 10*time.Minute)
		require.NoError(t, err)
		assert.Nil(t, result.Info)
		require.NotNil(t, result.Live)
		assert.Equal(t, "acct-9", result.Live.GameAccountID)

		linked, err := st.ListLinked(ctx)
		require.NoError(t, err)
		assert.Empty(t, linked)
	})

	t.Run("unknown everywhere", func(t *testing.T) {
		r := newTestResolver(newStubAPI(), store.NewMemory(), nil)
		_, err := r.Resolve(ctx, "ghost", 10*time.Minute)
		assert.ErrorIs(t, err, domain.ErrUnknownPlayer)
	})

	t.Run("empty query rejected", func(t *testing.T) {
		r := newTestResolver(newStubAPI(), store.NewMemory(), nil)
		_, err := r.Resolve(ctx, "", 10*time.Minute)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	})
}

func TestRefreshStale(t *testing.T) {
	ctx := context.Background()

	t.Run("refreshes only stale records by account id", func(t *testing.T) {
		now := time.Now().UTC()
		api := newStubAPI()
		api.add(testPlayer("acct-stale", "Slowpoke", 19000, now.Add(-time.Hour)))
		api.add(testPlayer("acct-fresh", "Speedy", 21000, now))
		st := store.NewMemory()
		r := newTestResolver(api, st, nil)

		_, err := r.Link(ctx, "chat-stale", "slowpoke")
		require.NoError(t, err)
		_, err = r.Link(ctx, "chat-fresh", "speedy")
		require.NoError(t, err)

		// Fresh data is now available for the stale account.
		api.add(testPlayer("acct-stale", "Slowpoke", 19550, now))

		report, err := r.RefreshStale(ctx, 45*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Checked)
		assert.Equal(t, 1, report.Succeeded)
		assert.Empty(t, report.Failed)

		stored, err := st.GetByChatIdentity(ctx, "chat-stale")
		require.NoError(t, err)
		assert.Equal(t, 19550.0, stored.Stats.Rating)
	})

	t.Run("collects failures without aborting", func(t *testing.T) {
		now := time.Now().UTC()
		api := newStubAPI()
		api.add(testPlayer("acct-1", "One", 19000, now.Add(-time.Hour)))
		api.add(testPlayer("acct-2", "Two", 20000, now.Add(-time.Hour)))
		st := store.NewMemory()
		r := newTestResolver(api, st, nil)

		_, err := r.Link(ctx, "chat-1", "one")
		require.NoError(t, err)
		_, err = r.Link(ctx, "chat-2", "two")
		require.NoError(t, err)

		// acct-2 vanished from the remote service.
		api.mu.Lock()
		delete(api.byAccount, "acct-2")
		api.mu.Unlock()

		report, err := r.RefreshStale(ctx, 45*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Checked)
		assert.Equal(t, 1, report.Succeeded)
		require.Len(t, report.Failed, 1)
		assert.Equal(t, "chat-2", report.Failed[0].ChatIdentity)
	})

	t.Run("never regresses fetched_at", func(t *testing.T) {
		now := time.Now().UTC()
		fetched := now.Add(-50 * time.Minute)
		api := newStubAPI()
		api.add(testPlayer("acct-1", "One", 19000, fetched))
		st := store.NewMemory()
		r := newTestResolver(api, st, nil)

		_, err := r.Link(ctx, "chat-1", "one")
		require.NoError(t, err)

		// The remote serves a copy cached even earlier than what we hold.
		api.add(testPlayer("acct-1", "One", 19000, fetched.Add(-time.Hour)))

		_, err = r.RefreshStale(ctx, 45*time.Minute)
		require.NoError(t, err)

		stored, err := st.GetByChatIdentity(ctx, "chat-1")
		require.NoError(t, err)
		assert.False(t, stored.Stats.FetchedAt.Before(fetched))
	})

	t.Run("second sweep is rejected while one runs", func(t *testing.T) {
		now := time.Now().UTC()
		api := newStubAPI()
		api.add(testPlayer("acct-1", "One", 19000, now.Add(-time.Hour)))
		st := store.NewMemory()
		r := newTestResolver(api, st, nil)

		_, err := r.Link(ctx, "chat-1", "one")
		require.NoError(t, err)

		release := make(chan struct{})
		api.mu.Lock()
		api.block = release
		api.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			r.RefreshStale(ctx, 45*time.Minute)
		}()

		// Wait until the first sweep is inside the api call.
		require.Eventually(t, func() bool {
			api.mu.Lock()
			defer api.mu.Unlock()
			return api.accountCalls > 0
		}, time.Second, 5*time.Millisecond)

		_, err = r.RefreshStale(ctx, 45*time.Minute)
		assert.ErrorIs(t, err, ErrSweepInFlight)

		close(release)
		<-done
	})

	t.Run("publishes one refresh event per refreshed record", func(t *testing.T) {
		now := time.Now().UTC()
		api := newStubAPI()
		api.add(testPlayer("acct-1", "One", 19000, now.Add(-time.Hour)))
		api.add(testPlayer("acct-2", "Two", 20000, now.Add(-time.Hour)))
		st := store.NewMemory()
		pub := &recordingPublisher{}
		r := newTestResolver(api, st, pub)

		_, err := r.Link(ctx, "chat-1", "one")
		require.NoError(t, err)
		_, err = r.Link(ctx, "chat-2", "two")
		require.NoError(t, err)

		api.add(testPlayer("acct-1", "One", 19500, now))
		api.add(testPlayer("acct-2", "Two", 20500, now))

		report, err := r.RefreshStale(ctx, 45*time.Minute)
		require.NoError(t, err)
		require.Equal(t, 2, report.Succeeded)

		require.Len(t, pub.refreshed, 2)
		byIdentity := make(map[string]domain.PlayerRefreshedEvent, 2)
		for _, e := range pub.refreshed {
			byIdentity[e.ChatIdentity] = e
		}
		assert.Equal(t, "acct-1", byIdentity["chat-1"].GameAccountID)
		assert.Equal(t, 19500.0, byIdentity["chat-1"].Stats.Rating)
		assert.Equal(t, 20500.0, byIdentity["chat-2"].Stats.Rating)
		// No rename happened, so the refresh events stand alone.
		assert.Empty(t, pub.events)
	})

	t.Run("rename detected during sweep emits event", func(t *testing.T) {
		now := time.Now().UTC()
		api := newStubAPI()
		api.add(testPlayer("acct-1", "OldName", 19000, now.Add(-time.Hour)))
		st := store.NewMemory()
		pub := &recordingPublisher{}
		r := newTestResolver(api, st, pub)

		_, err := r.Link(ctx, "chat-1", "oldname")
		require.NoError(t, err)

		api.add(testPlayer("acct-1", "NewName", 19000, now))
		// The rename replaced the byAccount entry but the stale record still
		// carries the account id, so the refresh must find the new name.
		api.mu.Lock()
		delete(api.byUsername, "oldname")
		api.mu.Unlock()

		_, err = r.RefreshStale(ctx, 45*time.Minute)
		require.NoError(t, err)

		stored, err := st.GetByChatIdentity(ctx, "chat-1")
		require.NoError(t, err)
		assert.Equal(t, "NewName", stored.GameUsername)
		require.Len(t, pub.events, 1)
		assert.Equal(t, "NewName", pub.events[0].NewUsername)
	})
}

func TestUnlink(t *testing.T) {
	ctx := context.Background()

	t.Run("clears the account claim", func(t *testing.T) {
		api := newStubAPI()
		api.add(testPlayer("acct-1", "Wumbo", 23001.5, time.Now().UTC()))
		st := store.NewMemory()
		r := newTestResolver(api, st, nil)

		_, err := r.Link(ctx, "chat-1", "wumbo")
		require.NoError(t, err)

		require.NoError(t, r.Unlink(ctx, "chat-1"))

		rec, err := st.GetByChatIdentity(ctx, "chat-1")
		require.NoError(t, err)
		assert.False(t, rec.Linked())

		// The account is free to claim again.
		result, err := r.Link(ctx, "chat-2", "wumbo")
		require.NoError(t, err)
		assert.Empty(t, result.Superseded)
	})

	t.Run("unknown identity", func(t *testing.T) {
		r := newTestResolver(newStubAPI(), store.NewMemory(), nil)
		err := r.Unlink(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrNotLinked)
	})
}

func TestSeedFromLadder(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	api := newStubAPI()
	api.add(testPlayer("acct-1", "One", 19000, now.Add(-time.Hour)))
	api.add(testPlayer("acct-2", "Two", 21000, now.Add(-time.Hour)))
	st := store.NewMemory()
	pub := &recordingPublisher{}
	r := newTestResolver(api, st, pub)

	_, err := r.Link(ctx, "chat-1", "one")
	require.NoError(t, err)
	_, err = r.Link(ctx, "chat-2", "two")
	require.NoError(t, err)

	// The ladder covers acct-1 only; acct-2 fell out of ranked.
	api.mu.Lock()
	api.ladder = []tetrio.Player{testPlayer("acct-1", "One", 19750, now)}
	api.mu.Unlock()

	usernameCallsBefore := api.usernameCalls
	updated, err := r.SeedFromLadder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 1, api.ladderCalls)
	assert.Equal(t, usernameCallsBefore, api.usernameCalls)

	one, err := st.GetByChatIdentity(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, 19750.0, one.Stats.Rating)

	two, err := st.GetByChatIdentity(ctx, "chat-2")
	require.NoError(t, err)
	assert.Equal(t, 21000.0, two.Stats.Rating)

	// Only the seeded record announces a refresh.
	require.Len(t, pub.refreshed, 1)
	assert.Equal(t, "chat-1", pub.refreshed[0].ChatIdentity)
}
