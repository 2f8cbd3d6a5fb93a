package tetrio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/tourney-link/internal/config"
	"github.com/tourney-link/internal/domain"
)

// Client errors. Anything that is not ErrNotFound after retries are
// exhausted is considered transient and wraps ErrTransient.
var (
	ErrNotFound  = errors.New("player not found")
	ErrTransient = errors.New("transient ranking api failure")
)

// Client is a stateless HTTP client for the remote ranking service. It owns
// retry and backoff for transient failures; classification of errors into
// user-facing failures happens in the resolver.
type Client struct {
	http    *http.Client
	baseURL string
	session string
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// NewClient creates a ranking api client.
func NewClient(cfg *config.TetrioConfig, logger *slog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		baseURL: cfg.BaseURL,
		session: cfg.SessionID,
		retries: cfg.MaxRetries,
		backoff: cfg.RetryBackoff,
		logger:  logger,
	}
}

// envelope is the response wrapper every endpoint uses: a success flag, an
// optional error message and the payload under "data".
type envelope struct {
	Success bool            `json:"success"`
	Error   *string         `json:"error,omitempty"`
	Cache   *cacheInfo      `json:"cache,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// cacheInfo describes server-side caching of the response. Timestamps are
// unix milliseconds.
type cacheInfo struct {
	Status      string `json:"status"`
	CachedAt    int64  `json:"cached_at"`
	CachedUntil int64  `json:"cached_until"`
}

type leagueData struct {
	GamesPlayed int64    `json:"gamesplayed"`
	GamesWon    int64    `json:"gameswon"`
	Rating      float64  `json:"rating"`
	Rank        string   `json:"rank"`
	Glicko      *float64 `json:"glicko,omitempty"`
	RD          *float64 `json:"rd,omitempty"`
	APM         *float64 `json:"apm,omitempty"`
	PPS         *float64 `json:"pps,omitempty"`
	VS          *float64 `json:"vs,omitempty"`
}

type apiUser struct {
	ID       string     `json:"_id"`
	Username string     `json:"username"`
	Role     string     `json:"role"`
	Country  *string    `json:"country,omitempty"`
	Verified bool       `json:"verified"`
	League   leagueData `json:"league"`
}

type userPayload struct {
	User apiUser `json:"user"`
}

type leaderboardPayload struct {
	Users []apiUser `json:"users"`
}

// Player is a typed view of one remote account: the stable account id, the
// current display username and a validated stats snapshot.
type Player struct {
	AccountID string
	Username  string
	Stats     domain.StatsSnapshot
}

// FetchByUsername fetches a player by their current username. The name is
// normalized before transmission; display casing comes back from the
// service itself.
func (c *Client) FetchByUsername(ctx context.Context, name string) (*Player, error) {
	name = domain.NormalizeUsername(name)
	if name == "" {
		return nil, ErrNotFound
	}
	return c.fetchUser(ctx, name)
}

// FetchByAccountID fetches a player by their stable account id. The user
// endpoint accepts either form, so this shares the username path.
func (c *Client) FetchByAccountID(ctx context.Context, id string) (*Player, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	return c.fetchUser(ctx, id)
}

func (c *Client) fetchUser(ctx context.Context, key string) (*Player, error) {
	env, err := c.get(ctx, "users/"+url.PathEscape(key))
	if err != nil {
		return nil, err
	}

	var payload userPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding user payload: %v", ErrTransient, err)
	}

	return playerFromUser(payload.User, fetchTime(env.Cache))
}

// FetchLeaderboard fetches the full ranked ladder in one request. Used by
// batch seeding; per-player lookups should use FetchByAccountID instead.
func (c *Client) FetchLeaderboard(ctx context.Context) ([]Player, error) {
	env, err := c.get(ctx, "users/lists/league/all")
	if err != nil {
		return nil, err
	}

	var payload leaderboardPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding leaderboard payload: %v", ErrTransient, err)
	}

	fetched := fetchTime(env.Cache)
	players := make([]Player, 0, len(payload.Users))
	for _, u := range payload.Users {
		p, err := playerFromUser(u, fetched)
		if err != nil {
			c.logger.Warn("skipping leaderboard entry with invalid stats",
				"username", u.Username,
				"error", err,
			)
			continue
		}
		players = append(players, *p)
	}
	return players, nil
}

// get performs a GET with bounded retries and exponential backoff. A 404 or
// an unsuccessful envelope is a definitive not-found and never retried.
func (c *Client) get(ctx context.Context, endpoint string) (*envelope, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff * time.Duration(1<<(attempt-1))
			c.logger.Debug("retrying ranking api request",
				"endpoint", endpoint,
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
			case <-time.After(delay):
			}
		}

		env, err := c.getOnce(ctx, endpoint)
		if err == nil {
			return env, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		}
		lastErr = err
	}

	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, endpoint string) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrTransient, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.session != "" {
		req.Header.Set("X-Session-ID", c.session)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		// Other 4xx responses are not "no such player"; surface them as
		// transient — retried like a 5xx — so the caller sees a service
		// failure rather than a misleading not-found.
		return nil, fmt.Errorf("%w: unexpected status %d", ErrTransient, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrTransient, err)
	}

	if !env.Success {
		// The service reports unknown users through the envelope, not
		// the status code.
		return nil, ErrNotFound
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: successful response without data", ErrTransient)
	}
	return &env, nil
}

// playerFromUser converts raw API values into a validated snapshot.
// Out-of-range values are rejected with ErrInvalidStats rather than
// truncated or passed through.
func playerFromUser(u apiUser, fetchedAt time.Time) (*Player, error) {
	if u.ID == "" || u.Username == "" {
		return nil, fmt.Errorf("%w: missing account id or username", domain.ErrInvalidStats)
	}

	stats := domain.StatsSnapshot{
		APM:         deref(u.League.APM),
		PPS:         deref(u.League.PPS),
		VS:          deref(u.League.VS),
		Rating:      u.League.Rating,
		Rank:        domain.ParseRank(u.League.Rank),
		GamesPlayed: u.League.GamesPlayed,
		GamesWon:    u.League.GamesWon,
		FetchedAt:   fetchedAt,
	}
	if u.League.RD != nil {
		stats.RatingDeviation = *u.League.RD
	}

	// Unranked accounts report a rating of -1.
	if stats.Rating < 0 && stats.Rank == domain.RankUnranked {
		stats.Rating = 0
	}

	for name, v := range map[string]float64{
		"apm":              stats.APM,
		"pps":              stats.PPS,
		"vs":               stats.VS,
		"rating":           stats.Rating,
		"rating_deviation": stats.RatingDeviation,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil, fmt.Errorf("%w: %s=%v", domain.ErrInvalidStats, name, v)
		}
	}
	if stats.Rating > 25000 {
		return nil, fmt.Errorf("%w: rating=%v above ladder maximum", domain.ErrInvalidStats, stats.Rating)
	}
	if stats.GamesPlayed < 0 || stats.GamesWon < 0 || stats.GamesWon > stats.GamesPlayed {
		return nil, fmt.Errorf("%w: games played/won out of range", domain.ErrInvalidStats)
	}

	return &Player{
		AccountID: u.ID,
		Username:  u.Username,
		Stats:     stats,
	}, nil
}

// fetchTime prefers the server-reported cache timestamp so snapshot age
// reflects when the data was actually produced.
func fetchTime(c *cacheInfo) time.Time {
	if c != nil && c.CachedAt > 0 {
		return time.UnixMilli(c.CachedAt).UTC()
	}
	return time.Now().UTC()
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
