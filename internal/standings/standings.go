package standings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/tourney-link/internal/config"
	"github.com/tourney-link/internal/domain"
)

// ErrNotRanked means the chat identity has no entry in the standings.
var ErrNotRanked = errors.New("player not in standings")

// Service maintains the tournament standings snapshot in Redis: a sorted
// set scored by rating plus a hash of display info per participant. The
// snapshot is derived from stored records and rebuilt wholesale; it is
// never the source of truth.
type Service struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// memberInfo is the per-participant display payload kept alongside the
// sorted set.
type memberInfo struct {
	GameUsername string      `json:"game_username"`
	Rank         domain.Rank `json:"rank"`
}

// NewService creates a Redis-backed standings service
func NewService(cfg *config.RedisConfig, standingsCfg *config.StandingsConfig, logger *slog.Logger) (*Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Service{
		client: client,
		key:    standingsCfg.Key,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (s *Service) Close() error {
	return s.client.Close()
}

func (s *Service) ratingKey() string {
	return fmt.Sprintf("standings:%s:rating", s.key)
}

func (s *Service) infoKey() string {
	return fmt.Sprintf("standings:%s:info", s.key)
}

// Rebuild replaces the standings snapshot with the given records. Unranked
// participants are skipped; a snapshot rebuild is atomic from the reader's
// point of view because both keys are replaced in one MULTI.
func (s *Service) Rebuild(ctx context.Context, records []domain.PlayerRecord) error {
	members := make([]redis.Z, 0, len(records))
	info := make(map[string]interface{}, len(records))

	for _, r := range records {
		if !r.Stats.Rank.Ranked() {
			continue
		}
		members = append(members, redis.Z{
			Score:  r.Stats.Rating,
			Member: r.ChatIdentity,
		})
		raw, err := json.Marshal(memberInfo{
			GameUsername: r.GameUsername,
			Rank:         r.Stats.Rank,
		})
		if err != nil {
			return fmt.Errorf("marshaling member info: %w", err)
		}
		info[r.ChatIdentity] = raw
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.ratingKey(), s.infoKey())
	if len(members) > 0 {
		pipe.ZAdd(ctx, s.ratingKey(), members...)
		pipe.HSet(ctx, s.infoKey(), info)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rebuilding standings: %w", err)
	}

	s.logger.Debug("standings rebuilt", "entries", len(members))
	return nil
}

// Top returns the highest-rated n participants
func (s *Service) Top(ctx context.Context, n int) ([]domain.StandingsEntry, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, s.ratingKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}
	return s.entriesFromResults(ctx, results, 1)
}

// Position returns a single participant's standing
func (s *Service) Position(ctx context.Context, chatIdentity string) (*domain.StandingsEntry, error) {
	pipe := s.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, s.ratingKey(), chatIdentity)
	scoreCmd := pipe.ZScore(ctx, s.ratingKey(), chatIdentity)
	infoCmd := pipe.HGet(ctx, s.infoKey(), chatIdentity)
	_, err := pipe.Exec(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotRanked
		}
		return nil, fmt.Errorf("getting position: %w", err)
	}

	position, err := rankCmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotRanked
		}
		return nil, fmt.Errorf("getting rank result: %w", err)
	}
	score, err := scoreCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("getting score result: %w", err)
	}

	entry := domain.StandingsEntry{
		Position:     position + 1, // Convert 0-indexed to 1-indexed
		ChatIdentity: chatIdentity,
		Rating:       score,
	}
	if raw, err := infoCmd.Result(); err == nil {
		var info memberInfo
		if json.Unmarshal([]byte(raw), &info) == nil {
			entry.GameUsername = info.GameUsername
			entry.Rank = info.Rank
		}
	}
	return &entry, nil
}

// Count returns the number of ranked participants
func (s *Service) Count(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, s.ratingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

func (s *Service) entriesFromResults(ctx context.Context, results []redis.Z, startPosition int64) ([]domain.StandingsEntry, error) {
	if len(results) == 0 {
		return nil, nil
	}

	fields := make([]string, len(results))
	for i, r := range results {
		fields[i] = r.Member.(string)
	}
	infos, err := s.client.HMGet(ctx, s.infoKey(), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("getting member info: %w", err)
	}

	entries := make([]domain.StandingsEntry, len(results))
	for i, r := range results {
		entries[i] = domain.StandingsEntry{
			Position:     startPosition + int64(i),
			ChatIdentity: fields[i],
			Rating:       r.Score,
		}
		if raw, ok := infos[i].(string); ok {
			var info memberInfo
			if json.Unmarshal([]byte(raw), &info) == nil {
				entries[i].GameUsername = info.GameUsername
				entries[i].Rank = info.Rank
			}
		}
	}
	return entries, nil
}
