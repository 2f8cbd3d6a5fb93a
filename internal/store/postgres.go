package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tourney-link/internal/config"
	"github.com/tourney-link/internal/domain"
)

const uniqueViolation = "23505"

// Postgres provides PostgreSQL-based record storage
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a new PostgreSQL record store
func NewPostgres(cfg *config.PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Postgres{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (s *Postgres) Close() {
	s.pool.Close()
}

// RunMigrations executes database migrations
func (s *Postgres) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS player_records (
			chat_identity VARCHAR(64) PRIMARY KEY,
			game_username VARCHAR(64) NOT NULL,
			game_account_id VARCHAR(64),
			apm DOUBLE PRECISION NOT NULL DEFAULT 0,
			pps DOUBLE PRECISION NOT NULL DEFAULT 0,
			vs DOUBLE PRECISION NOT NULL DEFAULT 0,
			rating DOUBLE PRECISION NOT NULL DEFAULT 0,
			rating_deviation DOUBLE PRECISION NOT NULL DEFAULT 0,
			rank_tier VARCHAR(4) NOT NULL DEFAULT 'z',
			games_played BIGINT NOT NULL DEFAULT 0,
			games_won BIGINT NOT NULL DEFAULT 0,
			fetched_at TIMESTAMPTZ NOT NULL,
			linked_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_player_records_account
			ON player_records(game_account_id) WHERE game_account_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_player_records_username
			ON player_records(lower(game_username))`,
		`CREATE INDEX IF NOT EXISTS idx_player_records_fetched
			ON player_records(fetched_at)`,
	}

	for _, migration := range migrations {
		_, err := s.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	s.logger.Info("database migrations completed")
	return nil
}

const recordColumns = `chat_identity, game_username, game_account_id,
	apm, pps, vs, rating, rating_deviation, rank_tier,
	games_played, games_won, fetched_at, linked_at, updated_at`

func scanRecord(row pgx.Row) (*domain.PlayerRecord, error) {
	var r domain.PlayerRecord
	var accountID *string
	var rank string
	err := row.Scan(
		&r.ChatIdentity,
		&r.GameUsername,
		&accountID,
		&r.Stats.APM,
		&r.Stats.PPS,
		&r.Stats.VS,
		&r.Stats.Rating,
		&r.Stats.RatingDeviation,
		&rank,
		&r.Stats.GamesPlayed,
		&r.Stats.GamesWon,
		&r.Stats.FetchedAt,
		&r.LinkedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning record: %w", err)
	}
	if accountID != nil {
		r.GameAccountID = *accountID
	}
	r.Stats.Rank = domain.ParseRank(rank)
	return &r, nil
}

// GetByChatIdentity returns the record for a chat identity
func (s *Postgres) GetByChatIdentity(ctx context.Context, chatIdentity string) (*domain.PlayerRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM player_records WHERE chat_identity = $1`
	return scanRecord(s.pool.QueryRow(ctx, query, chatIdentity))
}

// GetByAccountID returns the record currently owning a game account
func (s *Postgres) GetByAccountID(ctx context.Context, accountID string) (*domain.PlayerRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM player_records WHERE game_account_id = $1`
	return scanRecord(s.pool.QueryRow(ctx, query, accountID))
}

// GetByUsername returns the most recently updated record whose cached
// username matches, case-insensitively
func (s *Postgres) GetByUsername(ctx context.Context, username string) (*domain.PlayerRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM player_records
		WHERE lower(game_username) = lower($1)
		ORDER BY updated_at DESC
		LIMIT 1`
	return scanRecord(s.pool.QueryRow(ctx, query, username))
}

const upsertQuery = `
	INSERT INTO player_records (` + recordColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (chat_identity) DO UPDATE SET
		game_username = $2,
		game_account_id = $3,
		apm = $4, pps = $5, vs = $6,
		rating = $7, rating_deviation = $8, rank_tier = $9,
		games_played = $10, games_won = $11,
		fetched_at = $12, updated_at = $14
`

func upsertArgs(r domain.PlayerRecord) []interface{} {
	var accountID *string
	if r.GameAccountID != "" {
		accountID = &r.GameAccountID
	}
	return []interface{}{
		r.ChatIdentity,
		r.GameUsername,
		accountID,
		r.Stats.APM,
		r.Stats.PPS,
		r.Stats.VS,
		r.Stats.Rating,
		r.Stats.RatingDeviation,
		string(r.Stats.Rank),
		r.Stats.GamesPlayed,
		r.Stats.GamesWon,
		r.Stats.FetchedAt,
		r.LinkedAt,
		r.UpdatedAt,
	}
}

// Upsert writes the record keyed by chat identity. The partial unique index
// on game_account_id is the serialization point for concurrent links: the
// loser of a race gets ErrConflict.
func (s *Postgres) Upsert(ctx context.Context, record domain.PlayerRecord) error {
	_, err := s.pool.Exec(ctx, upsertQuery, upsertArgs(record)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("upserting record: %w", err)
	}
	return nil
}

// Supersede moves ownership of the game account to this record in a single
// transaction: the previous owner keeps its row but loses the account id.
func (s *Postgres) Supersede(ctx context.Context, record domain.PlayerRecord) (string, error) {
	if record.GameAccountID == "" {
		return "", s.Upsert(ctx, record)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var orphaned string
	err = tx.QueryRow(ctx, `
		UPDATE player_records
		SET game_account_id = NULL, updated_at = $3
		WHERE game_account_id = $1 AND chat_identity <> $2
		RETURNING chat_identity`,
		record.GameAccountID, record.ChatIdentity, record.UpdatedAt,
	).Scan(&orphaned)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("orphaning previous owner: %w", err)
	}

	if _, err := tx.Exec(ctx, upsertQuery, upsertArgs(record)...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", ErrConflict
		}
		return "", fmt.Errorf("upserting record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing supersede: %w", err)
	}
	return orphaned, nil
}

// ListStale returns all linked records fetched before the cutoff
func (s *Postgres) ListStale(ctx context.Context, cutoff time.Time) ([]domain.PlayerRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM player_records
		WHERE game_account_id IS NOT NULL AND fetched_at < $1
		ORDER BY fetched_at ASC`
	return s.queryRecords(ctx, query, cutoff)
}

// ListLinked returns all records that still own a game account
func (s *Postgres) ListLinked(ctx context.Context) ([]domain.PlayerRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM player_records
		WHERE game_account_id IS NOT NULL`
	return s.queryRecords(ctx, query)
}

func (s *Postgres) queryRecords(ctx context.Context, query string, args ...interface{}) ([]domain.PlayerRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []domain.PlayerRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// Unlink clears the game account id from a chat identity's record
func (s *Postgres) Unlink(ctx context.Context, chatIdentity string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE player_records
		SET game_account_id = NULL, updated_at = $2
		WHERE chat_identity = $1`,
		chatIdentity, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("unlinking record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
