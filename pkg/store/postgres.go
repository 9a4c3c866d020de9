package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// PostgresStore keeps records as JSONB next to the columns that are queried
// or constrained. CASUpdateIntent locks the row and guards the update with the
// version column.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects and applies the schema
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{Pool: pool}, nil
}

func (s *PostgresStore) GetIntent(ctx context.Context, hash common.Hash) (*models.Intent, error) {
	var record []byte
	err := s.Pool.QueryRow(ctx, "SELECT record FROM intents WHERE hash = $1", hash.Hex()).Scan(&record)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("intent %s", hash.Hex())
		}
		return nil, apperr.Internal(err, "failed to get intent")
	}
	return decodeIntent(record)
}

func (s *PostgresStore) CreateIntent(ctx context.Context, intent *models.Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return apperr.Internal(err, "failed to encode intent")
	}
	_, err = s.Pool.Exec(ctx,
		"INSERT INTO intents (hash, signer, nonce, status, version, deadline, record) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		intent.Hash.Hex(), intent.Signer.Hex(), intent.Nonce.String(), string(intent.Status), int64(intent.Version), intent.Deadline, string(data))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperr.New(apperr.KindState, apperr.CodeDuplicate, "intent %s or its nonce already exists", intent.Hash.Hex())
		}
		return apperr.Internal(err, "failed to create intent")
	}
	return nil
}

func (s *PostgresStore) CASUpdateIntent(ctx context.Context, hash common.Hash, expectedVersion uint64, m Mutator) (*models.Intent, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Internal(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	// Lock the row for update to prevent concurrent modifications
	var record []byte
	var version int64
	err = tx.QueryRow(ctx, "SELECT record, version FROM intents WHERE hash = $1 FOR UPDATE", hash.Hex()).Scan(&record, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("intent %s", hash.Hex())
		}
		return nil, apperr.Internal(err, "failed to get intent")
	}
	if uint64(version) != expectedVersion {
		return nil, conflict(hash, expectedVersion, uint64(version))
	}

	intent, err := decodeIntent(record)
	if err != nil {
		return nil, err
	}
	if err := m(intent); err != nil {
		return nil, err
	}
	intent.Version = expectedVersion + 1
	data, err := json.Marshal(intent)
	if err != nil {
		return nil, apperr.Internal(err, "failed to encode intent")
	}

	tag, err := tx.Exec(ctx,
		"UPDATE intents SET status = $1, version = $2, record = $3 WHERE hash = $4 AND version = $5",
		string(intent.Status), int64(intent.Version), string(data), hash.Hex(), int64(expectedVersion))
	if err != nil {
		return nil, apperr.Internal(err, "failed to update intent")
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.Conflict("intent %s changed during update", hash.Hex())
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Internal(err, "failed to commit transaction")
	}
	return intent, nil
}

func (s *PostgresStore) ListIntentsByStatus(ctx context.Context, statuses ...models.IntentStatus) ([]*models.Intent, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.Pool.Query(ctx, "SELECT record FROM intents WHERE status = ANY($1) ORDER BY deadline ASC", names)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list intents")
	}
	defer rows.Close()

	var out []*models.Intent
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, apperr.Internal(err, "failed to scan intent")
		}
		intent, err := decodeIntent(record)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "failed to list intents")
	}
	return out, nil
}

func (s *PostgresStore) CreateBid(ctx context.Context, bid *models.Bid) error {
	data, err := json.Marshal(bid)
	if err != nil {
		return apperr.Internal(err, "failed to encode bid")
	}
	_, err = s.Pool.Exec(ctx,
		"INSERT INTO bids (id, intent_hash, status, arrived_at, record) VALUES ($1, $2, $3, $4, $5)",
		bid.ID, bid.IntentHash.Hex(), string(bid.Status), bid.ArrivedAt, string(data))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case uniqueViolation:
				return apperr.New(apperr.KindState, apperr.CodeDuplicate, "bid %s already exists", bid.ID)
			case "23503":
				return apperr.NotFound("intent %s", bid.IntentHash.Hex())
			}
		}
		return apperr.Internal(err, "failed to create bid")
	}
	return nil
}

func (s *PostgresStore) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	var record []byte
	err := s.Pool.QueryRow(ctx, "SELECT record FROM bids WHERE id = $1", id).Scan(&record)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("bid %s", id)
		}
		return nil, apperr.Internal(err, "failed to get bid")
	}
	return decodeBid(record)
}

func (s *PostgresStore) UpdateBidStatus(ctx context.Context, id string, status models.BidStatus) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return apperr.Internal(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	bid, err := lockBid(ctx, tx, id)
	if err != nil {
		return err
	}
	changed, err := checkBidTransition(bid, status)
	if err != nil || !changed {
		return err
	}
	bid.Status = status
	if err := saveBid(ctx, tx, bid); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Internal(err, "failed to commit transaction")
	}
	return nil
}

func (s *PostgresStore) UpdateBidRanking(ctx context.Context, bids []*models.Bid) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return apperr.Internal(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	for _, b := range bids {
		stored, err := lockBid(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		stored.Rank = b.Rank
		stored.Score = b.Score
		stored.EffectiveOutput = b.EffectiveOutput
		if err := saveBid(ctx, tx, stored); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Internal(err, "failed to commit transaction")
	}
	return nil
}

func (s *PostgresStore) ListBidsByIntent(ctx context.Context, hash common.Hash) ([]*models.Bid, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT record FROM bids WHERE intent_hash = $1 ORDER BY arrived_at ASC, id ASC", hash.Hex())
	if err != nil {
		return nil, apperr.Internal(err, "failed to list bids")
	}
	defer rows.Close()

	out := []*models.Bid{}
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, apperr.Internal(err, "failed to scan bid")
		}
		bid, err := decodeBid(record)
		if err != nil {
			return nil, err
		}
		out = append(out, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "failed to list bids")
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.Pool.Close()
	return nil
}

func lockBid(ctx context.Context, tx pgx.Tx, id string) (*models.Bid, error) {
	var record []byte
	err := tx.QueryRow(ctx, "SELECT record FROM bids WHERE id = $1 FOR UPDATE", id).Scan(&record)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("bid %s", id)
		}
		return nil, apperr.Internal(err, "failed to get bid")
	}
	return decodeBid(record)
}

func saveBid(ctx context.Context, tx pgx.Tx, bid *models.Bid) error {
	data, err := json.Marshal(bid)
	if err != nil {
		return apperr.Internal(err, "failed to encode bid")
	}
	_, err = tx.Exec(ctx, "UPDATE bids SET status = $1, record = $2 WHERE id = $3", string(bid.Status), string(data), bid.ID)
	if err != nil {
		return apperr.Internal(err, "failed to update bid")
	}
	return nil
}

func decodeIntent(record []byte) (*models.Intent, error) {
	var intent models.Intent
	if err := json.Unmarshal(record, &intent); err != nil {
		return nil, apperr.Internal(err, "failed to decode intent")
	}
	return &intent, nil
}

func decodeBid(record []byte) (*models.Bid, error) {
	var bid models.Bid
	if err := json.Unmarshal(record, &bid); err != nil {
		return nil, apperr.Internal(err, "failed to decode bid")
	}
	return &bid, nil
}
