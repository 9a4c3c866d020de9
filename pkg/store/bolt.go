package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/models"
)

var (
	intentsBucket    = []byte("intents")
	noncesBucket     = []byte("nonces")
	bidsBucket       = []byte("bids")
	intentBidsBucket = []byte("intent_bids")
)

// BoltStore keeps intents and bids in a single BoltDB file. Records are JSON
// encoded; every write runs in one bolt transaction so the version check of
// CASUpdateIntent and the write are atomic.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the database at path and ensures the
// buckets exist.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{intentsBucket, noncesBucket, bidsBucket, intentBidsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetIntent(_ context.Context, hash common.Hash) (*models.Intent, error) {
	var intent *models.Intent
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		intent, err = loadIntent(tx, hash)
		return err
	})
	if err != nil {
		return nil, wrapBolt(err, "get intent")
	}
	return intent, nil
}

func (s *BoltStore) CreateIntent(_ context.Context, intent *models.Intent) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(intentsBucket)
		if b.Get(intent.Hash.Bytes()) != nil {
			return apperr.New(apperr.KindState, apperr.CodeDuplicate, "intent %s already exists", intent.Hash.Hex())
		}
		nonces := tx.Bucket(noncesBucket)
		key := []byte(nonceKey(intent))
		if nonces.Get(key) != nil {
			return apperr.New(apperr.KindState, apperr.CodeDuplicate, "nonce %s already used by %s", intent.Nonce, intent.Signer.Hex())
		}
		data, err := json.Marshal(intent)
		if err != nil {
			return err
		}
		if err := nonces.Put(key, intent.Hash.Bytes()); err != nil {
			return err
		}
		return b.Put(intent.Hash.Bytes(), data)
	})
	return wrapBolt(err, "create intent")
}

func (s *BoltStore) CASUpdateIntent(_ context.Context, hash common.Hash, expectedVersion uint64, m Mutator) (*models.Intent, error) {
	var next *models.Intent
	var mutateErr error
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := loadIntent(tx, hash)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return conflict(hash, expectedVersion, current.Version)
		}
		if mutateErr = m(current); mutateErr != nil {
			return mutateErr
		}
		current.Version = expectedVersion + 1
		data, err := json.Marshal(current)
		if err != nil {
			return err
		}
		next = current
		return tx.Bucket(intentsBucket).Put(hash.Bytes(), data)
	})
	if mutateErr != nil {
		return nil, mutateErr
	}
	if err != nil {
		return nil, wrapBolt(err, "update intent")
	}
	return next, nil
}

func (s *BoltStore) ListIntentsByStatus(_ context.Context, statuses ...models.IntentStatus) ([]*models.Intent, error) {
	set := statusSet(statuses)
	var out []*models.Intent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(intentsBucket).ForEach(func(_, v []byte) error {
			var intent models.Intent
			if err := json.Unmarshal(v, &intent); err != nil {
				return err
			}
			if set[intent.Status] {
				out = append(out, &intent)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapBolt(err, "list intents")
	}
	return out, nil
}

func (s *BoltStore) CreateBid(_ context.Context, bid *models.Bid) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(intentsBucket).Get(bid.IntentHash.Bytes()) == nil {
			return apperr.NotFound("intent %s", bid.IntentHash.Hex())
		}
		bids := tx.Bucket(bidsBucket)
		if bids.Get([]byte(bid.ID)) != nil {
			return apperr.New(apperr.KindState, apperr.CodeDuplicate, "bid %s already exists", bid.ID)
		}
		data, err := json.Marshal(bid)
		if err != nil {
			return err
		}
		if err := bids.Put([]byte(bid.ID), data); err != nil {
			return err
		}
		index, err := tx.Bucket(intentBidsBucket).CreateBucketIfNotExists(bid.IntentHash.Bytes())
		if err != nil {
			return err
		}
		return index.Put([]byte(bid.ID), []byte{})
	})
	return wrapBolt(err, "create bid")
}

func (s *BoltStore) GetBid(_ context.Context, id string) (*models.Bid, error) {
	var bid *models.Bid
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		bid, err = loadBid(tx, id)
		return err
	})
	if err != nil {
		return nil, wrapBolt(err, "get bid")
	}
	return bid, nil
}

func (s *BoltStore) UpdateBidStatus(_ context.Context, id string, status models.BidStatus) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bid, err := loadBid(tx, id)
		if err != nil {
			return err
		}
		changed, err := checkBidTransition(bid, status)
		if err != nil || !changed {
			return err
		}
		bid.Status = status
		return putBid(tx, bid)
	})
	return wrapBolt(err, "update bid status")
}

func (s *BoltStore) UpdateBidRanking(_ context.Context, bids []*models.Bid) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range bids {
			stored, err := loadBid(tx, b.ID)
			if err != nil {
				return err
			}
			stored.Rank = b.Rank
			stored.Score = b.Score
			if b.EffectiveOutput != nil {
				stored.EffectiveOutput = new(big.Int).Set(b.EffectiveOutput)
			}
			if err := putBid(tx, stored); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapBolt(err, "update bid ranking")
}

func (s *BoltStore) ListBidsByIntent(_ context.Context, hash common.Hash) ([]*models.Bid, error) {
	out := []*models.Bid{}
	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(intentBidsBucket).Bucket(hash.Bytes())
		if index == nil {
			return nil
		}
		return index.ForEach(func(k, _ []byte) error {
			bid, err := loadBid(tx, string(k))
			if err != nil {
				return err
			}
			out = append(out, bid)
			return nil
		})
	})
	if err != nil {
		return nil, wrapBolt(err, "list bids")
	}
	sortBids(out)
	return out, nil
}

func (s *BoltStore) Ping(context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(intentsBucket) == nil {
			return fmt.Errorf("bucket %s missing", intentsBucket)
		}
		return nil
	})
}

// Close releases the database file lock
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func loadIntent(tx *bolt.Tx, hash common.Hash) (*models.Intent, error) {
	v := tx.Bucket(intentsBucket).Get(hash.Bytes())
	if v == nil {
		return nil, apperr.NotFound("intent %s", hash.Hex())
	}
	var intent models.Intent
	if err := json.Unmarshal(v, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func loadBid(tx *bolt.Tx, id string) (*models.Bid, error) {
	v := tx.Bucket(bidsBucket).Get([]byte(id))
	if v == nil {
		return nil, apperr.NotFound("bid %s", id)
	}
	var bid models.Bid
	if err := json.Unmarshal(v, &bid); err != nil {
		return nil, err
	}
	return &bid, nil
}

func putBid(tx *bolt.Tx, bid *models.Bid) error {
	data, err := json.Marshal(bid)
	if err != nil {
		return err
	}
	return tx.Bucket(bidsBucket).Put([]byte(bid.ID), data)
}

// wrapBolt passes engine errors through and hides everything else behind an
// internal error.
func wrapBolt(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*apperr.Error); ok {
		return err
	}
	return apperr.Internal(err, "bolt: %s", op)
}
