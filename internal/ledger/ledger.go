// Package ledger is the authoritative job and content-hash state store,
// backed by Redis. The notification stream is cosmetic; this is the record
// of truth for ingestion state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job states recorded under job:{batch}:{path}.
const (
	StateProcessing = "PROCESSING"
	StateCompleted  = "COMPLETED"
	StateFailed     = "FAILED"
	StateSkipped    = "SKIPPED"
)

// Content-hash states recorded under hash:{contentHash}. A hash key absent
// from the ledger means the content is free to (re)ingest.
const (
	HashQueued    = "QUEUED"
	HashCompleted = "COMPLETED"
)

// kv is the slice of the Redis client the ledger uses.
type kv interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Ledger reads and writes job and hash records.
type Ledger struct {
	db kv
}

// New wraps an existing Redis client.
func New(db *redis.Client) *Ledger {
	return &Ledger{db: db}
}

func jobKey(batch, path string) string {
	return fmt.Sprintf("job:%s:%s", batch, path)
}

func hashKey(contentHash string) string {
	return fmt.Sprintf("hash:%s", contentHash)
}

// MarkJob records the current state of one file within a batch.
func (l *Ledger) MarkJob(ctx context.Context, batch, path, state string) error {
	if err := l.db.Set(ctx, jobKey(batch, path), state, 0).Err(); err != nil {
		return fmt.Errorf("mark job %s/%s: %w", batch, path, err)
	}
	return nil
}

// JobState returns the recorded state for a file, or "" when unknown.
func (l *Ledger) JobState(ctx context.Context, batch, path string) (string, error) {
	state, err := l.db.Get(ctx, jobKey(batch, path)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read job %s/%s: %w", batch, path, err)
	}
	return state, nil
}

// TryAcquireHash atomically claims a content hash for ingestion. Returns
// false when the hash is already queued or completed.
func (l *Ledger) TryAcquireHash(ctx context.Context, contentHash string) (bool, error) {
	ok, err := l.db.SetNX(ctx, hashKey(contentHash), HashQueued, 0).Result()
	if err != nil {
		return false, fmt.Errorf("acquire hash %s: %w", contentHash, err)
	}
	return ok, nil
}

// HashState returns the recorded state for a content hash, or "" when the
// hash has never been ingested (or was released after a failure).
func (l *Ledger) HashState(ctx context.Context, contentHash string) (string, error) {
	state, err := l.db.Get(ctx, hashKey(contentHash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read hash %s: %w", contentHash, err)
	}
	return state, nil
}

// CompleteHash marks a content hash fully ingested.
func (l *Ledger) CompleteHash(ctx context.Context, contentHash string) error {
	if err := l.db.Set(ctx, hashKey(contentHash), HashCompleted, 0).Err(); err != nil {
		return fmt.Errorf("complete hash %s: %w", contentHash, err)
	}
	return nil
}

// ReleaseHash deletes a content-hash record so a retry of the same content
// is not permanently blocked by a failed run.
func (l *Ledger) ReleaseHash(ctx context.Context, contentHash string) error {
	if err := l.db.Del(ctx, hashKey(contentHash)).Err(); err != nil {
		return fmt.Errorf("release hash %s: %w", contentHash, err)
	}
	return nil
}

// Reset deletes every job and hash record.
func (l *Ledger) Reset(ctx context.Context) error {
	for _, pattern := range []string{"job:*", "hash:*"} {
		if err := l.deleteMatching(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) deleteMatching(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := l.db.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := l.db.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete %s keys: %w", pattern, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
