package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV is an in-memory stand-in for the Redis string commands the ledger
// uses.
type fakeKV struct {
	data map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.data[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	if _, exists := f.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeKV) Scan(_ context.Context, _ uint64, match string, _ int64) *redis.ScanCmd {
	prefix := match[:len(match)-1] // patterns here are always "prefix*"
	var keys []string
	for k := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}

func TestKeyFormats(t *testing.T) {
	assert.Equal(t, "job:b1:docs/report.pdf", jobKey("b1", "docs/report.pdf"))
	assert.Equal(t, "hash:abc123", hashKey("abc123"))
}

func TestJobStateRoundTrip(t *testing.T) {
	kv := newFakeKV()
	l := &Ledger{db: kv}
	ctx := context.Background()

	state, err := l.JobState(ctx, "b1", "a.pdf")
	require.NoError(t, err)
	assert.Empty(t, state)

	require.NoError(t, l.MarkJob(ctx, "b1", "a.pdf", StateProcessing))
	state, err = l.JobState(ctx, "b1", "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, state)
}

func TestHashLifecycle(t *testing.T) {
	kv := newFakeKV()
	l := &Ledger{db: kv}
	ctx := context.Background()

	ok, err := l.TryAcquireHash(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acquisition of the same content is refused.
	ok, err = l.TryAcquireHash(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	state, err := l.HashState(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, HashQueued, state)

	require.NoError(t, l.CompleteHash(ctx, "h1"))
	state, err = l.HashState(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, HashCompleted, state)
}

func TestReleaseHashPermitsRetry(t *testing.T) {
	kv := newFakeKV()
	l := &Ledger{db: kv}
	ctx := context.Background()

	_, err := l.TryAcquireHash(ctx, "h1")
	require.NoError(t, err)
	require.NoError(t, l.ReleaseHash(ctx, "h1"))

	// Absent, not QUEUED: a resubmission is accepted.
	state, err := l.HashState(ctx, "h1")
	require.NoError(t, err)
	assert.Empty(t, state)

	ok, err := l.TryAcquireHash(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResetClearsJobAndHashKeys(t *testing.T) {
	kv := newFakeKV()
	l := &Ledger{db: kv}
	ctx := context.Background()

	require.NoError(t, l.MarkJob(ctx, "b1", "a.pdf", StateCompleted))
	_, err := l.TryAcquireHash(ctx, "h1")
	require.NoError(t, err)
	kv.data["unrelated"] = "kept"

	require.NoError(t, l.Reset(ctx))
	assert.Len(t, kv.data, 1)
	assert.Contains(t, kv.data, "unrelated")
}
