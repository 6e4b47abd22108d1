package jobs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func redisURL() string {
	if url := os.Getenv("REDIS_URL"); url != "" {
		return url
	}
	return "redis://localhost:6379"
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewRedisStore(ctx, RedisConfig{URL: redisURL(), KeyPrefix: "healthsignals-test", TTL: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Skip("Redis not available, skipping test")
	}
	defer func() { _ = store.Close() }()

	job := Job{ID: "job-redis-1", UserID: "u-redis", Kind: KindDetect, Status: StatusPending, CreatedAt: time.Now().UTC()}
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}
	defer func() { _ = store.Delete(ctx, job.ID) }()

	got, err := store.Get(ctx, job.ID)
	if err != nil || got.Status != StatusPending || got.UserID != "u-redis" {
		t.Fatalf("get: %+v %v", got, err)
	}

	list, err := store.List(ctx, "u-redis")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}

	if err := store.Delete(ctx, job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStoreListDropsExpiredIndexEntries(t *testing.T) {
	ctx := context.Background()
	store, err := NewRedisStore(ctx, RedisConfig{URL: redisURL(), KeyPrefix: "healthsignals-test", TTL: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Skip("Redis not available, skipping test")
	}
	defer func() { _ = store.Close() }()

	job := Job{ID: "job-redis-expired", UserID: "u-redis-expired", Kind: KindDetect, Status: StatusPending, CreatedAt: time.Now().UTC()}
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}
	defer func() { _ = store.client.Del(ctx, store.userKey(job.UserID), store.allKey()).Err() }()
	if err := store.client.Del(ctx, store.jobKey(job.ID)).Err(); err != nil {
		t.Fatalf("expire record: %v", err)
	}

	list, err := store.List(ctx, job.UserID)
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no jobs, got %v %v", list, err)
	}
	member, err := store.client.SIsMember(ctx, store.userKey(job.UserID), job.ID).Result()
	if err != nil || member {
		t.Fatalf("expected the index entry removed, member=%v err=%v", member, err)
	}
}

func TestDropDanglingLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	store := &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 100 * time.Millisecond,
			MaxRetries:  -1,
		}),
		prefix: "healthsignals-test",
		logger: zerolog.New(&buf).Level(zerolog.DebugLevel),
	}
	defer func() { _ = store.Close() }()

	store.dropDangling(context.Background(), store.allKey(), "job-gone")
	if out := buf.String(); !strings.Contains(out, "job-gone") || !strings.Contains(out, `"level":"debug"`) {
		t.Fatalf("expected a debug entry for the failed removal, got %q", out)
	}
}
