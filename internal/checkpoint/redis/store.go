// Package redis persists checkpoints in Redis so a crawl can resume on any node.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
)

const keyPrefix = "gamecrawler:checkpoint:"

// Store implements crawler.CheckpointStore. Each source owns three keys: a
// meta hash, a queue list and a done set.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New wraps an existing client. A zero ttl keeps checkpoints until cleared.
func New(client redis.UniversalClient, ttl time.Duration) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Store{client: client, ttl: ttl}, nil
}

func metaKey(source crawler.Source) string  { return keyPrefix + string(source) + ":meta" }
func queueKey(source crawler.Source) string { return keyPrefix + string(source) + ":queue" }
func doneKey(source crawler.Source) string  { return keyPrefix + string(source) + ":done" }

// Load reads the checkpoint for source.
func (s *Store) Load(ctx context.Context, source crawler.Source) (crawler.Checkpoint, bool, error) {
	meta, err := s.client.HGetAll(ctx, metaKey(source)).Result()
	if err != nil {
		return crawler.Checkpoint{}, false, fmt.Errorf("load checkpoint meta: %w", err)
	}
	if len(meta) == 0 {
		return crawler.Checkpoint{}, false, nil
	}
	queue, err := s.client.LRange(ctx, queueKey(source), 0, -1).Result()
	if err != nil {
		return crawler.Checkpoint{}, false, fmt.Errorf("load checkpoint queue: %w", err)
	}
	done, err := s.client.SMembers(ctx, doneKey(source)).Result()
	if err != nil {
		return crawler.Checkpoint{}, false, fmt.Errorf("load checkpoint done set: %w", err)
	}

	cp := crawler.Checkpoint{
		Source: source,
		RunID:  meta["run_id"],
		State:  crawler.RunState(meta["state"]),
		Reason: meta["reason"],
		Queue:  queue,
		Done:   make(map[string]struct{}, len(done)),

		ListingExhausted: meta["listing_exhausted"] == "true",
	}
	for _, u := range done {
		cp.Done[u] = struct{}{}
	}
	if raw := meta["updated_at"]; raw != "" {
		if cp.UpdatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return crawler.Checkpoint{}, false, fmt.Errorf("parse checkpoint updated_at %q: %w", raw, err)
		}
	}
	return cp, true, nil
}

// Save atomically replaces the checkpoint for cp.Source.
func (s *Store) Save(ctx context.Context, cp crawler.Checkpoint) error {
	keys := []string{metaKey(cp.Source), queueKey(cp.Source), doneKey(cp.Source)}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.HSet(ctx, keys[0], map[string]any{
			"run_id":     cp.RunID,
			"state":      string(cp.State),
			"reason":     cp.Reason,
			"updated_at": cp.UpdatedAt.UTC().Format(time.RFC3339Nano),

			"listing_exhausted": strconv.FormatBool(cp.ListingExhausted),
		})
		if len(cp.Queue) > 0 {
			pipe.RPush(ctx, keys[1], toAny(cp.Queue)...)
		}
		if len(cp.Done) > 0 {
			members := make([]any, 0, len(cp.Done))
			for u := range cp.Done {
				members = append(members, u)
			}
			pipe.SAdd(ctx, keys[2], members...)
		}
		if s.ttl > 0 {
			for _, k := range keys {
				pipe.Expire(ctx, k, s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %s checkpoint: %w", cp.Source, err)
	}
	return nil
}

// MarkDone records one finished item.
func (s *Store) MarkDone(ctx context.Context, source crawler.Source, url string) error {
	if err := s.client.SAdd(ctx, doneKey(source), url).Err(); err != nil {
		return fmt.Errorf("mark %s done: %w", url, err)
	}
	return nil
}

// Clear deletes every key of source's checkpoint.
func (s *Store) Clear(ctx context.Context, source crawler.Source) error {
	if err := s.client.Del(ctx, metaKey(source), queueKey(source), doneKey(source)).Err(); err != nil {
		return fmt.Errorf("clear %s checkpoint: %w", source, err)
	}
	return nil
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
